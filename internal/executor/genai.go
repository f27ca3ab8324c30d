package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	genai "google.golang.org/genai"

	"storyforge/internal/util/jsonutil"
)

var ErrEmptyResponse = errors.New("generation returned no content")

const gateInstruction = `Review the artifacts above. Respond with JSON {"decision":"approve"|"revise","feedback":"..."}.`

// contentGenerator is the slice of *genai.Models the executor calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GenAIConfig struct {
	APIKey string
	Model  string
	// Prompts maps stage id to its instruction; DefaultPrompt covers the rest.
	Prompts       map[string]string
	DefaultPrompt string
}

// GenAIExecutor asks a Gemini model for one JSON artifact per stage.
type GenAIExecutor struct {
	models  contentGenerator
	model   string
	prompts map[string]string
	def     string
}

func NewGenAIExecutor(ctx context.Context, cfg GenAIConfig) (*GenAIExecutor, error) {
	clientCfg := &genai.ClientConfig{Backend: genai.BackendGeminiAPI}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		clientCfg.APIKey = key
	}
	cli, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("init genai client: %w", err)
	}
	return newGenAIExecutor(cli.Models, cfg), nil
}

func newGenAIExecutor(models contentGenerator, cfg GenAIConfig) *GenAIExecutor {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	def := strings.TrimSpace(cfg.DefaultPrompt)
	if def == "" {
		def = "Produce the next artifact for this stage as a single JSON object."
	}
	prompts := make(map[string]string, len(cfg.Prompts))
	for k, v := range cfg.Prompts {
		prompts[strings.TrimSpace(k)] = v
	}
	return &GenAIExecutor{models: models, model: model, prompts: prompts, def: def}
}

func (g *GenAIExecutor) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	prompt := g.buildPrompt(req)
	resp, err := g.models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, ErrEmptyResponse
	}
	out, err := jsonutil.Extract(resp.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return nil, fmt.Errorf("stage %s: model returned invalid json: %w", req.Stage.ID, err)
	}
	return out, nil
}

func (g *GenAIExecutor) buildPrompt(req Request) string {
	var b strings.Builder
	instruction, ok := g.prompts[req.Stage.ID]
	if !ok {
		instruction = g.def
	}
	b.WriteString(instruction)
	for _, res := range req.Context {
		b.WriteString("\n\n[")
		b.WriteString(res.StageID)
		b.WriteString("]\n")
		b.Write(res.Payload)
	}
	if req.Stage.IsGate() {
		b.WriteString("\n\n")
		b.WriteString(gateInstruction)
	}
	return b.String()
}
