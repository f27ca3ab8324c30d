package stage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes artifact-producing stages from review gates.
type Kind string

const (
	KindGeneration Kind = "generation"
	KindGate       Kind = "gate"
)

// ParseKind normalizes a kind string; empty means generation.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(KindGeneration):
		return KindGeneration, nil
	case string(KindGate):
		return KindGate, nil
	default:
		return "", fmt.Errorf("unknown stage kind %q", raw)
	}
}

// Definition declares one stage of a pipeline.
type Definition struct {
	ID   string
	Kind Kind
	// DependsOn lists stages that must reach Completed before this one starts.
	DependsOn []string
	// Context lists, in order, the stages whose artifacts form this stage's input.
	// Every entry must also appear in DependsOn.
	Context []string
	// Executor names the executor that runs this stage.
	Executor string
	// Output is the artifact path within the session; defaults to "<id>.json".
	Output string
}

// OutputPath returns the artifact path used to persist this stage's result.
func (d Definition) OutputPath() string {
	if p := strings.TrimSpace(d.Output); p != "" {
		return p
	}
	return d.ID + ".json"
}

// IsGate reports whether the stage produces a verdict instead of an artifact.
func (d Definition) IsGate() bool { return d.Kind == KindGate }

// Clone returns a deep copy so callers cannot mutate a running definition.
func (d Definition) Clone() Definition {
	d.DependsOn = append([]string(nil), d.DependsOn...)
	d.Context = append([]string(nil), d.Context...)
	return d
}

// CloneAll deep-copies a definition list.
func CloneAll(defs []Definition) []Definition {
	out := make([]Definition, len(defs))
	for i, d := range defs {
		out[i] = d.Clone()
	}
	return out
}

// Status is the lifecycle state of a single stage within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Result is the artifact produced by a completed stage.
type Result struct {
	StageID    string          `json:"stage_id"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
}

// Decision is a gate's verdict on the artifacts it reviewed.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
)

// Verdict is the structured payload a gate stage returns.
type Verdict struct {
	StageID  string   `json:"stage_id,omitempty"`
	Decision Decision `json:"decision"`
	Feedback string   `json:"feedback,omitempty"`
}

// ParseVerdict decodes a gate payload and validates its decision.
func ParseVerdict(stageID string, payload []byte) (Verdict, error) {
	var v Verdict
	if err := json.Unmarshal(payload, &v); err != nil {
		return Verdict{}, fmt.Errorf("decode gate verdict: %w", err)
	}
	v.StageID = stageID
	switch Decision(strings.ToLower(strings.TrimSpace(string(v.Decision)))) {
	case DecisionApprove:
		v.Decision = DecisionApprove
	case DecisionRevise:
		v.Decision = DecisionRevise
	default:
		return Verdict{}, fmt.Errorf("invalid gate verdict decision %q", v.Decision)
	}
	return v, nil
}
