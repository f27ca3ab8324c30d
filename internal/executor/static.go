package executor

import (
	"context"
	"encoding/json"
	"time"

	"storyforge/internal/stage"
	"storyforge/internal/util/jsonutil"
)

// Echo returns a payload naming the stage and the context it received. It is
// the executor used by local runs that have no model configured.
func Echo() Executor {
	return Func(func(_ context.Context, req Request) (json.RawMessage, error) {
		sources := make([]string, 0, len(req.Context))
		for _, r := range req.Context {
			sources = append(sources, r.StageID)
		}
		return jsonutil.MarshalNoEscape(map[string]any{
			"stage":        req.Stage.ID,
			"context":      sources,
			"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

// Verdict returns an executor that always emits the given gate decision.
func Verdict(decision stage.Decision, feedback string) Executor {
	return Func(func(_ context.Context, req Request) (json.RawMessage, error) {
		return jsonutil.MarshalNoEscape(stage.Verdict{StageID: req.Stage.ID, Decision: decision, Feedback: feedback})
	})
}
