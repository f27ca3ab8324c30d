package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"storyforge/internal/stage"
)

// Request is everything a stage sees when it runs: its own definition and the
// artifacts of its context sources, in declared order.
type Request struct {
	SessionID string
	Stage     stage.Definition
	Context   []stage.Result
}

// Executor performs one stage's generation call.
type Executor interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Resolver looks up executors by the reference name used in pipeline definitions.
type Resolver interface {
	Lookup(name string) (Executor, bool)
}

// Registry is a concurrency-safe Resolver.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]Executor)}
}

// Register binds name to exec, replacing any previous binding.
func (r *Registry) Register(name string, exec Executor) error {
	key := normalizeName(name)
	if key == "" {
		return fmt.Errorf("executor name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor %s is nil", name)
	}
	r.mu.Lock()
	r.execs[key] = exec
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(name string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.execs[normalizeName(name)]
	return exec, ok
}

// Names lists registered executor names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.execs))
	for k := range r.execs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
