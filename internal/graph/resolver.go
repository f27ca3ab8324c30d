package graph

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"storyforge/internal/stage"
)

// ErrorKind classifies a definition-time graph failure.
type ErrorKind string

const (
	KindCycle             ErrorKind = "cycle"
	KindDanglingReference ErrorKind = "dangling_reference"
	KindForwardContext    ErrorKind = "forward_context"
	KindDuplicateID       ErrorKind = "duplicate_id"
	KindEmptyID           ErrorKind = "empty_id"
	KindPaddedID          ErrorKind = "padded_id"
	KindDuplicateOutput   ErrorKind = "duplicate_output"
)

// Sentinels for errors.Is matching against a *GraphError.
var (
	ErrCycle             = errors.New("graph: cycle")
	ErrDanglingReference = errors.New("graph: dangling reference")
	ErrForwardContext    = errors.New("graph: forward context")
	ErrDuplicateID       = errors.New("graph: duplicate id")
	ErrEmptyID           = errors.New("graph: empty id")
	ErrPaddedID          = errors.New("graph: padded id")
	ErrDuplicateOutput   = errors.New("graph: duplicate output")
)

// GraphError reports why a set of stage definitions cannot be ordered.
type GraphError struct {
	Kind   ErrorKind
	Stage  string
	Ref    string
	Cycle  []string
	detail string
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case KindCycle:
		return fmt.Sprintf("graph: cycle detected: %s", strings.Join(e.Cycle, " -> "))
	case KindDanglingReference:
		return fmt.Sprintf("graph: stage %q references unknown stage %q (%s)", e.Stage, e.Ref, e.detail)
	case KindForwardContext:
		return fmt.Sprintf("graph: stage %q reads context from %q which is not a dependency", e.Stage, e.Ref)
	case KindDuplicateID:
		return fmt.Sprintf("graph: duplicate stage id %q", e.Stage)
	case KindEmptyID:
		return fmt.Sprintf("graph: stage at position %s has an empty id", e.detail)
	case KindPaddedID:
		return fmt.Sprintf("graph: stage id %q has surrounding whitespace", e.Stage)
	case KindDuplicateOutput:
		return fmt.Sprintf("graph: stages %q and %q both write %q", e.Ref, e.Stage, e.detail)
	default:
		return "graph: invalid definition"
	}
}

func (e *GraphError) Is(target error) bool {
	switch target {
	case ErrCycle:
		return e.Kind == KindCycle
	case ErrDanglingReference:
		return e.Kind == KindDanglingReference
	case ErrForwardContext:
		return e.Kind == KindForwardContext
	case ErrDuplicateID:
		return e.Kind == KindDuplicateID
	case ErrEmptyID:
		return e.Kind == KindEmptyID
	case ErrPaddedID:
		return e.Kind == KindPaddedID
	case ErrDuplicateOutput:
		return e.Kind == KindDuplicateOutput
	}
	return false
}

// Resolve validates defs and returns a deterministic execution order.
// Stages that become ready at the same time run in declaration order.
func Resolve(defs []stage.Definition) ([]string, error) {
	index := make(map[string]int, len(defs))
	outputs := make(map[string]string, len(defs))
	for i, d := range defs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return nil, &GraphError{Kind: KindEmptyID, detail: fmt.Sprint(i)}
		}
		if id != d.ID {
			return nil, &GraphError{Kind: KindPaddedID, Stage: d.ID}
		}
		if _, dup := index[id]; dup {
			return nil, &GraphError{Kind: KindDuplicateID, Stage: id}
		}
		index[id] = i

		out := outputKey(d.OutputPath())
		if prev, dup := outputs[out]; dup {
			return nil, &GraphError{Kind: KindDuplicateOutput, Stage: id, Ref: prev, detail: out}
		}
		outputs[out] = id
	}

	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, &GraphError{Kind: KindDanglingReference, Stage: d.ID, Ref: dep, detail: "dependencies"}
			}
		}
		for _, src := range d.Context {
			if _, ok := index[src]; !ok {
				return nil, &GraphError{Kind: KindDanglingReference, Stage: d.ID, Ref: src, detail: "context"}
			}
		}
	}

	for _, d := range defs {
		deps := make(map[string]bool, len(d.DependsOn))
		for _, dep := range d.DependsOn {
			deps[dep] = true
		}
		for _, src := range d.Context {
			if !deps[src] {
				return nil, &GraphError{Kind: KindForwardContext, Stage: d.ID, Ref: src}
			}
		}
	}

	if cycle := findCycle(defs, index); len(cycle) > 0 {
		return nil, &GraphError{Kind: KindCycle, Stage: cycle[0], Cycle: cycle}
	}

	// Kahn's algorithm; scanning in declaration order keeps ties stable.
	indegree := make([]int, len(defs))
	for i, d := range defs {
		indegree[i] = len(uniq(d.DependsOn))
	}
	downstream := downstreamIndex(defs, index)
	done := make([]bool, len(defs))
	order := make([]string, 0, len(defs))
	for len(order) < len(defs) {
		next := -1
		for i := range defs {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			// unreachable after findCycle, kept as a guard
			return nil, &GraphError{Kind: KindCycle}
		}
		done[next] = true
		order = append(order, defs[next].ID)
		for _, child := range downstream[next] {
			indegree[child]--
		}
	}
	return order, nil
}

// Downstream returns, for every stage, the sorted ids of stages that depend on it.
func Downstream(defs []stage.Definition) map[string][]string {
	out := make(map[string][]string, len(defs))
	for _, d := range defs {
		for _, dep := range uniq(d.DependsOn) {
			out[dep] = append(out[dep], d.ID)
		}
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

func downstreamIndex(defs []stage.Definition, index map[string]int) [][]int {
	out := make([][]int, len(defs))
	for i, d := range defs {
		for _, dep := range uniq(d.DependsOn) {
			p := index[dep]
			out[p] = append(out[p], i)
		}
	}
	return out
}

func findCycle(defs []stage.Definition, index map[string]int) []string {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(defs))
	var stack []string
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		state[i] = visiting
		stack = append(stack, defs[i].ID)
		for _, dep := range defs[i].DependsOn {
			j := index[dep]
			switch state[j] {
			case visiting:
				start := 0
				for k, id := range stack {
					if id == dep {
						start = k
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = visited
		return false
	}

	for i := range defs {
		if state[i] == unvisited && visit(i) {
			return cycle
		}
	}
	return nil
}

// outputKey normalizes an output path the way artifact stores key it.
func outputKey(p string) string {
	return path.Clean(strings.TrimLeft(strings.TrimSpace(p), "/"))
}

func uniq(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
