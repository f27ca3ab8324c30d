package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyforge/internal/stage"
)

func def(id string, deps []string, ctx []string) stage.Definition {
	return stage.Definition{ID: id, Kind: stage.KindGeneration, DependsOn: deps, Context: ctx}
}

func TestResolveOrdersAfterPredecessors(t *testing.T) {
	defs := []stage.Definition{
		def("chapters", []string{"outline", "characters"}, []string{"outline", "characters"}),
		def("outline", []string{"premise"}, []string{"premise"}),
		def("premise", nil, nil),
		def("characters", []string{"premise"}, nil),
		def("review", []string{"chapters"}, []string{"chapters"}),
	}

	order, err := Resolve(defs)
	require.NoError(t, err)
	require.Len(t, order, len(defs))

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			assert.Less(t, pos[dep], pos[d.ID], "%s must run after %s", d.ID, dep)
		}
	}
	assert.Equal(t, []string{"premise", "outline", "characters", "chapters", "review"}, order)
}

func TestResolveIsDeterministic(t *testing.T) {
	defs := []stage.Definition{
		def("a", nil, nil),
		def("b", nil, nil),
		def("c", []string{"a", "b"}, []string{"b"}),
		def("d", []string{"a"}, nil),
		def("e", nil, nil),
	}
	first, err := Resolve(defs)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Resolve(defs)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, first)
}

func TestResolveTieBreaksByDeclarationOrder(t *testing.T) {
	defs := []stage.Definition{
		def("root", nil, nil),
		def("z", []string{"root"}, nil),
		def("y", []string{"root"}, nil),
		def("x", []string{"root"}, nil),
	}
	order, err := Resolve(defs)
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "z", "y", "x"}, order)
}

func TestResolveCycle(t *testing.T) {
	defs := []stage.Definition{
		def("a", []string{"b"}, nil),
		def("b", []string{"a"}, nil),
	}
	_, err := Resolve(defs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))

	var gerr *GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, KindCycle, gerr.Kind)
	assert.Equal(t, []string{"a", "b", "a"}, gerr.Cycle)
}

func TestResolveSelfCycle(t *testing.T) {
	_, err := Resolve([]stage.Definition{def("a", []string{"a"}, nil)})
	assert.ErrorIs(t, err, ErrCycle)
}

func TestResolveForwardContext(t *testing.T) {
	defs := []stage.Definition{
		def("a", nil, nil),
		def("b", nil, []string{"a"}),
	}
	_, err := Resolve(defs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrForwardContext)

	var gerr *GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "b", gerr.Stage)
	assert.Equal(t, "a", gerr.Ref)
}

func TestResolveDanglingReference(t *testing.T) {
	_, err := Resolve([]stage.Definition{def("a", []string{"missing"}, nil)})
	assert.ErrorIs(t, err, ErrDanglingReference)

	_, err = Resolve([]stage.Definition{def("a", nil, []string{"ghost"})})
	assert.ErrorIs(t, err, ErrDanglingReference)
}

func TestResolveRejectsDuplicateAndEmptyIDs(t *testing.T) {
	_, err := Resolve([]stage.Definition{def("a", nil, nil), def("a", nil, nil)})
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = Resolve([]stage.Definition{def(" ", nil, nil)})
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestResolveRejectsPaddedIDs(t *testing.T) {
	_, err := Resolve([]stage.Definition{def(" a", nil, nil)})
	assert.ErrorIs(t, err, ErrPaddedID)

	// a padded reference stays unresolvable instead of matching "a"
	_, err = Resolve([]stage.Definition{def("a", nil, nil), def("b", []string{"a "}, nil)})
	assert.ErrorIs(t, err, ErrDanglingReference)
}

func TestResolveRejectsSharedOutputPaths(t *testing.T) {
	withOutput := func(d stage.Definition, out string) stage.Definition {
		d.Output = out
		return d
	}

	_, err := Resolve([]stage.Definition{
		withOutput(def("a", nil, nil), "shared.json"),
		withOutput(def("b", nil, nil), "shared.json"),
		def("c", []string{"a", "b"}, []string{"a"}),
	})
	require.ErrorIs(t, err, ErrDuplicateOutput)
	var gerr *GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "b", gerr.Stage)
	assert.Equal(t, "a", gerr.Ref)

	// paths collide after normalization too
	_, err = Resolve([]stage.Definition{
		withOutput(def("a", nil, nil), "/drafts/./ch1.json"),
		withOutput(def("b", nil, nil), "drafts/ch1.json"),
	})
	assert.ErrorIs(t, err, ErrDuplicateOutput)

	// an explicit output may not shadow another stage's default path
	_, err = Resolve([]stage.Definition{
		def("a", nil, nil),
		withOutput(def("b", nil, nil), "a.json"),
	})
	assert.ErrorIs(t, err, ErrDuplicateOutput)
}

func TestDownstream(t *testing.T) {
	defs := []stage.Definition{
		def("a", nil, nil),
		def("c", []string{"a"}, nil),
		def("b", []string{"a", "a"}, nil),
	}
	ds := Downstream(defs)
	assert.Equal(t, []string{"b", "c"}, ds["a"])
	assert.Empty(t, ds["b"])
}
