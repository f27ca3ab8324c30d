package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyforge/internal/artifact"
	"storyforge/internal/executor"
	"storyforge/internal/graph"
	"storyforge/internal/progress"
	"storyforge/internal/stage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []progress.Event
	forgot []string
}

func (p *recordingPublisher) Publish(_ string, ev progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgot = append(p.forgot, id)
}

func (p *recordingPublisher) kinds() []progress.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]progress.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

type harness struct {
	orch  *Orchestrator
	pub   *recordingPublisher
	store *artifact.MemoryStore
	calls []string
	reqs  map[string]executor.Request
}

func newHarness(t *testing.T, gate stage.Decision) *harness {
	t.Helper()
	h := &harness{
		pub:   &recordingPublisher{},
		store: artifact.NewMemoryStore(),
		reqs:  map[string]executor.Request{},
	}
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register("writer", executor.Func(func(_ context.Context, req executor.Request) (json.RawMessage, error) {
		h.calls = append(h.calls, req.Stage.ID)
		h.reqs[req.Stage.ID] = req
		return json.Marshal(map[string]any{"by": req.Stage.ID, "inputs": len(req.Context)})
	})))
	require.NoError(t, reg.Register("reviewer", executor.Func(func(ctx context.Context, req executor.Request) (json.RawMessage, error) {
		h.calls = append(h.calls, req.Stage.ID)
		h.reqs[req.Stage.ID] = req
		return executor.Verdict(gate, "pacing drags in act two").Execute(ctx, req)
	})))
	require.NoError(t, reg.Register("broken", executor.Func(func(_ context.Context, req executor.Request) (json.RawMessage, error) {
		h.calls = append(h.calls, req.Stage.ID)
		return nil, errors.New("upstream worker returned 503")
	})))
	n := 0
	h.orch = New(h.store, reg, h.pub, WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	}))
	return h
}

func generateGateGenerate() []stage.Definition {
	return []stage.Definition{
		{ID: "draft", Kind: stage.KindGeneration, Executor: "writer"},
		{ID: "review", Kind: stage.KindGate, Executor: "reviewer", DependsOn: []string{"draft"}, Context: []string{"draft"}},
		{ID: "polish", Kind: stage.KindGeneration, Executor: "writer", DependsOn: []string{"draft", "review"}, Context: []string{"draft", "review"}},
	}
}

func TestGateReviseFailsFast(t *testing.T) {
	h := newHarness(t, stage.DecisionRevise)
	id, err := h.orch.Start(context.Background(), generateGateGenerate())
	require.NoError(t, err)

	s, err := h.orch.Run(context.Background(), id)
	require.Error(t, err)

	var rev *GateRevision
	require.ErrorAs(t, err, &rev)
	assert.Equal(t, "review", rev.Stage)
	var fail *ExecutorFailure
	assert.False(t, errors.As(err, &fail), "revision must be distinguishable from executor failure")

	assert.Equal(t, RunFailed, s.Status)
	assert.Equal(t, []string{"draft", "review"}, h.calls, "polish must never run")
	assert.Equal(t, stage.StatusCompleted, s.StageStatus["draft"])
	assert.Equal(t, stage.StatusFailed, s.StageStatus["review"])
	assert.Equal(t, stage.StatusSkipped, s.StageStatus["polish"])
	require.NotNil(t, s.Error)
	assert.Equal(t, ErrorGateRevision, s.Error.Kind)
	assert.Equal(t, "pacing drags in act two", s.Error.Message)

	assert.Equal(t, []progress.Kind{
		progress.KindStageStarted, progress.KindStageCompleted,
		progress.KindStageStarted, progress.KindRunFailed,
	}, h.pub.kinds())
	last := h.pub.events[len(h.pub.events)-1]
	assert.Equal(t, "pacing drags in act two", last.Error)
	assert.Equal(t, "review", last.StageName)
}

func TestGateApproveCompletesInOrder(t *testing.T) {
	h := newHarness(t, stage.DecisionApprove)
	id, err := h.orch.Start(context.Background(), generateGateGenerate())
	require.NoError(t, err)

	s, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, s.Status)
	assert.Equal(t, 100, s.Percent)
	assert.Equal(t, []string{"draft", "review", "polish"}, h.calls)
	assert.Nil(t, s.Error)

	// The gate blocks polish but its verdict is not part of polish's input.
	polish := h.reqs["polish"]
	require.Len(t, polish.Context, 1)
	assert.Equal(t, "draft", polish.Context[0].StageID)
	assert.JSONEq(t, `{"by":"draft","inputs":0}`, string(polish.Context[0].Payload))
	assert.False(t, polish.Context[0].ProducedAt.IsZero())

	kinds := h.pub.kinds()
	assert.Equal(t, progress.KindRunCompleted, kinds[len(kinds)-1])
	assert.Len(t, kinds, 7)

	paths, err := h.store.List(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"draft.json", "polish.json", "review.json"}, paths)
}

func TestPercentNeverDecreases(t *testing.T) {
	for _, decision := range []stage.Decision{stage.DecisionApprove, stage.DecisionRevise} {
		h := newHarness(t, decision)
		defs := []stage.Definition{
			{ID: "a", Executor: "writer"},
			{ID: "b", Executor: "writer", DependsOn: []string{"a"}, Context: []string{"a"}},
			{ID: "gate", Kind: stage.KindGate, Executor: "reviewer", DependsOn: []string{"b"}, Context: []string{"b"}},
			{ID: "c", Executor: "writer", DependsOn: []string{"gate"}},
			{ID: "d", Executor: "writer", DependsOn: []string{"c"}},
			{ID: "e", Executor: "writer", DependsOn: []string{"d"}},
		}
		id, err := h.orch.Start(context.Background(), defs)
		require.NoError(t, err)
		_, _ = h.orch.Run(context.Background(), id)

		prev := -1
		for _, ev := range h.pub.events {
			assert.GreaterOrEqual(t, ev.Percent, prev, "%s event went backwards", ev.Kind)
			assert.LessOrEqual(t, ev.Percent, 100)
			prev = ev.Percent
		}
	}
}

func TestStepAdvancesOneStageAtATime(t *testing.T) {
	h := newHarness(t, stage.DecisionApprove)
	id, err := h.orch.Start(context.Background(), generateGateGenerate())
	require.NoError(t, err)

	s, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, RunPending, s.Status)
	assert.Equal(t, []string{"draft", "review", "polish"}, s.Order)

	s, err = h.orch.Step(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, s.Status)
	assert.Equal(t, 1, s.Current)
	assert.Equal(t, 33, s.Percent)
	assert.Equal(t, stage.StatusPending, s.StageStatus["review"])
	assert.Len(t, h.pub.events, 2)

	running := 0
	for _, st := range s.StageStatus {
		if st == stage.StatusRunning {
			running++
		}
	}
	assert.Zero(t, running)

	_, err = h.orch.Step(context.Background(), id)
	require.NoError(t, err)
	s, err = h.orch.Step(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, s.Status)

	_, err = h.orch.Step(context.Background(), id)
	assert.ErrorIs(t, err, ErrSessionFinished)
}

func TestExecutorFailureKeepsMessageVerbatim(t *testing.T) {
	h := newHarness(t, stage.DecisionApprove)
	id, err := h.orch.Start(context.Background(), []stage.Definition{
		{ID: "outline", Executor: "writer"},
		{ID: "chapters", Executor: "broken", DependsOn: []string{"outline"}, Context: []string{"outline"}},
		{ID: "epilogue", Executor: "writer", DependsOn: []string{"chapters"}},
	})
	require.NoError(t, err)

	s, err := h.orch.Run(context.Background(), id)
	var fail *ExecutorFailure
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, "chapters", fail.Stage)
	assert.Equal(t, "upstream worker returned 503", err.Error())
	assert.Equal(t, &RunError{Kind: ErrorExecutorFailure, Stage: "chapters", Message: "upstream worker returned 503"}, s.Error)
	assert.Equal(t, stage.StatusSkipped, s.StageStatus["epilogue"])
	assert.NotContains(t, h.calls, "epilogue")
}

func TestInvalidGateVerdictIsExecutorFailure(t *testing.T) {
	h := newHarness(t, stage.Decision("maybe"))
	id, err := h.orch.Start(context.Background(), generateGateGenerate())
	require.NoError(t, err)
	_, err = h.orch.Run(context.Background(), id)
	var fail *ExecutorFailure
	require.ErrorAs(t, err, &fail)
	assert.Equal(t, "review", fail.Stage)
}

func TestStartRejectsInvalidDefinitions(t *testing.T) {
	h := newHarness(t, stage.DecisionApprove)

	_, err := h.orch.Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoStages)

	_, err = h.orch.Start(context.Background(), []stage.Definition{
		{ID: "a", Executor: "writer", DependsOn: []string{"b"}},
		{ID: "b", Executor: "writer", DependsOn: []string{"a"}},
	})
	assert.ErrorIs(t, err, graph.ErrCycle)

	_, err = h.orch.Start(context.Background(), []stage.Definition{
		{ID: "a", Executor: "writer"},
		{ID: "b", Executor: "writer", Context: []string{"a"}},
	})
	assert.ErrorIs(t, err, graph.ErrForwardContext)

	_, err = h.orch.Start(context.Background(), []stage.Definition{
		{ID: "a", Executor: "writer", Output: "shared.json"},
		{ID: "b", Executor: "writer", Output: "shared.json"},
		{ID: "c", Executor: "writer", DependsOn: []string{"a", "b"}, Context: []string{"a"}},
	})
	assert.ErrorIs(t, err, graph.ErrDuplicateOutput)

	_, err = h.orch.Start(context.Background(), []stage.Definition{{ID: "a", Executor: "nope"}})
	assert.ErrorContains(t, err, "unknown executor")

	assert.Empty(t, h.orch.List())
	assert.Empty(t, h.pub.events)
}

func TestDefinitionsAreImmutableAfterStart(t *testing.T) {
	h := newHarness(t, stage.DecisionApprove)
	defs := []stage.Definition{
		{ID: "a", Executor: "writer"},
		{ID: "b", Executor: "writer", DependsOn: []string{"a"}, Context: []string{"a"}},
	}
	id, err := h.orch.Start(context.Background(), defs)
	require.NoError(t, err)
	defs[1].Context[0] = "mutated"
	defs[1].Executor = "broken"

	s, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, s.Status)
	assert.Equal(t, "a", h.reqs["b"].Context[0].StageID)
}

func TestSessionsAreIndependentAndPurgeable(t *testing.T) {
	h := newHarness(t, stage.DecisionApprove)
	first, err := h.orch.Start(context.Background(), generateGateGenerate())
	require.NoError(t, err)
	second, err := h.orch.Start(context.Background(), generateGateGenerate())
	require.NoError(t, err)

	_, err = h.orch.Step(context.Background(), first)
	require.NoError(t, err)
	s2, err := h.orch.Get(second)
	require.NoError(t, err)
	assert.Equal(t, RunPending, s2.Status)
	assert.Len(t, h.orch.List(), 2)

	assert.ErrorIs(t, h.orch.Purge(first), ErrSessionActive)
	_, err = h.orch.Run(context.Background(), first)
	require.NoError(t, err)
	require.NoError(t, h.orch.Purge(first))
	_, err = h.orch.Get(first)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, []string{first}, h.pub.forgot)
	assert.ErrorIs(t, h.orch.Purge("missing"), ErrSessionNotFound)
}

type failingStore struct{ artifact.Store }

func (failingStore) Put(context.Context, string, string, []byte) error {
	return errors.New("bucket unavailable")
}

func TestPersistFailureFailsRun(t *testing.T) {
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register("echo", executor.Echo()))
	pub := &recordingPublisher{}
	orch := New(failingStore{artifact.NewMemoryStore()}, reg, pub)

	id, err := orch.Start(context.Background(), []stage.Definition{{ID: "a", Executor: "echo"}, {ID: "b", Executor: "echo", DependsOn: []string{"a"}}})
	require.NoError(t, err)
	s, err := orch.Run(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")
	assert.Equal(t, RunFailed, s.Status)
	assert.Equal(t, progress.KindRunFailed, pub.kinds()[len(pub.kinds())-1])
}

func TestRevisionWithoutFeedbackStillHasMessage(t *testing.T) {
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register("writer", executor.Echo()))
	require.NoError(t, reg.Register("reviewer", executor.Verdict(stage.DecisionRevise, "")))
	orch := New(artifact.NewMemoryStore(), reg, nil)

	id, err := orch.Start(context.Background(), generateGateGenerate())
	require.NoError(t, err)
	s, err := orch.Run(context.Background(), id)
	require.Error(t, err)
	require.NotNil(t, s.Error)
	assert.Equal(t, ErrorGateRevision, s.Error.Kind)
	assert.Equal(t, "gate review requested revision", s.Error.Message)
	assert.Equal(t, err.Error(), s.Error.Message)
}

func TestSnapshotsDoNotWaitOnRunningStage(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register("slow", executor.Func(func(ctx context.Context, req executor.Request) (json.RawMessage, error) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"done":true}`), nil
	})))
	orch := New(artifact.NewMemoryStore(), reg, nil)
	id, err := orch.Start(context.Background(), []stage.Definition{{ID: "chapters", Executor: "slow"}})
	require.NoError(t, err)

	stepped := make(chan RunSession, 1)
	go func() {
		s, _ := orch.Step(context.Background(), id)
		stepped <- s
	}()
	<-entered

	snapshots := make(chan RunSession, 1)
	go func() {
		s, _ := orch.Get(id)
		_ = orch.List()
		snapshots <- s
	}()
	select {
	case s := <-snapshots:
		assert.Equal(t, RunRunning, s.Status)
		assert.Equal(t, stage.StatusRunning, s.StageStatus["chapters"])
	case <-time.After(2 * time.Second):
		t.Fatal("Get/List waited on the stage executor")
	}
	assert.ErrorIs(t, orch.Purge(id), ErrSessionActive)

	close(release)
	select {
	case s := <-stepped:
		assert.Equal(t, RunCompleted, s.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("step did not finish")
	}
}

func TestConcurrentStepsRunStagesOnce(t *testing.T) {
	h := newHarness(t, stage.DecisionApprove)
	var mu sync.Mutex
	ran := map[string]int{}
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register("writer", executor.Func(func(_ context.Context, req executor.Request) (json.RawMessage, error) {
		mu.Lock()
		ran[req.Stage.ID]++
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	})))
	orch := New(h.store, reg, nil)
	id, err := orch.Start(context.Background(), []stage.Definition{
		{ID: "a", Executor: "writer"},
		{ID: "b", Executor: "writer", DependsOn: []string{"a"}},
		{ID: "c", Executor: "writer", DependsOn: []string{"b"}},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = orch.Step(context.Background(), id)
		}()
	}
	wg.Wait()

	s, err := orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, s.Status)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, ran)
}
