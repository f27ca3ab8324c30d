package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storyforge/internal/artifact"
	"storyforge/internal/executor"
	"storyforge/internal/graph"
	"storyforge/internal/metrics"
	"storyforge/internal/progress"
	"storyforge/internal/stage"
)

// Publisher receives every progress event a session emits.
type Publisher interface {
	Publish(sessionID string, ev progress.Event)
}

// forgetter is implemented by publishers that retain per-session state.
type forgetter interface {
	Forget(sessionID string)
}

// Orchestrator drives resolved pipelines one stage at a time. It owns the
// registry of sessions; sessions share nothing but the artifact store.
type Orchestrator struct {
	store     artifact.Store
	executors executor.Resolver
	publisher Publisher
	logger    *zap.Logger
	clock     func() time.Time
	newID     func() string

	mu   sync.RWMutex
	runs map[string]*run
}

// run serializes its stages on step; mu guards the snapshot and is never held
// across executor or store calls.
type run struct {
	step     sync.Mutex
	mu       sync.Mutex
	defs     map[string]stage.Definition
	produced map[string]time.Time
	session  RunSession
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator overrides the uuid session id source.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, progress.Event) {}

func New(store artifact.Store, executors executor.Resolver, publisher Publisher, opts ...Option) *Orchestrator {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	o := &Orchestrator{
		store:     store,
		executors: executors,
		publisher: publisher,
		logger:    zap.NewNop(),
		clock:     time.Now,
		newID:     uuid.NewString,
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Start validates defs, resolves their order and registers a new pending
// session. Definition errors are returned before any session exists.
func (o *Orchestrator) Start(_ context.Context, defs []stage.Definition) (string, error) {
	if len(defs) == 0 {
		return "", ErrNoStages
	}
	defs = stage.CloneAll(defs)
	order, err := graph.Resolve(defs)
	if err != nil {
		return "", err
	}
	byID := make(map[string]stage.Definition, len(defs))
	for _, d := range defs {
		if _, ok := o.executors.Lookup(d.Executor); !ok {
			return "", fmt.Errorf("stage %s: %w %q", d.ID, ErrUnknownExecutor, d.Executor)
		}
		byID[d.ID] = d
	}

	now := o.clock()
	id := o.newID()
	statuses := make(map[string]stage.Status, len(order))
	for _, sid := range order {
		statuses[sid] = stage.StatusPending
	}
	r := &run{
		defs:     byID,
		produced: make(map[string]time.Time, len(order)),
		session: RunSession{
			ID:          id,
			Order:       order,
			StageStatus: statuses,
			Status:      RunPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}

	o.mu.Lock()
	if _, dup := o.runs[id]; dup {
		o.mu.Unlock()
		return "", fmt.Errorf("session id collision: %s", id)
	}
	o.runs[id] = r
	o.mu.Unlock()

	metrics.RunsStarted.Inc()
	o.logger.Info("run started", zap.String("session_id", id), zap.Strings("order", order))
	return id, nil
}

func (o *Orchestrator) lookup(id string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return r, nil
}

// Step runs exactly one stage of the session and returns the updated snapshot.
// A stage failure is reported through the snapshot, not the error; the error
// is non-nil only when the session is unknown or already finished.
func (o *Orchestrator) Step(ctx context.Context, id string) (RunSession, error) {
	r, err := o.lookup(id)
	if err != nil {
		return RunSession{}, err
	}
	r.step.Lock()
	defer r.step.Unlock()

	r.mu.Lock()
	s := &r.session
	if s.Status.Terminal() {
		snap := s.clone()
		r.mu.Unlock()
		return snap, ErrSessionFinished
	}
	idx := s.Current
	def := r.defs[s.Order[idx]]
	total := len(s.Order)
	sessionID := s.ID
	s.Status = RunRunning
	s.StageStatus[def.ID] = stage.StatusRunning
	s.UpdatedAt = o.clock()
	o.emit(s, progress.Event{Kind: progress.KindStageStarted, StageName: def.ID, StageIndex: progress.IntPtr(idx), StageTotal: progress.IntPtr(total)})
	r.mu.Unlock()

	log := o.logger.With(zap.String("session_id", sessionID), zap.String("stage", def.ID), zap.Int("index", idx))
	failure := o.runStage(ctx, r, sessionID, def, log)

	r.mu.Lock()
	defer r.mu.Unlock()
	if failure != nil {
		o.fail(r, idx, failure)
		return s.clone(), nil
	}

	r.produced[def.ID] = o.clock()
	s.StageStatus[def.ID] = stage.StatusCompleted
	s.Current = idx + 1
	s.UpdatedAt = o.clock()
	o.bumpPercent(s, s.Current*100/total)
	o.emit(s, progress.Event{Kind: progress.KindStageCompleted, StageName: def.ID, StageIndex: progress.IntPtr(idx), StageTotal: progress.IntPtr(total)})
	log.Debug("stage completed")

	if s.Current == total {
		s.Status = RunCompleted
		o.bumpPercent(s, 100)
		o.emit(s, progress.Event{Kind: progress.KindRunCompleted, StageName: def.ID, StageIndex: progress.IntPtr(idx), StageTotal: progress.IntPtr(total)})
		metrics.RunsFinished.WithLabelValues(string(RunCompleted), "none").Inc()
		o.logger.Info("run completed", zap.String("session_id", sessionID))
	}
	return s.clone(), nil
}

// runStage assembles context, executes def and persists its artifact. It runs
// without r.mu so snapshot reads never wait on an executor. The returned error
// is the stage failure to record, nil on success.
func (o *Orchestrator) runStage(ctx context.Context, r *run, sessionID string, def stage.Definition, log *zap.Logger) error {
	inputs, err := o.assembleContext(ctx, r, sessionID, def)
	if err != nil {
		log.Warn("context assembly failed", zap.Error(err))
		return &ExecutorFailure{Stage: def.ID, Err: err}
	}

	exec, _ := o.executors.Lookup(def.Executor)
	started := o.clock()
	payload, err := exec.Execute(ctx, executor.Request{SessionID: sessionID, Stage: def, Context: inputs})
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.StageDuration.WithLabelValues(string(def.Kind), result).Observe(o.clock().Sub(started).Seconds())
	if err != nil {
		log.Warn("stage failed", zap.Error(err))
		return &ExecutorFailure{Stage: def.ID, Err: err}
	}

	if def.IsGate() {
		verdict, verr := stage.ParseVerdict(def.ID, payload)
		if verr != nil {
			log.Warn("gate returned an unusable verdict", zap.Error(verr))
			return &ExecutorFailure{Stage: def.ID, Err: verr}
		}
		if verdict.Decision == stage.DecisionRevise {
			log.Info("gate requested revision", zap.String("feedback", verdict.Feedback))
			return &GateRevision{Stage: def.ID, Feedback: verdict.Feedback}
		}
		if payload, err = json.Marshal(verdict); err != nil {
			return &ExecutorFailure{Stage: def.ID, Err: err}
		}
	}

	if err := o.store.Put(ctx, sessionID, def.OutputPath(), payload); err != nil {
		log.Warn("artifact persist failed", zap.Error(err))
		return &ExecutorFailure{Stage: def.ID, Err: fmt.Errorf("persist artifact %s: %w", def.OutputPath(), err)}
	}
	return nil
}

// Run steps the session until it reaches a terminal state and returns the
// final snapshot together with its terminal error, if any.
func (o *Orchestrator) Run(ctx context.Context, id string) (RunSession, error) {
	for {
		s, err := o.Step(ctx, id)
		if err != nil && !errors.Is(err, ErrSessionFinished) {
			return s, err
		}
		if s.Status.Terminal() {
			return s, s.Err
		}
	}
}

// assembleContext reads the artifacts of def's context sources in declared
// order. Gate verdicts never flow into later stages.
func (o *Orchestrator) assembleContext(ctx context.Context, r *run, sessionID string, def stage.Definition) ([]stage.Result, error) {
	out := make([]stage.Result, 0, len(def.Context))
	for _, src := range def.Context {
		srcDef := r.defs[src]
		if srcDef.IsGate() {
			o.logger.Warn("ignoring gate listed as context source",
				zap.String("session_id", sessionID),
				zap.String("stage", def.ID),
				zap.String("gate", src),
			)
			continue
		}
		raw, err := o.store.Get(ctx, sessionID, srcDef.OutputPath())
		if err != nil {
			return nil, fmt.Errorf("load context %s: %w", src, err)
		}
		r.mu.Lock()
		at := r.produced[src]
		r.mu.Unlock()
		out = append(out, stage.Result{StageID: src, Payload: raw, ProducedAt: at})
	}
	return out, nil
}

func (o *Orchestrator) fail(r *run, idx int, err error) {
	s := &r.session
	failed := s.Order[idx]
	s.StageStatus[failed] = stage.StatusFailed
	for _, sid := range s.Order[idx+1:] {
		if s.StageStatus[sid] == stage.StatusPending {
			s.StageStatus[sid] = stage.StatusSkipped
		}
	}
	s.Status = RunFailed
	s.Err = err
	s.Error = newRunError(err)
	s.UpdatedAt = o.clock()
	o.emit(s, progress.Event{
		Kind:       progress.KindRunFailed,
		StageName:  failed,
		StageIndex: progress.IntPtr(idx),
		StageTotal: progress.IntPtr(len(s.Order)),
		Error:      err.Error(),
	})
	metrics.RunsFinished.WithLabelValues(string(RunFailed), string(s.Error.Kind)).Inc()
}

// bumpPercent keeps percent monotonic within a session.
func (o *Orchestrator) bumpPercent(s *RunSession, pct int) {
	if pct > 100 {
		pct = 100
	}
	if pct > s.Percent {
		s.Percent = pct
	}
}

func (o *Orchestrator) emit(s *RunSession, ev progress.Event) {
	ev.SessionID = s.ID
	ev.Percent = s.Percent
	ev.At = o.clock()
	o.publisher.Publish(s.ID, ev)
}

// Get returns a snapshot of the session.
func (o *Orchestrator) Get(id string) (RunSession, error) {
	r, err := o.lookup(id)
	if err != nil {
		return RunSession{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.clone(), nil
}

// List returns snapshots of every retained session, oldest first.
func (o *Orchestrator) List() []RunSession {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	out := make([]RunSession, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, r.session.clone())
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Purge drops a finished session from the registry. Artifacts stay in the store.
func (o *Orchestrator) Purge(id string) error {
	r, err := o.lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	status := r.session.Status
	r.mu.Unlock()
	if status == RunRunning {
		return fmt.Errorf("%w: %s", ErrSessionActive, id)
	}

	o.mu.Lock()
	delete(o.runs, strings.TrimSpace(id))
	o.mu.Unlock()
	if f, ok := o.publisher.(forgetter); ok {
		f.Forget(strings.TrimSpace(id))
	}
	return nil
}
