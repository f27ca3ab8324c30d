package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"storyforge/internal/stage"
)

// RunStatus is the overall state of a session.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the session can no longer advance.
func (s RunStatus) Terminal() bool { return s == RunCompleted || s == RunFailed }

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFinished = errors.New("session already finished")
	ErrSessionActive   = errors.New("session is still active")
	ErrNoStages        = errors.New("pipeline has no stages")
	ErrUnknownExecutor = errors.New("unknown executor")
)

// ExecutorFailure means a stage could not produce its artifact. Error returns
// the underlying message unchanged.
type ExecutorFailure struct {
	Stage string
	Err   error
}

func (e *ExecutorFailure) Error() string { return e.Err.Error() }
func (e *ExecutorFailure) Unwrap() error { return e.Err }

// GateRevision means a gate ran successfully but rejected the content it reviewed.
type GateRevision struct {
	Stage    string
	Feedback string
}

func (e *GateRevision) Error() string {
	if e.Feedback == "" {
		return fmt.Sprintf("gate %s requested revision", e.Stage)
	}
	return e.Feedback
}

// ErrorKind tags a RunError for callers that only see the snapshot.
type ErrorKind string

const (
	ErrorExecutorFailure ErrorKind = "executor_failure"
	ErrorGateRevision    ErrorKind = "gate_revision"
)

// RunError is the serializable detail of a failed session.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
}

// RunSession is a snapshot of one pipeline execution.
type RunSession struct {
	ID          string                  `json:"id"`
	Order       []string                `json:"order"`
	StageStatus map[string]stage.Status `json:"stage_status"`
	Status      RunStatus               `json:"status"`
	Current     int                     `json:"current"`
	Percent     int                     `json:"percent"`
	Error       *RunError               `json:"error,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`

	// Err is the typed terminal error (*ExecutorFailure or *GateRevision).
	Err error `json:"-"`
}

func (s RunSession) clone() RunSession {
	s.Order = append([]string(nil), s.Order...)
	statuses := make(map[string]stage.Status, len(s.StageStatus))
	for k, v := range s.StageStatus {
		statuses[k] = v
	}
	s.StageStatus = statuses
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	return s
}

func newRunError(err error) *RunError {
	var rev *GateRevision
	if errors.As(err, &rev) {
		return &RunError{Kind: ErrorGateRevision, Stage: rev.Stage, Message: rev.Error()}
	}
	var fail *ExecutorFailure
	if errors.As(err, &fail) {
		return &RunError{Kind: ErrorExecutorFailure, Stage: fail.Stage, Message: fail.Error()}
	}
	return &RunError{Kind: ErrorExecutorFailure, Message: err.Error()}
}
