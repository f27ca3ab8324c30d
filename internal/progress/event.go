package progress

import "time"

// Kind identifies the transition an Event records.
type Kind string

const (
	KindConnected      Kind = "connected"
	KindHeartbeat      Kind = "heartbeat"
	KindStageStarted   Kind = "stage_started"
	KindStageCompleted Kind = "stage_completed"
	KindRunCompleted   Kind = "run_completed"
	KindRunFailed      Kind = "run_failed"
)

// Terminal reports whether no further transitions follow this kind.
func (k Kind) Terminal() bool {
	return k == KindRunCompleted || k == KindRunFailed
}

// Event is one ordered notification about a session. The most recent
// non-heartbeat event is the canonical snapshot of the session's state.
type Event struct {
	SessionID  string
	Kind       Kind
	StageName  string
	StageIndex *int
	StageTotal *int
	Percent    int
	Error      string
	At         time.Time

	// Last is set on Connected events and carries the latest retained event.
	Last *Event
}

// IntPtr is a small helper for the optional index fields.
func IntPtr(v int) *int { return &v }

func (e Event) clone() Event {
	if e.StageIndex != nil {
		e.StageIndex = IntPtr(*e.StageIndex)
	}
	if e.StageTotal != nil {
		e.StageTotal = IntPtr(*e.StageTotal)
	}
	if e.Last != nil {
		last := e.Last.clone()
		e.Last = &last
	}
	return e
}
