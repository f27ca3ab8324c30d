package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame types and statuses on the wire.
const (
	TypeConnection = "connection"
	TypeHeartbeat  = "heartbeat"
	TypeProgress   = "progress"

	StatusConnected     = "connected"
	StatusStarted       = "started"
	StatusTaskStarted   = "task_started"
	StatusTaskCompleted = "task_completed"
	StatusCompleted     = "completed"
	StatusError         = "error"
	StatusTimeout       = "timeout"
)

var ErrMalformedFrame = errors.New("malformed progress frame")

// Message is the JSON object carried by one frame.
type Message struct {
	Type            string   `json:"type"`
	Status          string   `json:"status,omitempty"`
	SessionID       string   `json:"session_id"`
	CurrentStep     string   `json:"current_step,omitempty"`
	ProgressPercent *int     `json:"progress_percent,omitempty"`
	TaskName        string   `json:"task_name,omitempty"`
	TaskIndex       *int     `json:"task_index,omitempty"`
	TotalTasks      *int     `json:"total_tasks,omitempty"`
	Error           string   `json:"error,omitempty"`
	Timestamp       string   `json:"timestamp,omitempty"`
	Last            *Message `json:"last,omitempty"`
}

// Encode converts an Event to its wire form.
func Encode(ev Event) Message {
	msg := Message{SessionID: ev.SessionID}
	if !ev.At.IsZero() {
		msg.Timestamp = ev.At.UTC().Format(time.RFC3339Nano)
	}
	switch ev.Kind {
	case KindHeartbeat:
		msg.Type = TypeHeartbeat
		return msg
	case KindConnected:
		msg.Type = TypeConnection
		msg.Status = StatusConnected
		if ev.Last != nil {
			last := Encode(*ev.Last)
			msg.Last = &last
			// Mirror the snapshot so clients that only read flat fields still see current state.
			msg.ProgressPercent = last.ProgressPercent
			msg.TaskName = last.TaskName
			msg.TaskIndex = last.TaskIndex
			msg.TotalTasks = last.TotalTasks
			msg.Error = last.Error
		}
		return msg
	case KindStageStarted:
		msg.Status = StatusTaskStarted
		if ev.StageIndex != nil && *ev.StageIndex == 0 {
			msg.CurrentStep = ev.StageName
		}
	case KindStageCompleted:
		msg.Status = StatusTaskCompleted
	case KindRunCompleted:
		msg.Status = StatusCompleted
	case KindRunFailed:
		msg.Status = StatusError
		msg.Error = ev.Error
	}
	msg.Type = TypeProgress
	msg.ProgressPercent = IntPtr(ev.Percent)
	msg.TaskName = ev.StageName
	if ev.StageIndex != nil {
		msg.TaskIndex = IntPtr(*ev.StageIndex)
	}
	if ev.StageTotal != nil {
		msg.TotalTasks = IntPtr(*ev.StageTotal)
	}
	return msg
}

// Marshal encodes an Event as one JSON frame.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(Encode(ev))
}

// Decode converts a wire message back to an Event.
func Decode(msg Message) (Event, error) {
	sessionID := strings.TrimSpace(msg.SessionID)
	if sessionID == "" {
		return Event{}, fmt.Errorf("%w: session_id is required", ErrMalformedFrame)
	}
	ev := Event{SessionID: sessionID}
	if ts := strings.TrimSpace(msg.Timestamp); ts != "" {
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Event{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedFrame, err)
		}
		ev.At = at
	}

	switch msg.Type {
	case TypeHeartbeat:
		ev.Kind = KindHeartbeat
		return ev, nil
	case TypeConnection:
		if msg.Status != "" && msg.Status != StatusConnected {
			return Event{}, fmt.Errorf("%w: connection status %q", ErrMalformedFrame, msg.Status)
		}
		ev.Kind = KindConnected
		if msg.Last != nil {
			last, err := Decode(*msg.Last)
			if err != nil {
				return Event{}, err
			}
			ev.Last = &last
		}
		return ev, nil
	case TypeProgress:
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, msg.Type)
	}

	switch msg.Status {
	case StatusStarted:
		ev.Kind = KindStageStarted
		ev.StageName = msg.CurrentStep
	case StatusTaskStarted:
		ev.Kind = KindStageStarted
	case StatusTaskCompleted:
		ev.Kind = KindStageCompleted
	case StatusCompleted:
		ev.Kind = KindRunCompleted
	case StatusError:
		ev.Kind = KindRunFailed
		ev.Error = msg.Error
	case StatusTimeout:
		ev.Kind = KindRunFailed
		ev.Error = firstNonEmpty(msg.Error, "timeout")
	default:
		return Event{}, fmt.Errorf("%w: unknown status %q", ErrMalformedFrame, msg.Status)
	}
	if msg.ProgressPercent != nil {
		p := *msg.ProgressPercent
		if p < 0 || p > 100 {
			return Event{}, fmt.Errorf("%w: progress_percent %d out of range", ErrMalformedFrame, p)
		}
		ev.Percent = p
	}
	if msg.TaskName != "" {
		ev.StageName = msg.TaskName
	}
	if msg.TaskIndex != nil {
		ev.StageIndex = IntPtr(*msg.TaskIndex)
	}
	if msg.TotalTasks != nil {
		ev.StageTotal = IntPtr(*msg.TotalTasks)
	}
	return ev, nil
}

// Unmarshal parses one JSON frame into an Event.
func Unmarshal(raw []byte) (Event, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return Decode(msg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
