package client

import "time"

// State is the connectivity state of a Client.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// CloseReason qualifies StateClosed.
type CloseReason string

const (
	ReasonNone  CloseReason = ""
	ReasonClean CloseReason = "clean"
	ReasonError CloseReason = "error"
)

// Status is what callers poll to learn whether the subscription is alive.
type Status struct {
	State  State
	Reason CloseReason
	// Attempt is the number of reconnects scheduled since the last successful open.
	Attempt int
	// Retrying is true while a reconnect timer is pending.
	Retrying bool
}

type inputKind int

const (
	inputConnect inputKind = iota
	inputDisconnect
	inputOpened
	inputClosed
	inputTimerFired
)

type input struct {
	kind inputKind
	// clean marks an inputClosed caused by a normal close handshake.
	clean bool
}

type effectKind int

const (
	effectDial effectKind = iota
	effectCancelTimer
	effectScheduleReconnect
	effectCloseConn
	effectGiveUp
)

type effect struct {
	kind  effectKind
	delay time.Duration
}

type policy struct {
	autoReconnect bool
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

// machine is the complete reconnect state. It is only changed by transition.
type machine struct {
	state        State
	reason       CloseReason
	attempt      int
	manual       bool
	timerPending bool
}

func (m machine) status() Status {
	return Status{State: m.state, Reason: m.reason, Attempt: m.attempt, Retrying: m.timerPending}
}

// backoff returns min(base * 2^attempt, max).
func backoff(p policy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 {
		return p.maxDelay
	}
	d := p.baseDelay * time.Duration(int64(1)<<attempt)
	if d <= 0 || d/time.Duration(int64(1)<<attempt) != p.baseDelay || d > p.maxDelay {
		return p.maxDelay
	}
	return d
}

// transition is the pure reconnect state machine.
func transition(m machine, in input, p policy) (machine, []effect) {
	var effects []effect
	cancelTimer := func() {
		if m.timerPending {
			m.timerPending = false
			effects = append(effects, effect{kind: effectCancelTimer})
		}
	}

	switch in.kind {
	case inputConnect:
		m.manual = false
		cancelTimer()
		if m.state == StateConnecting || m.state == StateOpen {
			return m, effects
		}
		m.state = StateConnecting
		m.reason = ReasonNone
		m.attempt = 0
		return m, append(effects, effect{kind: effectDial})

	case inputDisconnect:
		m.manual = true
		cancelTimer()
		if m.state == StateConnecting || m.state == StateOpen {
			effects = append(effects, effect{kind: effectCloseConn})
		}
		m.state = StateClosed
		m.reason = ReasonClean
		m.attempt = 0
		return m, effects

	case inputOpened:
		if m.state != StateConnecting {
			return m, []effect{{kind: effectCloseConn}}
		}
		m.state = StateOpen
		m.reason = ReasonNone
		m.attempt = 0
		return m, nil

	case inputClosed:
		if m.state != StateConnecting && m.state != StateOpen {
			return m, nil
		}
		m.state = StateClosed
		m.reason = ReasonError
		if in.clean {
			m.reason = ReasonClean
		}
		if m.manual || !p.autoReconnect {
			return m, nil
		}
		if m.attempt >= p.maxAttempts {
			return m, []effect{{kind: effectGiveUp}}
		}
		delay := backoff(p, m.attempt)
		m.attempt++
		m.timerPending = true
		return m, []effect{{kind: effectScheduleReconnect, delay: delay}}

	case inputTimerFired:
		if !m.timerPending {
			return m, nil
		}
		m.timerPending = false
		if m.manual {
			return m, nil
		}
		m.state = StateConnecting
		m.reason = ReasonNone
		return m, []effect{{kind: effectDial}}
	}
	return m, nil
}
