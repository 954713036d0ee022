package segment

import "time"

// Status is a segment lifecycle state.
type Status string

const (
	StatusListening    Status = "listening"
	StatusTranscribing Status = "transcribing"
	StatusTranslating  Status = "translating"
	StatusDone         Status = "done"
	StatusError        Status = "error"
)

// transitions is the complete table of allowed moves. Done and Error have
// no outgoing edges.
var transitions = map[Status][]Status{
	StatusListening:    {StatusTranscribing, StatusError},
	StatusTranscribing: {StatusTranslating, StatusError},
	StatusTranslating:  {StatusDone, StatusError},
}

// progression is the happy path, used to walk a segment forward one legal
// step at a time.
var progression = []Status{StatusListening, StatusTranscribing, StatusTranslating, StatusDone}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// CanTransition reports whether s -> to is in the transition table.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) rank() int {
	for i, st := range progression {
		if st == s {
			return i
		}
	}
	return -1
}

// Timeouts bounds how long a segment may dwell in each non-terminal status.
// A zero value disables the timeout for that status.
type Timeouts struct {
	Listening    time.Duration
	Transcribing time.Duration
	Translating  time.Duration
}

// DefaultTimeouts returns the production dwell limits.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Listening:    15 * time.Second,
		Transcribing: 15 * time.Second,
		Translating:  30 * time.Second,
	}
}

// For returns the dwell limit for s, or 0 for terminal states.
func (t Timeouts) For(s Status) time.Duration {
	switch s {
	case StatusListening:
		return t.Listening
	case StatusTranscribing:
		return t.Transcribing
	case StatusTranslating:
		return t.Translating
	default:
		return 0
	}
}
