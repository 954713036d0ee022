package session

import (
	"fmt"
	"sync"

	"github.com/lukasbauer/proxyvoice/internal/logging"
)

// State is a conversation phase.
type State string

const (
	StateInit       State = "INIT"
	StateListening  State = "LISTENING"
	StateThinking   State = "THINKING"
	StateSpeaking   State = "SPEAKING"
	StateCheckpoint State = "CHECKPOINT"
	StateStopping   State = "STOPPING"
	StateStopped    State = "STOPPED"
)

var stateTransitions = map[State][]State{
	StateInit:       {StateListening, StateStopping},
	StateListening:  {StateThinking, StateStopping},
	StateThinking:   {StateSpeaking, StateStopping},
	StateSpeaking:   {StateListening, StateCheckpoint, StateStopping},
	StateCheckpoint: {StateListening, StateStopping},
	StateStopping:   {StateStopped},
}

// InvalidTransitionError is returned for a move the table does not allow.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// FSM sequences the conversation.
type FSM struct {
	mu       sync.Mutex
	state    State
	logger   *logging.Logger
	onChange func(from, to State)
}

// NewFSM starts in INIT. onChange runs after every applied transition,
// outside the FSM lock.
func NewFSM(logger *logging.Logger, onChange func(from, to State)) *FSM {
	if logger == nil {
		logger = logging.Discard()
	}
	return &FSM{state: StateInit, logger: logger.With("fsm"), onChange: onChange}
}

func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves to the next state or returns *InvalidTransitionError.
func (f *FSM) Transition(to State) error {
	f.mu.Lock()
	from := f.state
	if !CanTransition(from, to) {
		f.mu.Unlock()
		f.logger.Warnf("rejected %s -> %s", from, to)
		return &InvalidTransitionError{From: from, To: to}
	}
	f.state = to
	f.mu.Unlock()

	f.logger.Infof("%s -> %s", from, to)
	if f.onChange != nil {
		f.onChange(from, to)
	}
	return nil
}

// force sets the state without consulting the table. Used when a session
// is reset mid-turn.
func (f *FSM) force(to State) {
	f.mu.Lock()
	from := f.state
	f.state = to
	f.mu.Unlock()

	if from == to {
		return
	}
	f.logger.Warnf("forced %s -> %s", from, to)
	if f.onChange != nil {
		f.onChange(from, to)
	}
}
