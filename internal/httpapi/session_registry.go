package httpapi

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lukasbauer/proxyvoice/internal/session"
)

// ErrDraining is returned by Add once shutdown has begun.
var ErrDraining = errors.New("httpapi: server is draining")

// SessionRegistry holds the single console session and supports graceful
// draining. A slot is reserved with Add before the websocket upgrade and
// released with Done when the console goes away.
//
// The mu mutex makes the draining and occupancy checks atomic with wg.Add,
// so StartDraining followed by Wait cannot miss a session.
type SessionRegistry struct {
	mu       sync.Mutex
	draining bool
	reserved bool
	active   *session.Session
	wg       sync.WaitGroup
	served   atomic.Int64
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

// Add reserves the slot. It returns ErrDraining during shutdown and
// session.ErrSessionActive while another console holds the slot.
func (sr *SessionRegistry) Add() error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return ErrDraining
	}
	if sr.reserved {
		return session.ErrSessionActive
	}
	sr.reserved = true
	sr.wg.Add(1)
	sr.served.Add(1)
	return nil
}

// Attach records the session running in the reserved slot.
func (sr *SessionRegistry) Attach(s *session.Session) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.active = s
}

// Done frees the slot. Must be called exactly once per successful Add.
func (sr *SessionRegistry) Done() {
	sr.mu.Lock()
	sr.reserved = false
	sr.active = nil
	sr.mu.Unlock()
	sr.wg.Done()
}

// Active returns the running session, or nil.
func (sr *SessionRegistry) Active() *session.Session {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.active
}

// StartDraining rejects future Add calls and hard-stops the running
// session, if any.
func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	sr.draining = true
	active := sr.active
	sr.mu.Unlock()

	if active != nil {
		active.Stop()
	}
}

func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// Served returns how many sessions were accepted since start.
func (sr *SessionRegistry) Served() int64 {
	return sr.served.Load()
}

// Wait blocks until the slot is free.
func (sr *SessionRegistry) Wait() {
	sr.wg.Wait()
}
