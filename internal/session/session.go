// Package session runs one proxied conversation: it feeds the recognizer
// and the realtime transport into the segment store, paints the result and
// turns operator directives into agent utterances.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/proxyvoice/internal/clock"
	"github.com/lukasbauer/proxyvoice/internal/controller"
	"github.com/lukasbauer/proxyvoice/internal/eventlog"
	"github.com/lukasbauer/proxyvoice/internal/eventrouter"
	"github.com/lukasbauer/proxyvoice/internal/logging"
	"github.com/lukasbauer/proxyvoice/internal/realtime"
	"github.com/lukasbauer/proxyvoice/internal/render"
	"github.com/lukasbauer/proxyvoice/internal/segment"
	"github.com/lukasbauer/proxyvoice/internal/segmenter"
)

const (
	maxTurns             = 50
	defaultGoodbyeGrace  = 3 * time.Second
	speakInstructionHead = "Say this to the other party now, in the conversation language, and nothing else: "
)

var (
	// ErrSessionActive is returned when a session is started twice, or when
	// a second session is requested while one is running.
	ErrSessionActive = errors.New("session: already active")

	// ErrStopped is returned for operations on a stopped session.
	ErrStopped = errors.New("session: stopped")

	errNoTransport = errors.New("session: no transport")
)

// Transport is the realtime connection as the session uses it.
// *realtime.Client satisfies it.
type Transport interface {
	Events() <-chan realtime.Event
	Errors() <-chan error
	AppendAudio(pcm []byte) error
	CreateItem(role, text string) error
	CreateAgentResponse(instructions string) error
	CancelResponse() error
	ClearOutputAudio() error
	Close() error
}

// Decider produces the next agent utterance. *controller.Client satisfies
// it.
type Decider interface {
	Decide(ctx context.Context, req controller.Request) (controller.Decision, error)
}

// Brief is what the controller is told about the conversation.
type Brief struct {
	Goal          string
	Rules         string
	PinnedContext string
	Memory        string
}

// Pinned joins goal, rules and reference notes into the pinned context.
func (b Brief) Pinned() string {
	var parts []string
	if b.Goal != "" {
		parts = append(parts, "Goal: "+b.Goal)
	}
	if b.Rules != "" {
		parts = append(parts, "Rules: "+b.Rules)
	}
	if b.PinnedContext != "" {
		parts = append(parts, "Reference:\n"+b.PinnedContext)
	}
	return strings.Join(parts, "\n\n")
}

// Config holds session settings.
type Config struct {
	Segmenter    segmenter.Config
	Timeouts     segment.Timeouts
	RenderFrame  time.Duration
	GoodbyeGrace time.Duration
	Brief        Brief
}

// Deps are the collaborators a session drives. Transport and Decider may
// be nil; the corresponding features are then unavailable.
type Deps struct {
	Transport Transport
	Decider   Decider
	Sink      render.Sink
	Clock     clock.Clock
	Logger    *logging.Logger
	EventLog  *eventlog.Logger

	OnState    func(from, to State)
	OnDecision func(controller.Decision)
}

// Stats is a point-in-time view of the session.
type Stats struct {
	ID        string
	State     State
	Store     segment.Stats
	Segmenter segmenter.Stats
	Turns     int
}

// Session owns one conversation.
type Session struct {
	id        string
	cfg       Config
	clock     clock.Clock
	logger    *logging.Logger
	events    *eventlog.Logger
	transport Transport
	decider   Decider
	onDecide  func(controller.Decision)

	store    *segment.Store
	seg      *segmenter.Segmenter
	router   *eventrouter.Router
	renderer *render.Renderer
	fsm      *FSM

	// inputMu orders inbound events and recognizer text against Stop.
	inputMu sync.Mutex
	stopped bool

	mu         sync.Mutex
	started    bool
	memory     string
	pinned     string
	previousID string
	callSeq    uint64
	cancelCall context.CancelFunc
	grace      clock.Timer

	turnsMu sync.Mutex
	turns   []string

	stopOnce sync.Once
	done     chan struct{}
	calls    sync.WaitGroup
}

// New wires a session. Nothing runs until Start.
func New(cfg Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.EventLog == nil {
		deps.EventLog = eventlog.New(nil)
	}
	if cfg.GoodbyeGrace <= 0 {
		cfg.GoodbyeGrace = defaultGoodbyeGrace
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		clock:     deps.Clock,
		events:    deps.EventLog,
		transport: deps.Transport,
		decider:   deps.Decider,
		onDecide:  deps.OnDecision,
		memory:    cfg.Brief.Memory,
		pinned:    cfg.Brief.Pinned(),
		done:      make(chan struct{}),
	}
	s.logger = deps.Logger.With("session " + s.id[:8])

	s.renderer = render.New(deps.Clock, cfg.RenderFrame, deps.Sink, deps.Logger)
	s.store = segment.NewStore(deps.Clock, deps.Logger, segment.Options{
		Timeouts:  cfg.Timeouts,
		OnUpdate:  s.segmentUpdated,
		OnAnomaly: s.anomaly,
	})
	s.seg = segmenter.New(cfg.Segmenter, deps.Clock, deps.Logger, func(e segmenter.Emission) {
		s.store.RecordPreviewText(e.Text)
	})
	s.router = eventrouter.New(s.store, deps.Logger, s.protocolError)
	s.fsm = NewFSM(deps.Logger, func(from, to State) {
		s.events.LogAsync(s.id, eventlog.EventStateChanged, map[string]any{"from": string(from), "to": string(to)})
		if deps.OnState != nil {
			deps.OnState(from, to)
		}
	})
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return s.fsm.State() }

// Store exposes the segment store for read access.
func (s *Session) Store() *segment.Store { return s.store }

// Begin moves the conversation to LISTENING without pumping a transport.
func (s *Session) Begin() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.started = true
	s.mu.Unlock()

	if err := s.fsm.Transition(StateListening); err != nil {
		return err
	}
	s.logger.Eventf("started")
	s.events.LogAsync(s.id, eventlog.EventSessionStarted, map[string]any{
		"segmenter_adaptive": s.cfg.Segmenter.Adaptive,
		"pinned_tokens":      controller.EstimateTokens(s.pinned),
	})
	return nil
}

// Start begins the session and pumps transport events until ctx is done or
// the transport closes or fails. The caller should Stop the session after
// Start returns.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Begin(); err != nil {
		return err
	}
	return s.Pump(ctx)
}

// Pump routes transport events until ctx is done, the session stops, or
// the transport closes or fails. Without a transport it only waits for ctx
// or Stop. A stopped session returns nil.
func (s *Session) Pump(ctx context.Context) error {
	if s.transport == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		}
	}

	events, errs := s.transport.Events(), s.transport.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Errorf("transport: %v", err)
			return fmt.Errorf("transport: %w", err)
		}
	}
}

// HandleEvent applies one realtime event. Events after Stop are dropped.
func (s *Session) HandleEvent(ev realtime.Event) {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if s.stopped {
		return
	}
	s.router.Route(ev)
}

// HandleRecognizer takes the local recognizer's cumulative transcript.
// Interim text is shown as the preview line.
func (s *Session) HandleRecognizer(text string, final bool) {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if s.stopped {
		return
	}
	if final {
		s.renderer.Preview("")
	} else {
		s.renderer.Preview(text)
	}
	s.seg.Process(text, final)
}

// AppendAudio forwards microphone audio to the transport.
func (s *Session) AppendAudio(pcm []byte) error {
	if s.transport == nil {
		return errNoTransport
	}
	return s.transport.AppendAudio(pcm)
}

// Directive asks the controller for the agent's next utterance. The call
// runs in the background; its decision is applied when it returns unless
// the session was stopped or reset in the meantime. A directive issued while
// THINKING replaces the call in flight.
func (s *Session) Directive(ctx context.Context, d controller.Directive) error {
	if s.decider == nil {
		return errors.New("session: no controller configured")
	}
	if s.fsm.State() == StateThinking {
		s.logger.Infof("redirecting pending decision to %s", d)
	} else if err := s.fsm.Transition(StateThinking); err != nil {
		return err
	}

	s.mu.Lock()
	if s.cancelCall != nil {
		s.cancelCall()
	}
	callCtx, cancel := context.WithCancel(ctx)
	s.callSeq++
	seq := s.callSeq
	s.cancelCall = cancel
	req := controller.Request{
		Directive:          d,
		PinnedContext:      s.pinned,
		Memory:             s.memory,
		LatestTurns:        s.recentTurns(),
		PreviousResponseID: s.previousID,
	}
	s.mu.Unlock()

	s.logger.Infof("directive %s", d)
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		defer cancel()
		dec, err := s.decider.Decide(callCtx, req)
		s.applyDecision(seq, d, dec, err)
	}()
	return nil
}

func (s *Session) applyDecision(seq uint64, d controller.Directive, dec controller.Decision, err error) {
	if errors.Is(err, controller.ErrStaleDecision) {
		s.logger.Debugf("discarding cancelled decision for %s", d)
		return
	}

	s.mu.Lock()
	if seq != s.callSeq || s.cancelCall == nil {
		s.mu.Unlock()
		s.logger.Debugf("discarding stale decision for %s", d)
		return
	}
	s.cancelCall = nil
	s.memory = dec.MemoryUpdate
	if dec.ResponseID != "" {
		s.previousID = dec.ResponseID
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warnf("controller fallback for %s: %v", d, err)
		s.events.LogAsync(s.id, eventlog.EventControllerError, map[string]any{
			"directive": string(d),
			"error":     err.Error(),
		})
	}
	s.events.LogAsync(s.id, eventlog.EventControllerDecision, map[string]any{
		"directive":       string(d),
		"decision":        dec.Decision,
		"utterance_chars": len(dec.Utterance),
		"response_id":     dec.ResponseID,
		"fallback":        err != nil,
	})
	if s.onDecide != nil {
		s.onDecide(dec)
	}

	if err := s.fsm.Transition(StateSpeaking); err != nil {
		return
	}
	s.addTurn("Agent: " + dec.Utterance)
	s.speak(dec.Utterance)

	switch dec.Decision {
	case controller.DecisionRequestClarification:
		_ = s.fsm.Transition(StateCheckpoint)
	case controller.DecisionStop:
		s.beginGracefulStop()
	default:
		_ = s.fsm.Transition(StateListening)
	}
}

func (s *Session) speak(utterance string) {
	if s.transport == nil {
		return
	}
	if err := s.transport.CreateItem("system", speakInstructionHead+utterance); err != nil {
		s.logger.Warnf("send utterance: %v", err)
		return
	}
	if err := s.transport.CreateAgentResponse(""); err != nil {
		s.logger.Warnf("request response: %v", err)
	}
}

// beginGracefulStop lets the goodbye play out before the hard stop.
func (s *Session) beginGracefulStop() {
	if err := s.fsm.Transition(StateStopping); err != nil {
		return
	}
	s.logger.Infof("stopping in %s", s.cfg.GoodbyeGrace)
	s.mu.Lock()
	s.grace = s.clock.AfterFunc(s.cfg.GoodbyeGrace, s.Stop)
	s.mu.Unlock()
}

// ResumeListening leaves CHECKPOINT.
func (s *Session) ResumeListening() error {
	return s.fsm.Transition(StateListening)
}

// Stop is the hard stop. It is safe to call more than once and from any
// goroutine. When it returns no timer of this session will fire.
func (s *Session) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Session) stop() {
	s.mu.Lock()
	cancel := s.cancelCall
	s.cancelCall = nil
	s.callSeq++
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.mu.Unlock()

	if st := s.fsm.State(); st != StateStopping {
		_ = s.fsm.Transition(StateStopping)
	}

	if cancel != nil {
		cancel()
	}

	s.inputMu.Lock()
	s.stopped = true
	s.seg.Stop()
	n := s.store.CancelAllActive()
	s.inputMu.Unlock()
	close(s.done)

	if s.transport != nil {
		if err := s.transport.CancelResponse(); err != nil && !errors.Is(err, realtime.ErrClosed) {
			s.logger.Warnf("cancel response: %v", err)
		}
		if err := s.transport.ClearOutputAudio(); err != nil && !errors.Is(err, realtime.ErrClosed) {
			s.logger.Warnf("clear output audio: %v", err)
		}
		if err := s.transport.Close(); err != nil {
			s.logger.Debugf("close transport: %v", err)
		}
	}

	s.renderer.Flush()
	_ = s.fsm.Transition(StateStopped)

	st := s.store.Stats()
	s.logger.Eventf("stopped: %d segments, %d cancelled", st.Segments, n)
	s.events.LogAsync(s.id, eventlog.EventSessionStopped, map[string]any{
		"segments":  st.Segments,
		"cancelled": n,
		"anomalies": anomalyCounts(st.Anomalies),
	})
}

// Reset clears the transcript and conversation memory so a new
// conversation can start on the same connection.
func (s *Session) Reset() error {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	s.mu.Lock()
	if s.cancelCall != nil {
		s.cancelCall()
		s.cancelCall = nil
	}
	s.callSeq++
	s.memory = s.cfg.Brief.Memory
	s.previousID = ""
	s.mu.Unlock()

	s.turnsMu.Lock()
	s.turns = nil
	s.turnsMu.Unlock()

	s.seg.Reset()
	s.store.Reset()
	s.renderer.Reset()
	if st := s.fsm.State(); st != StateInit && st != StateListening {
		s.fsm.force(StateListening)
	}
	s.logger.Infof("reset")
	return nil
}

// Wait blocks until in-flight controller calls have returned.
func (s *Session) Wait() {
	s.calls.Wait()
}

// Flush paints pending renderer output now.
func (s *Session) Flush() {
	s.renderer.Flush()
}

func (s *Session) Stats() Stats {
	s.turnsMu.Lock()
	turns := len(s.turns)
	s.turnsMu.Unlock()
	return Stats{
		ID:        s.id,
		State:     s.fsm.State(),
		Store:     s.store.Stats(),
		Segmenter: s.seg.Stats(),
		Turns:     turns,
	}
}

// Memory returns the controller's rolling summary.
func (s *Session) Memory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory
}

// segmentUpdated runs under the store lock.
func (s *Session) segmentUpdated(seg segment.Segment) {
	s.renderer.Queue(seg)
	switch seg.Status {
	case segment.StatusDone:
		text := seg.TargetText
		if text == "" {
			text = seg.SourceText
		}
		if text != "" {
			s.addTurn("Counterpart: " + text)
		}
		s.events.LogAsync(s.id, eventlog.EventSegmentCompleted, segmentData(seg))
	case segment.StatusError:
		data := segmentData(seg)
		data["error"] = seg.Error
		s.events.LogAsync(s.id, eventlog.EventSegmentFailed, data)
	}
}

// anomaly runs under the store lock.
func (s *Session) anomaly(a segment.Anomaly) {
	s.events.LogAsync(s.id, eventlog.EventCorrelationAnomaly, map[string]any{
		"kind":        string(a.Kind),
		"segment_id":  a.SegmentID,
		"item_id":     a.ItemID,
		"response_id": a.ResponseID,
		"detail":      a.Detail,
	})
}

func (s *Session) protocolError(e realtime.ErrorEvent, scope eventrouter.Scope) {
	s.events.LogAsync(s.id, eventlog.EventProtocolError, map[string]any{
		"code":        e.Code,
		"type":        e.Kind,
		"scope":       string(scope),
		"item_id":     e.ItemID,
		"response_id": e.ResponseID,
	})
}

func (s *Session) addTurn(turn string) {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	s.turns = append(s.turns, turn)
	if len(s.turns) > maxTurns {
		s.turns = s.turns[len(s.turns)-maxTurns:]
	}
}

func (s *Session) recentTurns() []string {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	return append([]string(nil), s.turns...)
}

func segmentData(seg segment.Segment) map[string]any {
	data := map[string]any{
		"segment_id":   seg.ID,
		"item_id":      seg.ItemID,
		"response_id":  seg.ResponseID,
		"status":       string(seg.Status),
		"origin":       string(seg.Origin),
		"source_chars": len(seg.SourceText),
		"target_chars": len(seg.TargetText),
	}
	if !seg.CompletedAt.IsZero() {
		data["duration_ms"] = seg.CompletedAt.Sub(seg.CreatedAt).Milliseconds()
	}
	return data
}

func anomalyCounts(m map[segment.AnomalyKind]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
