// Package render turns segment snapshots into display operations. Bursts
// of updates are coalesced into one paint per frame and only changed fields
// are sent for segments already on screen.
package render

import (
	"sync"
	"time"

	"github.com/lukasbauer/proxyvoice/internal/clock"
	"github.com/lukasbauer/proxyvoice/internal/logging"
	"github.com/lukasbauer/proxyvoice/internal/segment"
)

// DefaultFrame is the coalescing window.
const DefaultFrame = 16 * time.Millisecond

var statusLabels = map[segment.Status]string{
	segment.StatusListening:    "listening",
	segment.StatusTranscribing: "transcribing",
	segment.StatusTranslating:  "translating",
	segment.StatusDone:         "done",
	segment.StatusError:        "error",
}

// Label is the display text for a status.
func Label(s segment.Status) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// View is the displayed form of one segment.
type View struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

func viewOf(s segment.Segment) View {
	return View{
		ID:          s.ID,
		Source:      s.SourceText,
		Target:      s.TargetText,
		Status:      Label(s.Status),
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.CompletedAt,
	}
}

type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpUpdate  OpKind = "update"
	OpPreview OpKind = "preview"
	OpClear   OpKind = "clear"
)

// Op is one display change. Inserts carry the full view, updates carry only
// the fields that changed.
type Op struct {
	Kind        OpKind     `json:"op"`
	ID          string     `json:"id,omitempty"`
	View        *View      `json:"view,omitempty"`
	Source      *string    `json:"source,omitempty"`
	Target      *string    `json:"target,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Text        string     `json:"text,omitempty"`
}

// Sink receives painted ops in order. Apply is called with the renderer
// lock held and must not call back into the Renderer.
type Sink interface {
	Apply(ops []Op)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func([]Op)

func (f SinkFunc) Apply(ops []Op) { f(ops) }

// Renderer coalesces segment snapshots into frames.
type Renderer struct {
	mu     sync.Mutex
	clock  clock.Clock
	frame  time.Duration
	sink   Sink
	logger *logging.Logger

	pending      map[string]segment.Segment
	pendingOrder []string
	preview      *string

	rendered map[string]View
	painted  int

	timer clock.Timer
	gen   uint64
}

// New builds a renderer painting to sink. A non-positive frame uses
// DefaultFrame.
func New(clk clock.Clock, frame time.Duration, sink Sink, logger *logging.Logger) *Renderer {
	if clk == nil {
		clk = clock.Real{}
	}
	if frame <= 0 {
		frame = DefaultFrame
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Renderer{
		clock:    clk,
		frame:    frame,
		sink:     sink,
		logger:   logger.With("render"),
		pending:  make(map[string]segment.Segment),
		rendered: make(map[string]View),
	}
}

// Queue records the latest snapshot of seg for the next frame.
func (r *Renderer) Queue(seg segment.Segment) {
	if seg.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[seg.ID]; !ok {
		r.pendingOrder = append(r.pendingOrder, seg.ID)
	}
	r.pending[seg.ID] = seg
	r.scheduleLocked()
}

// Preview sets the interim recognizer line. Empty text clears it.
func (r *Renderer) Preview(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.preview = &text
	r.scheduleLocked()
}

// Flush paints anything pending right away.
func (r *Renderer) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelLocked()
	r.paintLocked()
}

// Reset forgets everything on screen and tells the sink to clear.
func (r *Renderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelLocked()
	r.pending = make(map[string]segment.Segment)
	r.pendingOrder = nil
	r.preview = nil
	r.rendered = make(map[string]View)
	r.painted = 0
	if r.sink != nil {
		r.sink.Apply([]Op{{Kind: OpClear}})
	}
}

// Painted reports how many frames reached the sink.
func (r *Renderer) Painted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.painted
}

func (r *Renderer) scheduleLocked() {
	if r.timer != nil {
		return
	}
	gen := r.gen
	r.timer = r.clock.AfterFunc(r.frame, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if gen != r.gen {
			return
		}
		r.timer = nil
		r.gen++
		r.paintLocked()
	})
}

func (r *Renderer) cancelLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

func (r *Renderer) paintLocked() {
	var ops []Op
	for _, id := range r.pendingOrder {
		v := viewOf(r.pending[id])
		prev, ok := r.rendered[id]
		if !ok {
			vv := v
			ops = append(ops, Op{Kind: OpInsert, ID: id, View: &vv})
		} else if op, changed := diff(prev, v); changed {
			ops = append(ops, op)
		}
		r.rendered[id] = v
	}
	r.pending = make(map[string]segment.Segment)
	r.pendingOrder = nil

	if r.preview != nil {
		ops = append(ops, Op{Kind: OpPreview, Text: *r.preview})
		r.preview = nil
	}
	if len(ops) == 0 {
		return
	}
	r.painted++
	r.logger.Debugf("frame %d: %d ops", r.painted, len(ops))
	if r.sink != nil {
		r.sink.Apply(ops)
	}
}

func diff(prev, next View) (Op, bool) {
	op := Op{Kind: OpUpdate, ID: next.ID}
	changed := false
	if prev.Source != next.Source {
		op.Source = &next.Source
		changed = true
	}
	if prev.Target != next.Target {
		op.Target = &next.Target
		changed = true
	}
	if prev.Status != next.Status {
		op.Status = &next.Status
		changed = true
	}
	if prev.Error != next.Error {
		op.Error = &next.Error
		changed = true
	}
	if !prev.CompletedAt.Equal(next.CompletedAt) {
		op.CompletedAt = &next.CompletedAt
		changed = true
	}
	return op, changed
}
