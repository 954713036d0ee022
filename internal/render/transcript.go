package render

import "sync"

// Transcript is an in-memory sink holding the current screen.
type Transcript struct {
	mu      sync.Mutex
	views   []View
	index   map[string]int
	preview string
	frames  int
	ops     int
}

func NewTranscript() *Transcript {
	return &Transcript{index: make(map[string]int)}
}

func (t *Transcript) Apply(ops []Op) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frames++
	for _, op := range ops {
		t.ops++
		switch op.Kind {
		case OpInsert:
			if op.View == nil {
				continue
			}
			if i, ok := t.index[op.ID]; ok {
				t.views[i] = *op.View
				continue
			}
			t.index[op.ID] = len(t.views)
			t.views = append(t.views, *op.View)
		case OpUpdate:
			i, ok := t.index[op.ID]
			if !ok {
				continue
			}
			v := &t.views[i]
			if op.Source != nil {
				v.Source = *op.Source
			}
			if op.Target != nil {
				v.Target = *op.Target
			}
			if op.Status != nil {
				v.Status = *op.Status
			}
			if op.Error != nil {
				v.Error = *op.Error
			}
			if op.CompletedAt != nil {
				v.CompletedAt = *op.CompletedAt
			}
		case OpPreview:
			t.preview = op.Text
		case OpClear:
			t.views = nil
			t.index = make(map[string]int)
			t.preview = ""
		}
	}
}

// Views returns the rows oldest first.
func (t *Transcript) Views() []View {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]View, len(t.views))
	copy(out, t.views)
	return out
}

func (t *Transcript) Preview() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.preview
}

// Frames and Ops count what the sink has received.
func (t *Transcript) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

func (t *Transcript) Ops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops
}
