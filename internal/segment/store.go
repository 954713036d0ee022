package segment

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lukasbauer/proxyvoice/internal/clock"
	"github.com/lukasbauer/proxyvoice/internal/logging"
)

const defaultPreviewHistory = 20

// AnomalyKind classifies a correlation mismatch.
type AnomalyKind string

const (
	AnomalyDuplicateBind       AnomalyKind = "duplicate_bind"
	AnomalyRejectedTransition  AnomalyKind = "rejected_transition"
	AnomalyTimeout             AnomalyKind = "timeout"
	AnomalyOrphanResponse      AnomalyKind = "orphan_response"
	AnomalyOrphanItem          AnomalyKind = "orphan_item"
	AnomalyEmptyTranslation    AnomalyKind = "empty_translation"
	AnomalyTranscriptionFailed AnomalyKind = "transcription_failed"
	AnomalyPreviewExhausted    AnomalyKind = "preview_exhausted"
)

// Anomaly is a recorded deviation from the one-utterance-one-response
// pairing the store assumes.
type Anomaly struct {
	Kind       AnomalyKind
	SegmentID  string
	ItemID     string
	ResponseID string
	Detail     string
	At         time.Time
}

// Stats is a point-in-time view of the correlation state.
type Stats struct {
	Segments             int
	Active               int
	AwaitingResponse     int
	AwaitingItem         int
	BufferedTranslations int
	KnownComplete        int
	IgnoredResponses     int
	SpeechStarted        int
	Previews             int
	Anomalies            map[AnomalyKind]int
}

// Options configures a Store.
type Options struct {
	Timeouts       Timeouts
	PreviewHistory int

	// OnUpdate receives a snapshot after every mutation. It is called with
	// the store lock held and must not call back into the Store.
	OnUpdate func(Segment)

	// OnAnomaly receives correlation anomalies. Same locking rule as OnUpdate.
	OnAnomaly func(Anomaly)
}

type completion struct {
	failed bool
	msg    string
}

type entry struct {
	seg      Segment
	timer    clock.Timer
	timerSeq uint64
}

// Store is the single writer of segment state. Every public method is safe
// to call from the transport pump, timer callbacks and the recognizer feed;
// calls are serialized so each one observes a consistent view.
type Store struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *logging.Logger
	opts   Options

	seq int
	gen uint64

	order      []*entry
	byItem     map[string]*entry
	byResponse map[string]*entry

	awaitingResponse []string // item ids, oldest first
	awaitingItem     []string // response ids, oldest first
	buffered         map[string]string
	completed        map[string]completion
	ignored          map[string]struct{} // response ids that are not translations
	speechStarted    map[string]struct{}

	previews        []string
	previewSeen     bool
	awaitingPreview []string // item ids of cloud-origin segments

	anomalies map[AnomalyKind]int
}

// NewStore builds an empty store.
func NewStore(clk clock.Clock, logger *logging.Logger, opts Options) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.PreviewHistory <= 0 {
		opts.PreviewHistory = defaultPreviewHistory
	}
	s := &Store{
		clock:  clk,
		logger: logger.With("store"),
		opts:   opts,
	}
	s.clearLocked()
	return s
}

// RecordSpeechStarted notes that audio began for itemID. No segment is
// created until a transcription signal arrives.
func (s *Store) RecordSpeechStarted(itemID string) {
	if itemID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byItem[itemID]; ok {
		s.logger.Debugf("speech started for existing item %s", itemID)
		return
	}
	s.speechStarted[itemID] = struct{}{}
	s.logger.Debugf("speech started for %s, waiting for transcription", itemID)
}

// MaterializeOnTranscription returns the segment for itemID, creating it on
// first call. A new segment claims the oldest waiting response, if any, and
// otherwise queues for the next one.
func (s *Store) MaterializeOnTranscription(itemID string) Segment {
	if itemID == "" {
		s.logger.Warnf("materialize called without item id")
		return Segment{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byItem[itemID]; ok {
		return e.seg
	}

	s.seq++
	e := &entry{seg: Segment{
		ID:        fmt.Sprintf("seg-%d", s.seq),
		ItemID:    itemID,
		Status:    StatusListening,
		Origin:    OriginCloud,
		CreatedAt: s.clock.Now(),
	}}
	s.byItem[itemID] = e
	s.order = append(s.order, e)
	delete(s.speechStarted, itemID)
	s.armTimeoutLocked(e)

	if len(s.previews) > 0 {
		e.seg.SourceText = s.previews[0]
		e.seg.Origin = OriginLocal
		s.previews = s.previews[1:]
	} else {
		s.awaitingPreview = append(s.awaitingPreview, itemID)
		if s.previewSeen {
			s.anomalyLocked(Anomaly{Kind: AnomalyPreviewExhausted, SegmentID: e.seg.ID, ItemID: itemID,
				Detail: "no local recognizer text available"})
		}
	}

	if len(s.awaitingItem) > 0 {
		responseID := s.awaitingItem[0]
		s.awaitingItem = s.awaitingItem[1:]
		s.bindLocked(e, responseID)
		if text, ok := s.buffered[responseID]; ok {
			e.seg.TargetText = text
			delete(s.buffered, responseID)
		}
		if c, ok := s.completed[responseID]; ok {
			delete(s.completed, responseID)
			s.finishLocked(e, c)
			s.logger.Infof("created %s for %s, response %s already complete", e.seg.ID, itemID, responseID)
		} else {
			s.advanceLocked(e, StatusTranslating)
			s.logger.Infof("created %s for %s, linked waiting response %s", e.seg.ID, itemID, responseID)
		}
	} else {
		s.awaitingResponse = append(s.awaitingResponse, itemID)
		s.logger.Infof("created %s for %s, awaiting response (queue %d)", e.seg.ID, itemID, len(s.awaitingResponse))
	}

	s.notifyLocked(e)
	return e.seg
}

// AppendTranscriptDelta grows the cloud transcript of an existing segment.
func (s *Store) AppendTranscriptDelta(itemID, delta string) {
	if delta == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookupMutableLocked(itemID, "transcript delta")
	if e == nil {
		return
	}
	e.seg.CloudText += delta
	if e.seg.Origin == OriginCloud {
		e.seg.SourceText = e.seg.CloudText
	}
	s.notifyLocked(e)
}

// SetTranscript replaces the cloud transcript with the completed text.
func (s *Store) SetTranscript(itemID, transcript string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookupMutableLocked(itemID, "transcript")
	if e == nil {
		return
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" || transcript == e.seg.CloudText {
		return
	}
	e.seg.CloudText = transcript
	if e.seg.Origin == OriginCloud {
		e.seg.SourceText = transcript
	}
	s.notifyLocked(e)
}

// MarkTranscriptionComplete moves a Listening segment to Transcribing. It is
// a no-op in any other status.
func (s *Store) MarkTranscriptionComplete(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byItem[itemID]
	if !ok {
		s.logger.Warnf("transcription complete for unknown item %s", itemID)
		return
	}
	if e.seg.Status != StatusListening {
		return
	}
	if s.transitionLocked(e, StatusTranscribing) {
		s.notifyLocked(e)
	}
}

// LinkResponseOnCreated pairs a new response with the oldest segment still
// waiting for one. With no waiting segment the response queues instead. It
// reports the segment that was linked, if any.
func (s *Store) LinkResponseOnCreated(responseID string) (Segment, bool) {
	if responseID == "" {
		s.logger.Warnf("response created without id")
		return Segment{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ignored[responseID]; ok {
		return Segment{}, false
	}

	if e, ok := s.byResponse[responseID]; ok {
		s.anomalyLocked(Anomaly{Kind: AnomalyDuplicateBind, SegmentID: e.seg.ID, ItemID: e.seg.ItemID,
			ResponseID: responseID, Detail: "response already linked"})
		return Segment{}, false
	}
	for _, queued := range s.awaitingItem {
		if queued == responseID {
			s.anomalyLocked(Anomaly{Kind: AnomalyDuplicateBind, ResponseID: responseID,
				Detail: "response already queued"})
			return Segment{}, false
		}
	}

	for len(s.awaitingResponse) > 0 {
		itemID := s.awaitingResponse[0]
		s.awaitingResponse = s.awaitingResponse[1:]
		e, ok := s.byItem[itemID]
		if !ok {
			continue
		}
		if !s.bindLocked(e, responseID) {
			continue
		}
		s.advanceLocked(e, StatusTranslating)
		s.logger.Infof("response %s claimed by %s", responseID, e.seg.ID)
		s.notifyLocked(e)
		return e.seg, true
	}

	s.awaitingItem = append(s.awaitingItem, responseID)
	s.logger.Infof("no segment waiting for response %s, queued (queue %d)", responseID, len(s.awaitingItem))
	return Segment{}, false
}

// IgnoreResponse excludes a response from pairing. Its text and settlement
// are dropped for as long as the store keeps its correlation state.
func (s *Store) IgnoreResponse(responseID string) {
	if responseID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byResponse[responseID]; ok {
		s.logger.Warnf("response %s already linked to %s, not ignoring", responseID, e.seg.ID)
		return
	}
	s.ignored[responseID] = struct{}{}
	s.logger.Debugf("ignoring response %s", responseID)
}

// ApplyTranslationDelta appends translated text. Deltas for a response that
// has no segment yet are buffered and applied when it links.
func (s *Store) ApplyTranslationDelta(responseID, delta string) {
	if responseID == "" || delta == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ignored[responseID]; ok {
		return
	}

	e, ok := s.byResponse[responseID]
	if !ok {
		s.buffered[responseID] += delta
		s.logger.Debugf("buffered %d chars for response %s", len(delta), responseID)
		return
	}
	if e.seg.Terminal() {
		s.logger.Debugf("dropping late delta for %s (%s)", e.seg.ID, e.seg.Status)
		return
	}
	e.seg.TargetText += delta
	s.advanceLocked(e, StatusTranslating)
	s.notifyLocked(e)
}

// ApplyTranslationFinal replaces the translated text with the final text.
// For an unlinked response the buffered text is replaced.
func (s *Store) ApplyTranslationFinal(responseID, text string) {
	if responseID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ignored[responseID]; ok {
		return
	}

	e, ok := s.byResponse[responseID]
	if !ok {
		if text != "" {
			s.buffered[responseID] = text
		}
		return
	}
	if e.seg.Terminal() {
		s.logger.Debugf("dropping late final text for %s (%s)", e.seg.ID, e.seg.Status)
		return
	}
	if text != "" {
		e.seg.TargetText = text
	}
	s.advanceLocked(e, StatusTranslating)
	s.notifyLocked(e)
}

// CompleteResponse marks the linked segment Done. For an unlinked response
// the completion is remembered and applied when the segment is created.
func (s *Store) CompleteResponse(responseID string) {
	s.settleResponse(responseID, completion{})
}

// FailResponse puts the linked segment into Error. For an unlinked response
// the failure is remembered and applied when the segment is created.
func (s *Store) FailResponse(responseID, msg string) {
	s.settleResponse(responseID, completion{failed: true, msg: msg})
}

func (s *Store) settleResponse(responseID string, c completion) {
	if responseID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ignored[responseID]; ok {
		s.logger.Debugf("ignored response %s settled", responseID)
		return
	}

	e, ok := s.byResponse[responseID]
	if !ok {
		s.completed[responseID] = c
		s.logger.Infof("response %s settled before its segment exists", responseID)
		return
	}
	if e.seg.Terminal() {
		s.logger.Debugf("response %s settled on terminal %s", responseID, e.seg.ID)
		return
	}
	s.finishLocked(e, c)
	s.notifyLocked(e)
}

// FailItem puts the segment for itemID into Error. It reports whether a
// segment was found.
func (s *Store) FailItem(itemID, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byItem[itemID]
	if !ok {
		return false
	}
	if s.failLocked(e, msg) {
		s.notifyLocked(e)
	}
	return true
}

// FailTranscription handles a cloud transcription failure for itemID.
func (s *Store) FailTranscription(itemID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byItem[itemID]
	if !ok {
		delete(s.speechStarted, itemID)
		s.anomalyLocked(Anomaly{Kind: AnomalyTranscriptionFailed, ItemID: itemID, Detail: msg})
		return
	}
	if s.failLocked(e, "transcription failed: "+msg) {
		s.notifyLocked(e)
	}
}

// FailActive puts every non-terminal segment into Error. It returns how
// many segments were affected.
func (s *Store) FailActive(msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.order {
		if e.seg.Terminal() {
			continue
		}
		if s.failLocked(e, msg) {
			s.notifyLocked(e)
			n++
		}
	}
	if n > 0 {
		s.logger.Warnf("global error %q failed %d active segments", msg, n)
	}
	return n
}

// RecordPreviewText records an utterance from the local recognizer. The
// oldest cloud-only segment still in flight takes it; otherwise it waits in
// a bounded history for the next segment.
func (s *Store) RecordPreviewText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.previewSeen = true
	for len(s.awaitingPreview) > 0 {
		itemID := s.awaitingPreview[0]
		s.awaitingPreview = s.awaitingPreview[1:]
		e, ok := s.byItem[itemID]
		if !ok || e.seg.Terminal() || e.seg.Origin != OriginCloud {
			continue
		}
		e.seg.SourceText = text
		e.seg.Origin = OriginLocal
		s.logger.Debugf("late preview text assigned to %s", e.seg.ID)
		s.notifyLocked(e)
		return
	}

	s.previews = append(s.previews, text)
	if len(s.previews) > s.opts.PreviewHistory {
		s.previews = s.previews[len(s.previews)-s.opts.PreviewHistory:]
		s.logger.Debugf("preview history full, dropped oldest entry")
	}
}

// CancelAllActive is the hard-stop path. It clears every queue and buffer,
// then settles each non-terminal segment: Done if it has translated text,
// otherwise Error with an interrupted placeholder. It returns the number of
// segments settled.
func (s *Store) CancelAllActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reportOrphansLocked()
	s.awaitingResponse = nil
	s.awaitingItem = nil
	s.awaitingPreview = nil
	s.previews = nil
	s.buffered = make(map[string]string)
	s.completed = make(map[string]completion)
	s.ignored = make(map[string]struct{})
	s.speechStarted = make(map[string]struct{})

	n := 0
	for _, e := range s.order {
		if e.seg.Terminal() {
			continue
		}
		if e.seg.TargetText != "" {
			s.advanceLocked(e, StatusDone)
		} else {
			source := e.seg.SourceText
			s.failLocked(e, messageCancelled)
			if source != "" {
				e.seg.TargetText = placeholderInterrupted + source
			}
		}
		s.notifyLocked(e)
		n++
	}
	s.logger.Infof("cancelled %d active segments", n)
	return n
}

// Reset drops all segments and correlation state and cancels every timer.
// A timer that was already firing becomes a no-op.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.order {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.gen++
	s.seq = 0
	s.clearLocked()
	s.logger.Infof("reset")
}

// Get returns the segment for a cloud item id.
func (s *Store) Get(itemID string) (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byItem[itemID]
	if !ok {
		return Segment{}, false
	}
	return e.seg, true
}

// ByResponse returns the segment linked to a response id.
func (s *Store) ByResponse(responseID string) (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byResponse[responseID]
	if !ok {
		return Segment{}, false
	}
	return e.seg, true
}

// Segments returns every segment in creation order.
func (s *Store) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Segment, 0, len(s.order))
	for _, e := range s.order {
		out = append(out, e.seg)
	}
	return out
}

// Active returns the non-terminal segments in creation order.
func (s *Store) Active() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Segment
	for _, e := range s.order {
		if !e.seg.Terminal() {
			out = append(out, e.seg)
		}
	}
	return out
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Segments:             len(s.order),
		AwaitingResponse:     len(s.awaitingResponse),
		AwaitingItem:         len(s.awaitingItem),
		BufferedTranslations: len(s.buffered),
		KnownComplete:        len(s.completed),
		IgnoredResponses:     len(s.ignored),
		SpeechStarted:        len(s.speechStarted),
		Previews:             len(s.previews),
		Anomalies:            make(map[AnomalyKind]int, len(s.anomalies)),
	}
	for _, e := range s.order {
		if !e.seg.Terminal() {
			st.Active++
		}
	}
	for k, v := range s.anomalies {
		st.Anomalies[k] = v
	}
	return st
}

func (s *Store) clearLocked() {
	s.order = nil
	s.byItem = make(map[string]*entry)
	s.byResponse = make(map[string]*entry)
	s.awaitingResponse = nil
	s.awaitingItem = nil
	s.buffered = make(map[string]string)
	s.completed = make(map[string]completion)
	s.ignored = make(map[string]struct{})
	s.speechStarted = make(map[string]struct{})
	s.previews = nil
	s.previewSeen = false
	s.awaitingPreview = nil
	s.anomalies = make(map[AnomalyKind]int)
}

func (s *Store) lookupMutableLocked(itemID, what string) *entry {
	e, ok := s.byItem[itemID]
	if !ok {
		s.logger.Warnf("%s for unknown item %s", what, itemID)
		return nil
	}
	if e.seg.Terminal() {
		s.logger.Debugf("dropping %s for terminal %s", what, e.seg.ID)
		return nil
	}
	return e
}

// bindLocked links responseID and e in both directions. Existing bindings
// are never overwritten.
func (s *Store) bindLocked(e *entry, responseID string) bool {
	if other, ok := s.byResponse[responseID]; ok {
		s.anomalyLocked(Anomaly{Kind: AnomalyDuplicateBind, SegmentID: other.seg.ID, ItemID: other.seg.ItemID,
			ResponseID: responseID, Detail: "response already linked to " + other.seg.ID})
		return false
	}
	if e.seg.ResponseID != "" {
		s.anomalyLocked(Anomaly{Kind: AnomalyDuplicateBind, SegmentID: e.seg.ID, ItemID: e.seg.ItemID,
			ResponseID: responseID, Detail: "segment already linked to " + e.seg.ResponseID})
		return false
	}
	e.seg.ResponseID = responseID
	s.byResponse[responseID] = e
	return true
}

func (s *Store) finishLocked(e *entry, c completion) {
	if c.failed {
		s.failLocked(e, c.msg)
		return
	}
	if e.seg.TargetText == "" {
		s.anomalyLocked(Anomaly{Kind: AnomalyEmptyTranslation, SegmentID: e.seg.ID, ItemID: e.seg.ItemID,
			ResponseID: e.seg.ResponseID, Detail: "response completed without text"})
	}
	s.advanceLocked(e, StatusDone)
}

// advanceLocked walks e forward along the happy path until it reaches
// target. Segments already at or past target, or terminal, are left alone.
func (s *Store) advanceLocked(e *entry, target Status) {
	if e.seg.Terminal() {
		return
	}
	want := target.rank()
	for e.seg.Status.rank() < want {
		next := progression[e.seg.Status.rank()+1]
		if !s.transitionLocked(e, next) {
			return
		}
	}
}

func (s *Store) failLocked(e *entry, msg string) bool {
	if !s.transitionLocked(e, StatusError) {
		return false
	}
	e.seg.Error = msg
	if e.seg.SourceText != "" && e.seg.TargetText == "" {
		e.seg.TargetText = placeholderFailed + e.seg.SourceText
	}
	return true
}

// transitionLocked applies one table-checked status change and manages the
// dwell timer. Rejected transitions leave the segment untouched.
func (s *Store) transitionLocked(e *entry, to Status) bool {
	from := e.seg.Status
	if !from.CanTransition(to) {
		s.anomalyLocked(Anomaly{Kind: AnomalyRejectedTransition, SegmentID: e.seg.ID, ItemID: e.seg.ItemID,
			ResponseID: e.seg.ResponseID, Detail: fmt.Sprintf("%s -> %s", from, to)})
		return false
	}
	e.seg.Status = to
	if to.Terminal() {
		s.stopTimerLocked(e)
		e.seg.CompletedAt = s.clock.Now()
		return true
	}
	s.armTimeoutLocked(e)
	return true
}

func (s *Store) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerSeq++
}

func (s *Store) armTimeoutLocked(e *entry) {
	s.stopTimerLocked(e)
	status := e.seg.Status
	d := s.opts.Timeouts.For(status)
	if d <= 0 {
		return
	}
	itemID, gen, seq := e.seg.ItemID, s.gen, e.timerSeq
	e.timer = s.clock.AfterFunc(d, func() {
		s.expire(itemID, gen, seq, status)
	})
}

// expire runs on the timer goroutine. It only acts if the segment is still
// the one the timer was armed for and has not moved on.
func (s *Store) expire(itemID string, gen, seq uint64, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	e, ok := s.byItem[itemID]
	if !ok || e.timerSeq != seq || e.seg.Status != status {
		return
	}
	e.timer = nil
	s.anomalyLocked(Anomaly{Kind: AnomalyTimeout, SegmentID: e.seg.ID, ItemID: itemID,
		ResponseID: e.seg.ResponseID, Detail: string(status)})
	if s.failLocked(e, fmt.Sprintf("timeout (%s)", status)) {
		s.notifyLocked(e)
	}
}

func (s *Store) reportOrphansLocked() {
	for _, itemID := range s.awaitingResponse {
		if e, ok := s.byItem[itemID]; ok && !e.seg.Terminal() {
			s.anomalyLocked(Anomaly{Kind: AnomalyOrphanItem, SegmentID: e.seg.ID, ItemID: itemID,
				Detail: "no response before stop"})
		}
	}
	for _, responseID := range s.awaitingItem {
		s.anomalyLocked(Anomaly{Kind: AnomalyOrphanResponse, ResponseID: responseID,
			Detail: "no segment before stop"})
	}
}

func (s *Store) anomalyLocked(a Anomaly) {
	a.At = s.clock.Now()
	s.anomalies[a.Kind]++
	s.logger.Warnf("%s: %s (segment=%s item=%s response=%s)", a.Kind, a.Detail, a.SegmentID, a.ItemID, a.ResponseID)
	if s.opts.OnAnomaly != nil {
		s.opts.OnAnomaly(a)
	}
}

func (s *Store) notifyLocked(e *entry) {
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(e.seg)
	}
}
