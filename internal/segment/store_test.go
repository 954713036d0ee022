package segment

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lukasbauer/proxyvoice/internal/clock"
)

type recorder struct {
	updates   []Segment
	anomalies []Anomaly
}

func newTestStore(t *testing.T) (*Store, *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := &recorder{}
	s := NewStore(clk, nil, Options{
		Timeouts:  DefaultTimeouts(),
		OnUpdate:  func(seg Segment) { rec.updates = append(rec.updates, seg) },
		OnAnomaly: func(a Anomaly) { rec.anomalies = append(rec.anomalies, a) },
	})
	return s, clk, rec
}

func mustGet(t *testing.T, s *Store, itemID string) Segment {
	t.Helper()
	seg, ok := s.Get(itemID)
	if !ok {
		t.Fatalf("no segment for %s", itemID)
	}
	return seg
}

func TestStatusTransitionTable(t *testing.T) {
	all := []Status{StatusListening, StatusTranscribing, StatusTranslating, StatusDone, StatusError}
	allowed := map[[2]Status]bool{
		{StatusListening, StatusTranscribing}:  true,
		{StatusListening, StatusError}:         true,
		{StatusTranscribing, StatusTranslating}: true,
		{StatusTranscribing, StatusError}:      true,
		{StatusTranslating, StatusDone}:        true,
		{StatusTranslating, StatusError}:       true,
	}
	for _, from := range all {
		for _, to := range all {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				if got := from.CanTransition(to); got != allowed[[2]Status{from, to}] {
					t.Errorf("CanTransition = %v, want %v", got, !got)
				}
			})
		}
	}
}

func TestRejectedTransitionLeavesStatusUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Store)
		from  Status
		to    Status
	}{
		{"listening to translating", func(s *Store) {}, StatusListening, StatusTranslating},
		{"listening to done", func(s *Store) {}, StatusListening, StatusDone},
		{"transcribing to listening", func(s *Store) { s.MarkTranscriptionComplete("item_1") }, StatusTranscribing, StatusListening},
		{"translating to transcribing", func(s *Store) { s.LinkResponseOnCreated("resp_1") }, StatusTranslating, StatusTranscribing},
		{"done to error", func(s *Store) {
			s.LinkResponseOnCreated("resp_1")
			s.ApplyTranslationDelta("resp_1", "hola")
			s.CompleteResponse("resp_1")
		}, StatusDone, StatusError},
		{"error to translating", func(s *Store) { s.FailItem("item_1", "boom") }, StatusError, StatusTranslating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, rec := newTestStore(t)
			s.MaterializeOnTranscription("item_1")
			tt.setup(s)
			if got := mustGet(t, s, "item_1").Status; got != tt.from {
				t.Fatalf("setup status = %s, want %s", got, tt.from)
			}

			s.mu.Lock()
			ok := s.transitionLocked(s.byItem["item_1"], tt.to)
			s.mu.Unlock()

			if ok {
				t.Error("transition accepted")
			}
			if got := mustGet(t, s, "item_1").Status; got != tt.from {
				t.Errorf("status = %s after rejected transition, want %s", got, tt.from)
			}
			last := rec.anomalies[len(rec.anomalies)-1]
			if last.Kind != AnomalyRejectedTransition {
				t.Errorf("last anomaly = %s, want %s", last.Kind, AnomalyRejectedTransition)
			}
		})
	}
}

func TestMaterializeIsIdempotentAcrossInterleavings(t *testing.T) {
	ops := map[string]func(s *Store){
		"started": func(s *Store) { s.RecordSpeechStarted("item_1") },
		"delta": func(s *Store) {
			s.MaterializeOnTranscription("item_1")
			s.AppendTranscriptDelta("item_1", "hello ")
		},
		"completed": func(s *Store) {
			s.MaterializeOnTranscription("item_1")
			s.SetTranscript("item_1", "hello there")
			s.MarkTranscriptionComplete("item_1")
		},
	}
	orders := [][]string{
		{"started", "delta", "completed"},
		{"started", "completed", "delta"},
		{"delta", "started", "completed"},
		{"delta", "completed", "started"},
		{"completed", "started", "delta"},
		{"completed", "delta", "started"},
		{"delta", "delta", "completed", "completed"},
		{"started", "started", "delta"},
	}
	for _, order := range orders {
		t.Run(strings.Join(order, ","), func(t *testing.T) {
			s, _, _ := newTestStore(t)
			for _, name := range order {
				ops[name](s)
			}
			if n := len(s.Segments()); n != 1 {
				t.Fatalf("segments = %d, want 1", n)
			}
			st := s.Stats()
			if st.AwaitingResponse != 1 {
				t.Errorf("AwaitingResponse = %d, want 1", st.AwaitingResponse)
			}
			if st.SpeechStarted != 0 {
				t.Errorf("SpeechStarted = %d, want 0 once materialized", st.SpeechStarted)
			}
		})
	}
}

func TestSpeechStartedDoesNotCreateSegment(t *testing.T) {
	s, _, rec := newTestStore(t)
	s.RecordSpeechStarted("noise_1")

	if len(s.Segments()) != 0 {
		t.Fatal("speech started created a segment")
	}
	if len(rec.updates) != 0 {
		t.Errorf("updates = %d, want 0", len(rec.updates))
	}
	if s.Stats().SpeechStarted != 1 {
		t.Errorf("SpeechStarted = %d, want 1", s.Stats().SpeechStarted)
	}
}

func TestFIFOPairing(t *testing.T) {
	// Each step is either "i:<item>" (transcription creates a segment) or
	// "r:<response>" (response created).
	tests := []struct {
		name  string
		steps []string
		want  map[string]string // item -> response
	}{
		{
			name:  "items first",
			steps: []string{"i:a", "i:b", "i:c", "r:1", "r:2", "r:3"},
			want:  map[string]string{"a": "1", "b": "2", "c": "3"},
		},
		{
			name:  "responses first",
			steps: []string{"r:1", "r:2", "r:3", "i:a", "i:b", "i:c"},
			want:  map[string]string{"a": "1", "b": "2", "c": "3"},
		},
		{
			name:  "alternating",
			steps: []string{"i:a", "r:1", "r:2", "i:b", "i:c", "r:3"},
			want:  map[string]string{"a": "1", "b": "2", "c": "3"},
		},
		{
			name:  "response lags by two",
			steps: []string{"i:a", "i:b", "r:1", "i:c", "r:2", "r:3", "i:d", "r:4"},
			want:  map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"},
		},
		{
			name:  "more items than responses",
			steps: []string{"i:a", "i:b", "i:c", "r:1"},
			want:  map[string]string{"a": "1", "b": "", "c": ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestStore(t)
			for _, step := range tt.steps {
				kind, id, _ := strings.Cut(step, ":")
				switch kind {
				case "i":
					s.MaterializeOnTranscription(id)
				case "r":
					s.LinkResponseOnCreated(id)
				}
			}
			for item, resp := range tt.want {
				seg := mustGet(t, s, item)
				if seg.ResponseID != resp {
					t.Errorf("%s linked to %q, want %q", item, seg.ResponseID, resp)
				}
				wantStatus := StatusListening
				if resp != "" {
					wantStatus = StatusTranslating
				}
				if seg.Status != wantStatus {
					t.Errorf("%s status = %s, want %s", item, seg.Status, wantStatus)
				}
			}
		})
	}
}

func TestFIFOMisattributionWhenCloudSkipsResponse(t *testing.T) {
	// The cloud never answers item a. Its absence shifts every later
	// pairing by one; the store cannot detect this from the events alone.
	s, _, _ := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.MaterializeOnTranscription("b")
	s.LinkResponseOnCreated("resp_for_b")

	if got := mustGet(t, s, "a").ResponseID; got != "resp_for_b" {
		t.Errorf("a linked to %q, want resp_for_b (known FIFO shift)", got)
	}
	if got := mustGet(t, s, "b").ResponseID; got != "" {
		t.Errorf("b linked to %q, want unlinked", got)
	}

	s.CancelAllActive()
	if got := s.Stats().Anomalies[AnomalyOrphanItem]; got != 1 {
		t.Errorf("orphan_item anomalies = %d, want 1", got)
	}
}

func TestFIFOMisattributionWhenCloudAnswersTwice(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.LinkResponseOnCreated("r1")
	s.LinkResponseOnCreated("r1_extra")
	s.MaterializeOnTranscription("b")

	if got := mustGet(t, s, "b").ResponseID; got != "r1_extra" {
		t.Errorf("b linked to %q, want r1_extra (known FIFO shift)", got)
	}
}

func TestDuplicateResponseCreatedIsNoop(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.MaterializeOnTranscription("b")
	s.LinkResponseOnCreated("r1")

	if _, ok := s.LinkResponseOnCreated("r1"); ok {
		t.Fatal("duplicate response linked a second segment")
	}
	if got := mustGet(t, s, "b").ResponseID; got != "" {
		t.Errorf("b hijacked by duplicate: %q", got)
	}
	if got := s.Stats().Anomalies[AnomalyDuplicateBind]; got != 1 {
		t.Errorf("duplicate_bind = %d, want 1", got)
	}

	s.LinkResponseOnCreated("r9")
	s.LinkResponseOnCreated("r9")
	if got := s.Stats().Anomalies[AnomalyDuplicateBind]; got != 2 {
		t.Errorf("duplicate_bind = %d, want 2", got)
	}
}

func TestIgnoredResponseNeverPairs(t *testing.T) {
	s, _, rec := newTestStore(t)
	s.MaterializeOnTranscription("a")

	s.IgnoreResponse("agent_1")
	if _, ok := s.LinkResponseOnCreated("agent_1"); ok {
		t.Fatal("ignored response claimed a segment")
	}
	s.ApplyTranslationDelta("agent_1", "One moment.")
	s.ApplyTranslationFinal("agent_1", "One moment.")
	s.CompleteResponse("agent_1")

	seg := mustGet(t, s, "a")
	if seg.ResponseID != "" || seg.TargetText != "" || seg.Terminal() {
		t.Fatalf("segment touched by ignored response: %+v", seg)
	}

	s.LinkResponseOnCreated("r1")
	s.ApplyTranslationFinal("r1", "Un momento.")
	s.CompleteResponse("r1")
	if seg := mustGet(t, s, "a"); seg.ResponseID != "r1" || seg.Status != StatusDone {
		t.Errorf("segment = %+v, want done with r1", seg)
	}

	st := s.Stats()
	if st.BufferedTranslations != 0 || st.KnownComplete != 0 || st.AwaitingItem != 0 {
		t.Errorf("ignored response left state behind: %+v", st)
	}
	if len(rec.anomalies) != 0 {
		t.Errorf("anomalies = %+v, want none", rec.anomalies)
	}

	s.Reset()
	if got := s.Stats().IgnoredResponses; got != 0 {
		t.Errorf("IgnoredResponses after reset = %d, want 0", got)
	}
}

func TestIgnoreLinkedResponseIsNoop(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.LinkResponseOnCreated("r1")
	s.IgnoreResponse("r1")
	s.ApplyTranslationFinal("r1", "Hola")

	if got := mustGet(t, s, "a").TargetText; got != "Hola" {
		t.Errorf("TargetText = %q, want linked response still applied", got)
	}
}

func TestBufferedTranslationAppliedAtLink(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.LinkResponseOnCreated("r1")
	s.ApplyTranslationDelta("r1", "Hola, ")
	s.ApplyTranslationDelta("r1", "qué tal")

	seg := s.MaterializeOnTranscription("a")
	if seg.TargetText != "Hola, qué tal" {
		t.Errorf("TargetText = %q, want buffered text", seg.TargetText)
	}
	if seg.Status != StatusTranslating {
		t.Errorf("Status = %s, want translating", seg.Status)
	}
	if s.Stats().BufferedTranslations != 0 {
		t.Error("buffer not drained")
	}

	s.ApplyTranslationDelta("r1", "?")
	if got := mustGet(t, s, "a").TargetText; got != "Hola, qué tal?" {
		t.Errorf("TargetText = %q after live delta", got)
	}
}

func TestBufferedFinalReplacesDeltas(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.LinkResponseOnCreated("r1")
	s.ApplyTranslationDelta("r1", "Hol")
	s.ApplyTranslationFinal("r1", "Hola")

	seg := s.MaterializeOnTranscription("a")
	if seg.TargetText != "Hola" {
		t.Errorf("TargetText = %q, want %q", seg.TargetText, "Hola")
	}
}

func TestBufferedDoneMarksSegmentDone(t *testing.T) {
	s, clk, _ := newTestStore(t)
	s.LinkResponseOnCreated("r1")
	s.ApplyTranslationDelta("r1", "Bonjour")
	s.CompleteResponse("r1")

	clk.Advance(2 * time.Second)
	seg := s.MaterializeOnTranscription("a")

	if seg.Status != StatusDone {
		t.Fatalf("Status = %s, want done", seg.Status)
	}
	if seg.TargetText != "Bonjour" {
		t.Errorf("TargetText = %q", seg.TargetText)
	}
	if seg.CompletedAt.IsZero() {
		t.Error("CompletedAt not stamped")
	}
	if s.Stats().KnownComplete != 0 {
		t.Error("completion set not drained")
	}
	if clk.Pending() != 0 {
		t.Errorf("timers pending = %d on done segment", clk.Pending())
	}
}

func TestBufferedFailureMarksSegmentError(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.RecordPreviewText("where is the station")
	s.LinkResponseOnCreated("r1")
	s.FailResponse("r1", "response failed: content_filter")

	seg := s.MaterializeOnTranscription("a")
	if seg.Status != StatusError {
		t.Fatalf("Status = %s, want error", seg.Status)
	}
	if seg.Error != "response failed: content_filter" {
		t.Errorf("Error = %q", seg.Error)
	}
	if !strings.Contains(seg.TargetText, "where is the station") {
		t.Errorf("placeholder %q does not carry source text", seg.TargetText)
	}
}

func TestLiveTranslationLifecycle(t *testing.T) {
	s, _, rec := newTestStore(t)
	s.RecordSpeechStarted("a")
	s.MaterializeOnTranscription("a")
	s.AppendTranscriptDelta("a", "good ")
	s.AppendTranscriptDelta("a", "morning")
	s.SetTranscript("a", "Good morning.")
	s.MarkTranscriptionComplete("a")
	s.LinkResponseOnCreated("r1")
	s.ApplyTranslationDelta("r1", "Buenos")
	s.ApplyTranslationDelta("r1", " días")
	s.ApplyTranslationFinal("r1", "Buenos días.")
	s.CompleteResponse("r1")

	seg := mustGet(t, s, "a")
	if seg.Status != StatusDone {
		t.Fatalf("Status = %s", seg.Status)
	}
	if seg.SourceText != "Good morning." || seg.TargetText != "Buenos días." {
		t.Errorf("texts = %q / %q", seg.SourceText, seg.TargetText)
	}
	if seg.ID != "seg-1" {
		t.Errorf("ID = %q, want seg-1", seg.ID)
	}

	var statuses []Status
	for _, u := range rec.updates {
		if len(statuses) == 0 || statuses[len(statuses)-1] != u.Status {
			statuses = append(statuses, u.Status)
		}
	}
	want := []Status{StatusListening, StatusTranscribing, StatusTranslating, StatusDone}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Errorf("status sequence = %v, want %v", statuses, want)
	}
	for _, u := range rec.updates {
		if !u.CreatedAt.Equal(seg.CreatedAt) {
			t.Fatalf("CreatedAt changed: %v != %v", u.CreatedAt, seg.CreatedAt)
		}
	}
}

func TestResponseCreatedBeforeTranscriptionCompleteWalksForward(t *testing.T) {
	s, _, rec := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.LinkResponseOnCreated("r1")

	if got := mustGet(t, s, "a").Status; got != StatusTranslating {
		t.Fatalf("Status = %s, want translating", got)
	}
	if n := len(rec.anomalies); n != 0 {
		t.Errorf("anomalies = %v, want none", rec.anomalies)
	}

	s.MarkTranscriptionComplete("a")
	if got := mustGet(t, s, "a").Status; got != StatusTranslating {
		t.Errorf("late transcription complete moved status to %s", got)
	}
}

func TestTerminalSegmentIgnoresLateEvents(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.LinkResponseOnCreated("r1")
	s.ApplyTranslationDelta("r1", "ciao")
	s.CompleteResponse("r1")

	s.ApplyTranslationDelta("r1", " extra")
	s.ApplyTranslationFinal("r1", "something else")
	s.FailResponse("r1", "late failure")
	s.AppendTranscriptDelta("a", "more")

	seg := mustGet(t, s, "a")
	if seg.Status != StatusDone || seg.TargetText != "ciao" || seg.CloudText != "" {
		t.Errorf("terminal segment changed: %+v", seg)
	}
}

func TestSegmentTimeout(t *testing.T) {
	t.Run("listening", func(t *testing.T) {
		s, clk, rec := newTestStore(t)
		s.MaterializeOnTranscription("a")

		clk.Advance(14 * time.Second)
		if got := mustGet(t, s, "a").Status; got != StatusListening {
			t.Fatalf("Status = %s before timeout", got)
		}
		clk.Advance(time.Second)
		seg := mustGet(t, s, "a")
		if seg.Status != StatusError || seg.Error != "timeout (listening)" {
			t.Errorf("after timeout: status=%s error=%q", seg.Status, seg.Error)
		}
		if rec.updates[len(rec.updates)-1].Status != StatusError {
			t.Error("timeout did not notify")
		}
	})

	t.Run("rearmed on new status", func(t *testing.T) {
		s, clk, _ := newTestStore(t)
		s.MaterializeOnTranscription("a")
		clk.Advance(10 * time.Second)
		s.MarkTranscriptionComplete("a")
		clk.Advance(10 * time.Second)
		if got := mustGet(t, s, "a").Status; got != StatusTranscribing {
			t.Fatalf("Status = %s, listening timer leaked", got)
		}
		clk.Advance(5 * time.Second)
		if got := mustGet(t, s, "a").Error; got != "timeout (transcribing)" {
			t.Errorf("Error = %q", got)
		}
	})

	t.Run("translating keeps partial text", func(t *testing.T) {
		s, clk, _ := newTestStore(t)
		s.MaterializeOnTranscription("a")
		s.SetTranscript("a", "how much is it")
		s.LinkResponseOnCreated("r1")
		s.ApplyTranslationDelta("r1", "cuánto")
		clk.Advance(30 * time.Second)

		seg := mustGet(t, s, "a")
		if seg.Status != StatusError || seg.Error != "timeout (translating)" {
			t.Fatalf("status=%s error=%q", seg.Status, seg.Error)
		}
		if seg.TargetText != "cuánto" {
			t.Errorf("TargetText = %q, partial translation lost", seg.TargetText)
		}
	})

	t.Run("placeholder when no translation", func(t *testing.T) {
		s, clk, _ := newTestStore(t)
		s.MaterializeOnTranscription("a")
		s.SetTranscript("a", "hello")
		clk.Advance(15 * time.Second)
		if got := mustGet(t, s, "a").TargetText; got != "[translation unavailable] hello" {
			t.Errorf("TargetText = %q", got)
		}
	})
}

func TestTimerAfterResetIsNoop(t *testing.T) {
	s, clk, rec := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.Reset()
	s.MaterializeOnTranscription("a")
	before := len(rec.updates)

	clk.Advance(14 * time.Second)
	if len(rec.updates) != before {
		t.Error("timer from before reset fired")
	}
	if got := mustGet(t, s, "a").Status; got != StatusListening {
		t.Errorf("Status = %s", got)
	}
}

func TestCancelAllActive(t *testing.T) {
	s, clk, _ := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.SetTranscript("a", "I can pay on Friday")
	s.LinkResponseOnCreated("r1")
	s.ApplyTranslationDelta("r1", "Puedo pagar el viernes")

	s.MaterializeOnTranscription("b")
	s.SetTranscript("b", "but not before")

	s.ApplyTranslationDelta("r_unseen", "buffered")
	s.CompleteResponse("r_unseen_done")

	n := s.CancelAllActive()
	if n != 2 {
		t.Errorf("CancelAllActive() = %d, want 2", n)
	}

	a := mustGet(t, s, "a")
	if a.Status != StatusDone {
		t.Errorf("a status = %s, want done", a.Status)
	}
	b := mustGet(t, s, "b")
	if b.Status != StatusError {
		t.Errorf("b status = %s, want error", b.Status)
	}
	if b.Error != "cancelled" {
		t.Errorf("b error = %q", b.Error)
	}
	if !strings.Contains(b.TargetText, "but not before") {
		t.Errorf("b placeholder %q missing source text", b.TargetText)
	}

	st := s.Stats()
	if st.Active != 0 || st.AwaitingResponse != 0 || st.AwaitingItem != 0 || st.BufferedTranslations != 0 || st.KnownComplete != 0 {
		t.Errorf("queues not cleared: %+v", st)
	}
	if clk.Pending() != 0 {
		t.Errorf("timers pending after cancel = %d", clk.Pending())
	}
}

func TestResetBehavesLikeNewStore(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.MaterializeOnTranscription("b")
	s.LinkResponseOnCreated("r1")
	s.LinkResponseOnCreated("r2")
	s.LinkResponseOnCreated("r3")
	s.ApplyTranslationDelta("r3", "stale")
	s.CompleteResponse("r3")
	s.RecordPreviewText("stale preview")
	s.RecordSpeechStarted("c")

	s.Reset()
	fresh, _, _ := newTestStore(t)

	got := s.MaterializeOnTranscription("x")
	want := fresh.MaterializeOnTranscription("x")

	if got.ID != want.ID || got.Status != want.Status || got.ResponseID != want.ResponseID ||
		got.TargetText != want.TargetText || got.SourceText != want.SourceText {
		t.Errorf("after reset got %+v, fresh store gives %+v", got, want)
	}
	if gs, fs := s.Stats(), fresh.Stats(); gs.AwaitingResponse != fs.AwaitingResponse || gs.AwaitingItem != fs.AwaitingItem ||
		gs.Segments != fs.Segments || gs.Previews != fs.Previews || len(gs.Anomalies) != len(fs.Anomalies) {
		t.Errorf("stats after reset %+v, fresh %+v", gs, fs)
	}
}

func TestFailActive(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.MaterializeOnTranscription("b")
	s.LinkResponseOnCreated("r1")
	s.ApplyTranslationDelta("r1", "x")
	s.CompleteResponse("r1")
	s.MaterializeOnTranscription("c")

	if n := s.FailActive("rate_limit_exceeded"); n != 2 {
		t.Errorf("FailActive() = %d, want 2", n)
	}
	if got := mustGet(t, s, "a").Status; got != StatusDone {
		t.Errorf("done segment changed to %s", got)
	}
	for _, id := range []string{"b", "c"} {
		if seg := mustGet(t, s, id); seg.Status != StatusError || seg.Error != "rate_limit_exceeded" {
			t.Errorf("%s: status=%s error=%q", id, seg.Status, seg.Error)
		}
	}
}

func TestFailTranscription(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.FailTranscription("a", "audio unclear")
	if got := mustGet(t, s, "a").Error; got != "transcription failed: audio unclear" {
		t.Errorf("Error = %q", got)
	}

	s.RecordSpeechStarted("b")
	s.FailTranscription("b", "audio unclear")
	if _, ok := s.Get("b"); ok {
		t.Error("failure created a segment")
	}
	st := s.Stats()
	if st.SpeechStarted != 0 || st.Anomalies[AnomalyTranscriptionFailed] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPreviewTextPolicy(t *testing.T) {
	t.Run("oldest preview claimed at creation", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		s.RecordPreviewText("first utterance")
		s.RecordPreviewText("second utterance")

		a := s.MaterializeOnTranscription("a")
		s.AppendTranscriptDelta("a", "first utterans")
		b := s.MaterializeOnTranscription("b")

		if a.SourceText != "first utterance" || a.Origin != OriginLocal {
			t.Errorf("a = %q (%s)", a.SourceText, a.Origin)
		}
		if got := mustGet(t, s, "a"); got.SourceText != "first utterance" || got.CloudText != "first utterans" {
			t.Errorf("cloud delta replaced local text: %+v", got)
		}
		if b.SourceText != "second utterance" {
			t.Errorf("b = %q", b.SourceText)
		}
	})

	t.Run("cloud text until late preview", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		s.MaterializeOnTranscription("a")
		s.AppendTranscriptDelta("a", "helo")
		if got := mustGet(t, s, "a"); got.SourceText != "helo" || got.Origin != OriginCloud {
			t.Fatalf("a = %+v", got)
		}
		s.RecordPreviewText("hello")
		if got := mustGet(t, s, "a"); got.SourceText != "hello" || got.Origin != OriginLocal {
			t.Errorf("late preview not applied: %+v", got)
		}
		if s.Stats().Previews != 0 {
			t.Error("assigned preview also kept in history")
		}
	})

	t.Run("history bounded", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		for i := 0; i < 25; i++ {
			s.RecordPreviewText(fmt.Sprintf("u%d", i))
		}
		if got := s.Stats().Previews; got != 20 {
			t.Errorf("Previews = %d, want 20", got)
		}
		if seg := s.MaterializeOnTranscription("a"); seg.SourceText != "u5" {
			t.Errorf("oldest kept preview = %q, want u5", seg.SourceText)
		}
	})

	t.Run("exhausted recorded once recognizer is in use", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		s.MaterializeOnTranscription("a")
		if s.Stats().Anomalies[AnomalyPreviewExhausted] != 0 {
			t.Error("anomaly without any recognizer input")
		}
		s.RecordPreviewText("one")
		s.MaterializeOnTranscription("b")
		if s.Stats().Anomalies[AnomalyPreviewExhausted] != 1 {
			t.Error("missing preview_exhausted anomaly")
		}
	})
}

func TestEmptyTranslationAnomaly(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.MaterializeOnTranscription("a")
	s.LinkResponseOnCreated("r1")
	s.CompleteResponse("r1")

	if got := mustGet(t, s, "a").Status; got != StatusDone {
		t.Errorf("Status = %s", got)
	}
	if s.Stats().Anomalies[AnomalyEmptyTranslation] != 1 {
		t.Error("missing empty_translation anomaly")
	}
}

func TestUpdatesAreSnapshots(t *testing.T) {
	s, _, rec := newTestStore(t)
	s.MaterializeOnTranscription("a")
	rec.updates[0].Status = StatusDone
	rec.updates[0].TargetText = "tampered"

	seg := mustGet(t, s, "a")
	if seg.Status != StatusListening || seg.TargetText != "" {
		t.Errorf("store state changed through snapshot: %+v", seg)
	}
}
