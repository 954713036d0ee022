// Package segmenter cuts a growing recognizer transcript into utterances.
package segmenter

import (
	"strings"
	"sync"
	"time"

	"github.com/lukasbauer/proxyvoice/internal/clock"
	"github.com/lukasbauer/proxyvoice/internal/logging"
)

// Reason says which rule produced an emission.
type Reason string

const (
	ReasonFinal           Reason = "recognizer-final"
	ReasonHardLimit       Reason = "hard-limit"
	ReasonPause           Reason = "pause"
	ReasonSoftEnder       Reason = "soft-limit-ender"
	ReasonSoftConjunction Reason = "soft-limit-conjunction"
	ReasonStrongCue       Reason = "strong-cue"
	ReasonStop            Reason = "stop"
)

const initialWPM = 150

// Config holds the segmentation thresholds.
type Config struct {
	PauseThreshold time.Duration
	StabilityDelay time.Duration
	SoftLimit      int
	HardLimit      int
	MinWords       int

	// Adaptive tunes the thresholds from the measured speaking rate.
	Adaptive bool
}

func DefaultConfig() Config {
	return Config{
		PauseThreshold: 600 * time.Millisecond,
		StabilityDelay: 150 * time.Millisecond,
		SoftLimit:      15,
		HardLimit:      25,
		MinWords:       3,
	}
}

// Emission is one utterance cut from the transcript.
type Emission struct {
	Text     string // trimmed utterance
	Span     string // exact slice of the filtered transcript that was consumed
	Reason   Reason
	Words    int
	Duration time.Duration // first text of the utterance to emission
	Index    int
}

// Thresholds are the limits currently in effect.
type Thresholds struct {
	Pause time.Duration
	Soft  int
	Hard  int
}

type Stats struct {
	Emitted    int
	TotalWords int
	Reasons    map[Reason]int
	WPM        float64
	Current    Thresholds
}

// Segmenter is safe for concurrent use. Emissions are delivered
// synchronously, in order, from whichever goroutine triggered them (a
// Process call or a timer).
type Segmenter struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *logging.Logger
	base   Config
	cur    Thresholds
	onEmit func(Emission)

	filtered  string
	processed int
	snapshot  string
	startedAt time.Time

	idle       clock.Timer
	idleSeq    uint64
	pending    clock.Timer
	pendingSeq uint64

	wpm     float64
	emitted int
	words   int
	reasons map[Reason]int
}

// New builds a segmenter. Zero fields in cfg take their defaults.
func New(cfg Config, clk clock.Clock, logger *logging.Logger, onEmit func(Emission)) *Segmenter {
	def := DefaultConfig()
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = def.PauseThreshold
	}
	if cfg.StabilityDelay < 0 {
		cfg.StabilityDelay = 0
	}
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = def.SoftLimit
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = def.HardLimit
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = def.MinWords
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Segmenter{
		clock:  clk,
		logger: logger.With("segmenter"),
		base:   cfg,
		onEmit: onEmit,
	}
	s.resetLocked()
	return s
}

// Process takes the full cumulative transcript from the recognizer. Only
// the part past the last emission is considered. When the recognizer
// revises text that was already emitted, consumption resumes at the last
// word both versions share; a transcript sharing no words with the
// consumed text means the recognizer restarted.
func (s *Segmenter) Process(transcript string, isFinal bool) Reason {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := filterDisfluencies(transcript)
	if consumed := s.filtered[:s.processed]; !strings.HasPrefix(filtered, consumed) {
		keep := sharedWordPrefix(consumed, filtered)
		s.cancelPendingLocked()
		s.snapshot = ""
		if keep == 0 {
			s.logger.Warnf("transcript no longer matches consumed text, restarting")
			s.startedAt = time.Time{}
		} else {
			s.logger.Debugf("consumed text revised, resuming at offset %d of %d", keep, s.processed)
		}
		s.processed = keep
	}
	s.filtered = filtered

	buffer := filtered[s.processed:]
	if strings.TrimSpace(buffer) == "" {
		return ""
	}
	if buffer != s.snapshot {
		if s.pending != nil {
			s.logger.Debugf("text changed, cancelled pending emission")
		}
		s.cancelPendingLocked()
		s.snapshot = buffer
		if s.startedAt.IsZero() {
			s.startedAt = s.clock.Now()
		}
		s.armIdleLocked()
	}
	return s.evaluateLocked(isFinal)
}

// Stop flushes whatever is buffered and cancels all timers.
func (s *Segmenter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelPendingLocked()
	s.stopIdleLocked()
	s.emitLocked(len(s.filtered), ReasonStop, true)
}

// Reset discards all state, including the consumed-length marker and the
// speaking-rate estimate.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Buffer returns the text not yet emitted.
func (s *Segmenter) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.filtered[s.processed:])
}

func (s *Segmenter) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Emitted:    s.emitted,
		TotalWords: s.words,
		Reasons:    make(map[Reason]int, len(s.reasons)),
		WPM:        s.wpm,
		Current:    s.cur,
	}
	for k, v := range s.reasons {
		st.Reasons[k] = v
	}
	return st
}

func (s *Segmenter) resetLocked() {
	s.cancelPendingLocked()
	s.stopIdleLocked()
	s.filtered = ""
	s.processed = 0
	s.snapshot = ""
	s.startedAt = time.Time{}
	s.wpm = initialWPM
	s.emitted = 0
	s.words = 0
	s.reasons = make(map[Reason]int)
	s.cur = Thresholds{Pause: s.base.PauseThreshold, Soft: s.base.SoftLimit, Hard: s.base.HardLimit}
}

// evaluateLocked applies the rules in priority order: recognizer final,
// hard limit, soft limit with a grammar cue, strong cue. The pause rule is
// driven by the idle timer.
func (s *Segmenter) evaluateLocked(isFinal bool) Reason {
	buffer := s.filtered[s.processed:]
	words := countWords(buffer)
	if words == 0 {
		return ""
	}
	if isFinal {
		s.emitLocked(len(s.filtered), ReasonFinal, true)
		return ReasonFinal
	}
	if words >= s.cur.Hard {
		for countWords(s.filtered[s.processed:]) >= s.cur.Hard {
			end := s.processed + wordEnd(s.filtered[s.processed:], s.cur.Hard)
			s.emitLocked(end, ReasonHardLimit, true)
		}
		s.evaluateLocked(false)
		return ReasonHardLimit
	}
	if words >= s.cur.Soft {
		if cue := softCue(buffer); cue != "" {
			s.scheduleLocked(cue)
			return cue
		}
	}
	if words >= s.base.MinWords && strongCue(buffer) {
		s.scheduleLocked(ReasonStrongCue)
		return ReasonStrongCue
	}
	return ""
}

// scheduleLocked arms the stability delay. An emission already pending is
// kept: pending emissions are cancelled whenever the text changes, so one
// that survives was scheduled for this same text.
func (s *Segmenter) scheduleLocked(reason Reason) {
	if s.pending != nil {
		return
	}
	s.pendingSeq++
	seq := s.pendingSeq
	s.pending = s.clock.AfterFunc(s.base.StabilityDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if seq != s.pendingSeq || s.pending == nil {
			return
		}
		s.pending = nil
		s.emitLocked(len(s.filtered), reason, false)
	})
}

func (s *Segmenter) cancelPendingLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.pendingSeq++
}

func (s *Segmenter) armIdleLocked() {
	s.stopIdleLocked()
	seq := s.idleSeq
	s.idle = s.clock.AfterFunc(s.cur.Pause, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if seq != s.idleSeq {
			return
		}
		s.idle = nil
		if countWords(s.filtered[s.processed:]) >= s.base.MinWords {
			s.logger.Debugf("pause detected, scheduling emission")
			s.scheduleLocked(ReasonPause)
		}
	})
}

func (s *Segmenter) stopIdleLocked() {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.idleSeq++
}

// emitLocked consumes the transcript up to end. Scheduled emissions below
// the minimum word count are dropped and the text stays buffered; forced
// ones always go out.
func (s *Segmenter) emitLocked(end int, reason Reason, force bool) bool {
	span := s.filtered[s.processed:end]
	text := strings.TrimSpace(span)
	if text == "" {
		return false
	}
	words := countWords(text)
	if !force && words < s.base.MinWords {
		s.logger.Debugf("skipped %s emission, only %d words", reason, words)
		return false
	}

	now := s.clock.Now()
	var duration time.Duration
	if !s.startedAt.IsZero() {
		duration = now.Sub(s.startedAt)
	}

	s.processed = end
	s.cancelPendingLocked()
	s.emitted++
	s.words += words
	s.reasons[reason]++

	rest := s.filtered[s.processed:]
	if strings.TrimSpace(rest) == "" {
		s.stopIdleLocked()
		s.snapshot = ""
		s.startedAt = time.Time{}
	} else {
		s.snapshot = rest
		s.startedAt = now
	}

	if s.base.Adaptive {
		s.adaptLocked(words, duration)
	}

	s.logger.Infof("segment #%d (%d words, %s)", s.emitted, words, reason)
	if s.onEmit != nil {
		s.onEmit(Emission{
			Text:     text,
			Span:     span,
			Reason:   reason,
			Words:    words,
			Duration: duration,
			Index:    s.emitted,
		})
	}
	return true
}

// adaptLocked folds one utterance into the speaking-rate estimate and
// retunes the thresholds. Very short utterances say little about rate and
// are ignored.
func (s *Segmenter) adaptLocked(words int, duration time.Duration) {
	if duration < 500*time.Millisecond || words < 2 {
		return
	}
	rate := float64(words) / duration.Minutes()
	s.wpm = 0.7*s.wpm + 0.3*rate

	b := s.base
	switch {
	case s.wpm < 120:
		s.cur = Thresholds{Pause: b.PauseThreshold * 4 / 3, Soft: b.SoftLimit - 3, Hard: b.HardLimit - 5}
	case s.wpm > 160:
		s.cur = Thresholds{Pause: b.PauseThreshold * 5 / 6, Soft: b.SoftLimit + 3, Hard: b.HardLimit + 5}
	default:
		s.cur = Thresholds{Pause: b.PauseThreshold, Soft: b.SoftLimit, Hard: b.HardLimit}
	}
	if s.cur.Soft < 1 {
		s.cur.Soft = 1
	}
	if s.cur.Hard < s.cur.Soft {
		s.cur.Hard = s.cur.Soft
	}
	s.logger.Debugf("speaking rate %.0f wpm, pause %s soft %d hard %d", s.wpm, s.cur.Pause, s.cur.Soft, s.cur.Hard)
}
