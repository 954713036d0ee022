package main

import (
	"errors"
	"time"

	"github.com/lukasbauer/proxyvoice/internal/clock"
	"github.com/lukasbauer/proxyvoice/internal/logging"
	"github.com/lukasbauer/proxyvoice/internal/realtime"
	"github.com/lukasbauer/proxyvoice/internal/render"
	"github.com/lukasbauer/proxyvoice/internal/segment"
	"github.com/lukasbauer/proxyvoice/internal/segmenter"
	"github.com/lukasbauer/proxyvoice/internal/session"
)

var replayEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Options control one replay.
type Options struct {
	Frame     time.Duration
	Segmenter segmenter.Config
	Timeouts  segment.Timeouts

	// Drain is how far the clock runs after the last entry so dwell
	// timeouts can fire. Ignored when StopAtEnd is set or the trace stops.
	Drain     time.Duration
	StopAtEnd bool

	Logger *logging.Logger
}

// Result is the screen and counters once the session has stopped.
type Result struct {
	Views     []render.View
	Stats     session.Stats
	Frames    int
	Malformed int
	Elapsed   time.Duration
}

// Anomalies is the total correlation anomaly count.
func (r Result) Anomalies() int {
	n := 0
	for _, v := range r.Stats.Store.Anomalies {
		n += v
	}
	return n
}

// Replay feeds a trace through a session on a fake clock.
func Replay(tr Trace, opts Options) (Result, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	logger := opts.Logger.With("replay")

	clk := clock.NewFake(replayEpoch)
	sink := render.NewTranscript()
	sess := session.New(session.Config{
		Segmenter:   opts.Segmenter,
		Timeouts:    opts.Timeouts,
		RenderFrame: opts.Frame,
	}, session.Deps{
		Sink:   sink,
		Clock:  clk,
		Logger: opts.Logger,
	})
	if err := sess.Begin(); err != nil {
		return Result{}, err
	}

	var (
		res     Result
		elapsed time.Duration
		stopped bool
	)
	for i, e := range tr.Entries {
		clk.Advance(e.Offset() - elapsed)
		elapsed = e.Offset()

		if e.Stop {
			stopped = true
			break
		}
		if e.Recognizer != nil {
			sess.HandleRecognizer(e.Recognizer.Text, e.Recognizer.Final)
			continue
		}
		ev, err := realtime.Decode([]byte(e.Realtime))
		if err != nil {
			if !errors.Is(err, realtime.ErrMalformed) {
				return Result{}, err
			}
			res.Malformed++
			logger.Warnf("entry %d at %s: %v", i, e.Offset(), err)
			continue
		}
		sess.HandleEvent(ev)
	}

	if !stopped && !opts.StopAtEnd && opts.Drain > 0 {
		clk.Advance(opts.Drain)
		elapsed += opts.Drain
	}
	sess.Stop()
	sess.Flush()

	res.Views = sink.Views()
	res.Stats = sess.Stats()
	res.Frames = sink.Frames()
	res.Elapsed = elapsed
	logger.Debugf("%s: %d entries, %d segments, %d frames", tr.Name, len(tr.Entries), res.Stats.Store.Segments, res.Frames)
	return res, nil
}
