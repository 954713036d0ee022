// Package eventrouter maps realtime protocol events onto segment store
// operations.
package eventrouter

import (
	"github.com/lukasbauer/proxyvoice/internal/logging"
	"github.com/lukasbauer/proxyvoice/internal/realtime"
	"github.com/lukasbauer/proxyvoice/internal/segment"
)

// Error codes that can affect any in-flight segment.
var globalCodes = map[string]bool{
	"rate_limit_exceeded": true,
	"server_error":        true,
	"insufficient_quota":  true,
}

// Scope says how far a protocol error reaches.
type Scope string

const (
	ScopeSegment    Scope = "segment"
	ScopeGlobal     Scope = "global"
	ScopeConnection Scope = "connection"
)

// Classify decides the scope of a protocol error.
func Classify(e realtime.ErrorEvent) Scope {
	switch {
	case globalCodes[e.Code], globalCodes[e.Kind]:
		return ScopeGlobal
	case e.ItemID != "" || e.ResponseID != "":
		return ScopeSegment
	default:
		return ScopeConnection
	}
}

// Store is the subset of the segment store the router drives.
type Store interface {
	RecordSpeechStarted(itemID string)
	MaterializeOnTranscription(itemID string) segment.Segment
	AppendTranscriptDelta(itemID, delta string)
	SetTranscript(itemID, transcript string)
	MarkTranscriptionComplete(itemID string)
	FailTranscription(itemID, msg string)
	LinkResponseOnCreated(responseID string) (segment.Segment, bool)
	IgnoreResponse(responseID string)
	ApplyTranslationDelta(responseID, delta string)
	ApplyTranslationFinal(responseID, text string)
	CompleteResponse(responseID string)
	FailResponse(responseID, msg string)
	FailItem(itemID, msg string) bool
	FailActive(msg string) int
}

// Router holds no correlation state of its own.
type Router struct {
	store   Store
	logger  *logging.Logger
	onError func(realtime.ErrorEvent, Scope)
}

// New builds a router. onError, when set, receives every protocol error
// after the store has been updated.
func New(store Store, logger *logging.Logger, onError func(realtime.ErrorEvent, Scope)) *Router {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Router{store: store, logger: logger.With("router"), onError: onError}
}

// Route applies one event.
func (r *Router) Route(ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.SpeechStarted:
		r.store.RecordSpeechStarted(e.ItemID)

	case realtime.SpeechStopped:
		r.logger.Debugf("speech stopped for %s at %dms", e.ItemID, e.AudioEndMs)

	case realtime.TranscriptionDelta:
		r.store.MaterializeOnTranscription(e.ItemID)
		r.store.AppendTranscriptDelta(e.ItemID, e.Delta)

	case realtime.TranscriptionCompleted:
		r.store.MaterializeOnTranscription(e.ItemID)
		r.store.SetTranscript(e.ItemID, e.Transcript)
		r.store.MarkTranscriptionComplete(e.ItemID)

	case realtime.TranscriptionFailed:
		msg := e.Message
		if msg == "" {
			msg = e.Code
		}
		r.store.FailTranscription(e.ItemID, msg)

	case realtime.ResponseCreated:
		if e.FromAgent() {
			r.logger.Debugf("response %s speaks for the agent, not pairing", e.ResponseID)
			r.store.IgnoreResponse(e.ResponseID)
			return
		}
		r.store.LinkResponseOnCreated(e.ResponseID)

	case realtime.OutputTextDelta:
		r.store.ApplyTranslationDelta(e.ResponseID, e.Delta)

	case realtime.OutputTextDone:
		r.store.ApplyTranslationFinal(e.ResponseID, e.Text)

	case realtime.ResponseDone:
		if e.Status == "failed" {
			msg := e.Reason
			if msg == "" {
				msg = "response failed"
			}
			r.store.FailResponse(e.ResponseID, msg)
			return
		}
		r.store.CompleteResponse(e.ResponseID)

	case realtime.ErrorEvent:
		r.routeError(e)

	case realtime.Unknown:
		r.logger.Debugf("ignoring %s", e.Name)

	default:
		r.logger.Warnf("unhandled event type %T", ev)
	}
}

func (r *Router) routeError(e realtime.ErrorEvent) {
	scope := Classify(e)
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}

	switch scope {
	case ScopeGlobal:
		n := r.store.FailActive(msg)
		r.logger.Warnf("global error %s: %s (%d segments failed)", e.Code, e.Message, n)
	case ScopeSegment:
		if e.ResponseID != "" {
			r.store.FailResponse(e.ResponseID, msg)
		}
		if e.ItemID != "" && !r.store.FailItem(e.ItemID, msg) {
			r.logger.Warnf("error for unknown item %s: %s", e.ItemID, msg)
		}
	default:
		r.logger.Warnf("connection error: %v", e)
	}

	if r.onError != nil {
		r.onError(e, scope)
	}
}
