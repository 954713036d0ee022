package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/lukasbauer/proxyvoice/internal/controller"
	"github.com/lukasbauer/proxyvoice/internal/costs"
)

// maxSummarizeBytes bounds the pinned context a client may send.
const maxSummarizeBytes = 256 << 10

// handleControllerDecide runs one controller decision. A failed or slow
// model still answers 200 with the fallback decision.
func (r *Router) handleControllerDecide(w http.ResponseWriter, req *http.Request) {
	if r.controller == nil {
		http.Error(w, `{"error": "controller not configured"}`, http.StatusServiceUnavailable)
		return
	}

	var body controller.Request
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	body.Directive = controller.ParseDirective(string(body.Directive))
	if body.Directive == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "directive is required"})
		return
	}

	who := "unknown"
	if op := getOperator(req.Context()); op != nil {
		who = op.Subject
	}
	r.logger.Infof("controller: %s requested %s", who, body.Directive)

	dec, err := r.controller.Decide(req.Context(), body)
	if errors.Is(err, controller.ErrStaleDecision) {
		// client went away
		return
	}
	if err != nil {
		r.logger.Warnf("controller: fallback for %s: %v", body.Directive, err)
	}
	writeJSON(w, http.StatusOK, dec)
}

// handleSummarize condenses pinned context. On failure the trimmed text
// comes back with a note rather than an error status.
func (r *Router) handleSummarize(w http.ResponseWriter, req *http.Request) {
	if r.controller == nil {
		http.Error(w, `{"error": "controller not configured"}`, http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxSummarizeBytes)).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	sum, err := r.controller.Summarize(req.Context(), body.Text)
	if err != nil {
		r.logger.Warnf("summarize: %v", err)
		captureError(req, err, "summarize: model call failed")
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleSessionStats reports on the running console session.
func (r *Router) handleSessionStats(w http.ResponseWriter, req *http.Request) {
	s := r.sessions.Active()
	if s == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"active":   false,
			"draining": r.sessions.IsDraining(),
			"served":   r.sessions.Served(),
			"usage":    r.usage(),
		})
		return
	}

	st := s.Stats()
	anomalies := make(map[string]int, len(st.Store.Anomalies))
	for k, v := range st.Store.Anomalies {
		anomalies[string(k)] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":     true,
		"draining":   r.sessions.IsDraining(),
		"served":     r.sessions.Served(),
		"session_id": st.ID,
		"state":      st.State,
		"turns":      st.Turns,
		"segments": map[string]any{
			"total":                 st.Store.Segments,
			"active":                st.Store.Active,
			"awaiting_response":     st.Store.AwaitingResponse,
			"awaiting_item":         st.Store.AwaitingItem,
			"buffered_translations": st.Store.BufferedTranslations,
		},
		"segmenter": map[string]any{
			"emitted": st.Segmenter.Emitted,
			"wpm":     st.Segmenter.WPM,
		},
		"anomalies": anomalies,
		"usage":     r.usage(),
	})
}

func (r *Router) usage() map[string]any {
	u := r.meter.Usage()
	c := costs.Calculate(u)
	return map[string]any{
		"controller_calls":  u.ControllerCalls,
		"input_tokens":      u.InputTokens,
		"output_tokens":     u.OutputTokens,
		"realtime_seconds":  u.RealtimeSeconds,
		"realtime_sessions": u.RealtimeSessions,
		"cost_cents":        c.TotalCostCents,
	}
}
