package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/proxyvoice/internal/controller"
	"github.com/lukasbauer/proxyvoice/internal/costs"
	"github.com/lukasbauer/proxyvoice/internal/eventlog"
	"github.com/lukasbauer/proxyvoice/internal/logging"
	"github.com/lukasbauer/proxyvoice/internal/session"
)

type RouterConfig struct {
	// JWT Authentication
	JWTSecret      string
	JWTExpiry      time.Duration
	OperatorSecret string

	// Settings for every console session
	Session session.Config
}

// Controller is the decision service the API exposes. *controller.Client
// satisfies it.
type Controller interface {
	Decide(ctx context.Context, req controller.Request) (controller.Decision, error)
	Summarize(ctx context.Context, text string) (controller.Summary, error)
}

// DialFunc opens the realtime transport for a new console session.
type DialFunc func(ctx context.Context) (session.Transport, error)

type Deps struct {
	Controller Controller
	Dial       DialFunc
	EventLog   *eventlog.Logger
	Sessions   *SessionRegistry
	Meter      *costs.Meter
}

type Router struct {
	cfg        RouterConfig
	logger     *logging.Logger
	controller Controller
	dial       DialFunc
	eventLog   *eventlog.Logger
	sessions   *SessionRegistry
	meter      *costs.Meter
	mux        *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *logging.Logger, deps Deps) http.Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionRegistry()
	}
	if deps.EventLog == nil {
		deps.EventLog = eventlog.New(nil)
	}
	r := &Router{
		cfg:        cfg,
		logger:     logger,
		controller: deps.Controller,
		dial:       deps.Dial,
		eventLog:   deps.EventLog,
		sessions:   deps.Sessions,
		meter:      deps.Meter,
		mux:        http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Auth (public, operator secret checked)
	r.mux.HandleFunc("POST /auth/token", r.handleIssueToken)

	// Operator console (token from header or query)
	r.mux.HandleFunc("GET /session", r.handleConsoleWS)

	// Protected API endpoints
	r.mux.HandleFunc("GET /api/session", r.withAuth(r.handleSessionStats))
	r.mux.HandleFunc("POST /api/controller", r.withAuth(r.handleControllerDecide))
	r.mux.HandleFunc("POST /api/summarize", r.withAuth(r.handleSummarize))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports 503 once draining has begun so the load balancer
// stops sending consoles here.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
