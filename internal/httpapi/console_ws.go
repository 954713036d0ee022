package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/proxyvoice/internal/controller"
	"github.com/lukasbauer/proxyvoice/internal/logging"
	"github.com/lukasbauer/proxyvoice/internal/render"
	"github.com/lukasbauer/proxyvoice/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const consoleWriteTimeout = 5 * time.Second

// Console message types
const (
	msgRecognizer = "recognizer"
	msgDirective  = "directive"
	msgResume     = "resume"
	msgReset      = "reset"
	msgStop       = "stop"
	msgAudio      = "audio"

	msgSession  = "session"
	msgRender   = "render"
	msgState    = "state"
	msgDecision = "decision"
	msgError    = "error"
)

// consoleMessage is what the operator's browser sends.
type consoleMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Directive string `json:"directive,omitempty"`
	Audio     string `json:"audio,omitempty"` // Base64 pcm16
}

type renderMessage struct {
	Type string      `json:"type"`
	Ops  []render.Op `json:"ops"`
}

type stateMessage struct {
	Type  string        `json:"type"`
	State session.State `json:"state"`
	From  session.State `json:"from"`
}

type decisionMessage struct {
	Type string `json:"type"`
	controller.Decision
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// consoleConn serializes writes to the websocket, which allows one writer
// at a time. It is also the session's render sink.
type consoleConn struct {
	conn   *websocket.Conn
	logger *logging.Logger
	mu     sync.Mutex
}

func (c *consoleConn) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(consoleWriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debugf("write failed: %v", err)
	}
}

func (c *consoleConn) sendError(format string, args ...any) {
	c.send(errorMessage{Type: msgError, Error: fmt.Sprintf(format, args...)})
}

// Apply implements render.Sink.
func (c *consoleConn) Apply(ops []render.Op) {
	c.send(renderMessage{Type: msgRender, Ops: ops})
}

// shutdown asks the browser to close and unblocks the read loop.
func (c *consoleConn) shutdown(reason string) {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(consoleWriteTimeout))
	c.mu.Unlock()
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
}

func (r *Router) handleConsoleWS(w http.ResponseWriter, req *http.Request) {
	if _, err := r.authenticate(req, true); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	if err := r.sessions.Add(); err != nil {
		if errors.Is(err, ErrDraining) {
			http.Error(w, `{"error": "server is shutting down"}`, http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a session is already active"})
		return
	}
	defer r.sessions.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnf("console: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	cc := &consoleConn{conn: conn, logger: r.logger.With("console")}

	var (
		transport session.Transport
		dialedAt  time.Time
	)
	if r.dial != nil {
		t, err := r.dial(ctx)
		if err != nil {
			r.logger.Errorf("console: realtime dial failed: %v", err)
			captureError(req, err, "console: realtime dial")
			cc.sendError("realtime connection failed")
			cc.shutdown("realtime unavailable")
			return
		}
		transport, dialedAt = t, time.Now()
	}
	var decider session.Decider
	if r.controller != nil {
		decider = r.controller
	}

	sess := session.New(r.cfg.Session, session.Deps{
		Transport: transport,
		Decider:   decider,
		Sink:      cc,
		Logger:    r.logger,
		EventLog:  r.eventLog,
		OnState: func(from, to session.State) {
			cc.send(stateMessage{Type: msgState, State: to, From: from})
		},
		OnDecision: func(d controller.Decision) {
			cc.send(decisionMessage{Type: msgDecision, Decision: d})
		},
	})
	r.sessions.Attach(sess)
	defer func() {
		sess.Stop()
		sess.Wait()
		r.eventLog.Wait()
		if transport != nil {
			r.meter.AddRealtime(time.Since(dialedAt))
		}
	}()

	if err := sess.Begin(); err != nil {
		cc.sendError("%v", err)
		return
	}
	cc.send(map[string]string{"type": msgSession, "session_id": sess.ID()})
	r.logger.Infof("console: session %s attached", sess.ID())

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		err := sess.Pump(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Warnf("console: transport ended: %v", err)
			cc.sendError("transport: %v", err)
		}
		sess.Stop()
		cc.shutdown("session ended")
	}()

	r.readConsole(ctx, cc, sess)
	cancel()
	<-pumpDone
}

func (r *Router) readConsole(ctx context.Context, cc *consoleConn, sess *session.Session) {
	for {
		_, data, err := cc.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Infof("console: closed for session %s", sess.ID())
			} else {
				r.logger.Debugf("console: read ended for session %s: %v", sess.ID(), err)
			}
			return
		}

		var msg consoleMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			cc.sendError("invalid message: %v", err)
			continue
		}

		switch msg.Type {
		case msgRecognizer:
			sess.HandleRecognizer(msg.Text, msg.Final)

		case msgDirective:
			d := controller.ParseDirective(msg.Directive)
			if d == "" {
				cc.sendError("directive is required")
				continue
			}
			if err := sess.Directive(ctx, d); err != nil {
				cc.sendError("%v", err)
			}

		case msgResume:
			if err := sess.ResumeListening(); err != nil {
				cc.sendError("%v", err)
			}

		case msgReset:
			if err := sess.Reset(); err != nil {
				cc.sendError("%v", err)
			}

		case msgAudio:
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				cc.sendError("invalid audio payload")
				continue
			}
			if err := sess.AppendAudio(pcm); err != nil {
				r.logger.Debugf("console: audio dropped: %v", err)
			}

		case msgStop:
			sess.Stop()
			return

		default:
			cc.sendError("unknown message type %q", msg.Type)
		}
	}
}
