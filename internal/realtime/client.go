package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lukasbauer/proxyvoice/internal/logging"
)

const (
	defaultURL   = "wss://api.openai.com/v1/realtime"
	defaultModel = "gpt-4o-realtime-preview"
)

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("realtime: connection closed")

// Config holds connection settings.
type Config struct {
	URL              string
	Model            string
	APIKey           string
	HandshakeTimeout time.Duration

	// Session, when it carries a transcription model or instructions, is
	// sent as a session.update right after connecting.
	Session SessionConfig
}

// Client is a websocket connection to the realtime service.
type Client struct {
	conn      *websocket.Conn
	logger    *logging.Logger
	events    chan Event
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup // readLoop
}

// Dial connects and starts reading events.
func Dial(ctx context.Context, cfg Config, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	base := cfg.URL
	if base == "" {
		base = defaultURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect to realtime service (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("connect to realtime service: %w", err)
	}

	c := newClient(conn, logger)
	if cfg.Session.TranscriptionModel != "" || cfg.Session.Instructions != "" {
		if err := c.Send(UpdateSession(cfg.Session)); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("configure realtime session: %w", err)
		}
	}
	return c, nil
}

func newClient(conn *websocket.Conn, logger *logging.Logger) *Client {
	c := &Client{
		conn:   conn,
		logger: logger.With("realtime"),
		events: make(chan Event, 256),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// Events delivers decoded events in receipt order. It is closed by Close.
func (c *Client) Events() <-chan Event { return c.events }

// Errors delivers transport failures. After a read error no more events
// arrive.
func (c *Client) Errors() <-chan error { return c.errors }

// Send writes one command.
func (c *Client) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.logger.Debugf("send %v", cmd["type"])
	return c.conn.WriteJSON(cmd)
}

func (c *Client) AppendAudio(pcm []byte) error { return c.Send(AppendAudio(pcm)) }

func (c *Client) ClearInput() error { return c.Send(ClearAudio()) }

func (c *Client) CreateItem(role, text string) error { return c.Send(CreateItem(role, text)) }

func (c *Client) CreateResponse(instructions string) error {
	return c.Send(CreateResponse(instructions))
}

func (c *Client) CreateAgentResponse(instructions string) error {
	return c.Send(CreateAgentResponse(instructions))
}

func (c *Client) CancelResponse() error { return c.Send(CancelResponse()) }

func (c *Client) ClearOutputAudio() error { return c.Send(ClearOutputAudio()) }

// Close shuts the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()

		err = c.conn.Close()

		c.wg.Wait()
		close(c.events)
		close(c.errors)
	})
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		ev, err := Decode(msg)
		if err != nil {
			c.logger.Warnf("ignoring event: %v", err)
			continue
		}

		select {
		case <-c.done:
			return
		case c.events <- ev:
		}
	}
}
