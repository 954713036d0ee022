package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/proxyvoice/internal/controller"
	"github.com/lukasbauer/proxyvoice/internal/costs"
	"github.com/lukasbauer/proxyvoice/internal/eventlog"
	"github.com/lukasbauer/proxyvoice/internal/httpapi"
	"github.com/lukasbauer/proxyvoice/internal/logging"
	"github.com/lukasbauer/proxyvoice/internal/realtime"
	"github.com/lukasbauer/proxyvoice/internal/session"
)

type App struct {
	cfg        Config
	logger     *logging.Logger
	db         *pgxpool.Pool
	eventLog   *eventlog.Logger
	controller *controller.Client
	sessions   *httpapi.SessionRegistry
	meter      *costs.Meter
	profile    Profile
}

func New(cfg Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	profile := DefaultProfile()
	if cfg.SessionProfile != "" {
		if profile, err = LoadProfile(cfg.SessionProfile); err != nil {
			return nil, err
		}
		logger.Infof("app: loaded session profile %q", profile.Name)
	}

	// The event log is optional; without DATABASE_URL it records nothing.
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
	}
	el := eventlog.New(db)
	if err := el.EnsureSchema(ctx); err != nil {
		logger.Warnf("app: event log schema: %v", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		eventLog: el,
		sessions: httpapi.NewSessionRegistry(),
		meter:    costs.NewMeter(),
		profile:  profile,
	}

	if cfg.OpenAIAPIKey == "" {
		logger.Warnf("app: OPENAI_API_KEY not set, controller and realtime transport disabled")
		return a, nil
	}

	// Shared HTTP client with connection pooling for controller calls.
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	a.controller = controller.New(controller.Config{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.ControllerModel,
		Timeout:     cfg.ControllerTimeout,
		MaxRetries:  1,
		HTTPClient:  httpClient,
		Temperature: cfg.ControllerTemp,
		Meter:       a.meter,
	}, logger)
	return a, nil
}

// SessionConfig is what every console session runs with.
func (a *App) SessionConfig() session.Config {
	return session.Config{
		Segmenter:   a.profile.ApplySegmenter(a.cfg.Segmenter),
		Timeouts:    a.cfg.Timeouts,
		RenderFrame: a.cfg.RenderFrame,
		Brief:       a.profile.Brief(),
	}
}

func (a *App) Sessions() *httpapi.SessionRegistry { return a.sessions }

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		JWTSecret:      a.cfg.JWTSecret,
		JWTExpiry:      a.cfg.JWTExpiry,
		OperatorSecret: a.cfg.OperatorSecret,
		Session:        a.SessionConfig(),
	}
	deps := httpapi.Deps{
		EventLog: a.eventLog,
		Sessions: a.sessions,
		Meter:    a.meter,
	}
	if a.controller != nil {
		deps.Controller = a.controller
		deps.Dial = a.dialRealtime
	}
	return httpapi.NewRouter(routerCfg, a.logger, deps)
}

func (a *App) dialRealtime(ctx context.Context) (session.Transport, error) {
	c, err := realtime.Dial(ctx, realtime.Config{
		URL:              a.cfg.RealtimeURL,
		Model:            a.cfg.RealtimeModel,
		APIKey:           a.cfg.OpenAIAPIKey,
		HandshakeTimeout: 10 * time.Second,
		Session:          a.profile.RealtimeSession(),
	}, a.logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close waits for pending event log writes, then releases the pool.
func (a *App) Close() error {
	a.eventLog.Wait()
	u := a.meter.Usage()
	a.logger.Infof("app: usage: %d controller calls (%d in / %d out tokens), %d realtime sessions (%ds), ~%d cents",
		u.ControllerCalls, u.InputTokens, u.OutputTokens, u.RealtimeSessions, u.RealtimeSeconds, costs.Calculate(u).TotalCostCents)
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
