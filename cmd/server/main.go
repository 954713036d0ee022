package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/proxyvoice/internal/app"
	"github.com/lukasbauer/proxyvoice/internal/logging"
)

const drainTimeout = 15 * time.Second

func main() {
	cfg := app.LoadConfigFromEnv()

	stdLogger := log.New(os.Stdout, "", log.LstdFlags)
	logger := logging.New(stdLogger, cfg.LogLevel)

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2, // 20% of requests for performance monitoring
			Environment:      cfg.Environment,
		})
		if err != nil {
			logger.Warnf("sentry init failed: %v", err)
		} else {
			logger.Infof("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		stdLogger.Fatalf("init app: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Eventf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stdLogger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()

	// Console websockets are hijacked and invisible to Shutdown, so the
	// session registry is drained first.
	sessions := a.Sessions()
	logger.Eventf("draining, %d sessions served", sessions.Served())
	sessions.StartDraining()

	drained := make(chan struct{})
	go func() {
		sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		logger.Warnf("drain timed out after %s", drainTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = a.Close()
}
