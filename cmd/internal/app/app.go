// Package app wires the runhub chat server runtime: config, logging, backends,
// HTTP routes, the push gateway, and the command line.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/realtime"
)

// App is the runhub server: it owns HTTP server wiring on top of a Runtime.
type App struct {
	cfg Config
	log Logger

	rt *Runtime
	ws *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	rt, err := NewRuntime(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	opts := []realtime.WSGatewayOption{
		realtime.WithMembership(rt.Store),
		realtime.WithGatewayMetrics(rt.Metrics),
	}
	if cfg.WSPartyHeader != "" {
		opts = append(opts, realtime.WithAuthenticator(PartyHeaderAuthenticator(cfg.WSPartyHeader)))
	} else {
		log.Warn("ws.auth.disabled", "reason", "RUNHUB_WS_PARTY_HEADER unset, hello party is trusted")
	}

	// The gateway serves from the shared push layer, not the Manager:
	// each remote session owns its channels.
	ws, err := realtime.NewWSGateway(log, rt.Push, cfg.GatewayConfig(), opts...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	return &App{cfg: cfg, log: log, rt: rt, ws: ws}, nil
}

// Runtime exposes the wired chat core.
func (a *App) Runtime() *Runtime { return a.rt }

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.rt, a.ws)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.rt.DB != nil, "redis_enabled", a.rt.Redis != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		_ = a.rt.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		_ = a.rt.Close()
		return err
	}

	if err := a.rt.Close(); err != nil {
		a.log.Error("runtime.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

// Close releases the runtime without serving.
func (a *App) Close() error { return a.rt.Close() }

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
