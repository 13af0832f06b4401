package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meetkit/bot-gateway/internal/baas"
	"github.com/meetkit/bot-gateway/internal/bridge"
	"github.com/meetkit/bot-gateway/internal/config"
	"github.com/meetkit/bot-gateway/internal/observability"
	"github.com/meetkit/bot-gateway/internal/ports"
	"github.com/meetkit/bot-gateway/internal/registry"
	"github.com/meetkit/bot-gateway/internal/resilience"
	"github.com/meetkit/bot-gateway/internal/server"
	"github.com/meetkit/bot-gateway/internal/supervisor"
	"github.com/meetkit/bot-gateway/internal/tunnel"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.InitLogger("info", false)
		fallback := observability.GetLogger()
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	sup := supervisor.New()
	tunnels := tunnel.NewNgrokClient(cfg.NgrokAPIURL, 10*time.Second, retryCfg)
	meeting := baas.NewClient(cfg.MeetingBaasAPIURL, cfg.MeetingBaasAPIKey, 30*time.Second, retryCfg)
	allocator := &ports.Allocator{Window: cfg.PortWindow}

	reg := registry.New(cfg, registry.SupervisorSpawner{S: sup}, tunnels, meeting, allocator)
	audioBridge := bridge.New(cfg.SampleRate, cfg.NumChannels, cfg.SendQueueSize)

	checks := map[string]observability.HealthCheckFunc{
		"meeting_service": httpCheck(cfg.MeetingBaasAPIURL),
	}
	if cfg.PublicURL == "" {
		checks["tunnel_agent"] = httpCheck(cfg.NgrokAPIURL + "/api/tunnels")
	}

	srv := server.New(cfg, reg, audioBridge, checks)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sup.Monitor(ctx, time.Duration(cfg.MonitorIntervalMillis)*time.Millisecond, func(h *supervisor.Handle, exitCode int) {
		reg.HandleProcessExit(h.Name, exitCode)
	})

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Bot gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error { return httpServer.Shutdown(gctx) })
	g.Go(func() error { return reg.Shutdown(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}

// httpCheck probes a URL; any answer below 500 counts as reachable.
func httpCheck(url string) observability.HealthCheckFunc {
	client := &http.Client{Timeout: 4 * time.Second}
	return func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError, nil
	}
}
