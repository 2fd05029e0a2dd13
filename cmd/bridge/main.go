package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"telemetry-bridge/internal/config"
	"telemetry-bridge/internal/control"
	"telemetry-bridge/internal/layouts"
	"telemetry-bridge/internal/logging"
	"telemetry-bridge/internal/metrics"
	"telemetry-bridge/internal/registry"
)

// metricsRefreshPeriod governs how often gauges derived from a live
// snapshot of every Manager (ring occupancy, open segments) are recomputed.
const metricsRefreshPeriod = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Print()

	logger := logging.New("bridge", logging.Options{Level: "info", Format: logging.FormatJSON})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("bridge: gomaxprocs resolved")

	store, err := layouts.New(cfg.LayoutsDir)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open layouts store")
		os.Exit(1)
	}

	metricsRegistry := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(ctx, cfg, logger, metricsRegistry)
	surface := control.New(store, reg, logger, metricsRegistry)

	if err := surface.SyncFromStore(); err != nil {
		logger.Error().Err(err).Msg("initial registry sync failed")
	}

	go refreshGauges(ctx, reg, metricsRegistry, metricsRefreshPeriod)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      surface.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("bridge: http server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("bridge: shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("bridge: http server error")
			stop()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("bridge: http server shutdown error")
	}

	reg.Shutdown()
	logger.Info().Msg("bridge: stopped")
}

// refreshGauges periodically walks every running target Manager and sets
// the gauges that can only be computed from a live snapshot across all of
// them (internal/target.Manager.Stats is otherwise unread).
func refreshGauges(ctx context.Context, reg *registry.Registry, m *metrics.Registry, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ringEntries, openSegments int
			for _, s := range reg.Stats() {
				ringEntries += s.RingEntries
				if s.OpenSegment != "" {
					openSegments++
				}
			}
			m.RingEntries.Set(float64(ringEntries))
			m.SegmentsOpen.Set(float64(openSegments))
		}
	}
}
