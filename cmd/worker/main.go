package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"classattend/internal/app"
	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/logger"
	"classattend/internal/metrics"
	"classattend/internal/rotator"
	"classattend/internal/window"
)

// Worker rotates session tokens, delivers queued notifications and, when
// enabled, finalizes closed sessions.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog, err := logger.New(cfg.Log.Path, "worker", cfg.Log.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Open backends", zap.Error(err))
	}
	defer func() { _ = backends.Close() }()

	if cfg.TokenBackend == "memory" {
		zlog.Warn("Token backend is in-process; the API rotates its own tokens")
	}
	if cfg.QueueBackend == "memory" {
		zlog.Warn("Queue backend is in-process; the API delivers its own notifications")
	}

	policy := window.Policy{GraceBefore: cfg.CheckIn.GraceBefore, LateAfter: cfg.CheckIn.LateAfter}
	// Worker metrics are not scraped; the collectors still back the counters.
	m := metrics.New(nil)

	var wg sync.WaitGroup
	run := func(name string, job func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := job(ctx); err != nil && ctx.Err() == nil {
				zlog.Error("Job stopped", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	if cfg.TokenBackend != "memory" {
		rot := rotator.New(backends.Catalog, backends.Repos.Tokens, rotator.Config{
			Interval: cfg.CheckIn.RotationInterval,
			Policy:   policy,
			Zone:     cfg.CheckIn.Timezone,
		}, zlog, m)
		run("rotator", rot.Run)
	}
	if cfg.QueueBackend != "memory" {
		run("notifications", func(ctx context.Context) error {
			return app.ConsumeNotifications(ctx, backends.Queue, app.LogDelivery(zlog), zlog)
		})
	}
	if cfg.Worker.AutoFinalize {
		svc := attendance.NewService(backends.Repos, policy, zlog,
			attendance.WithZone(cfg.CheckIn.Timezone),
			attendance.WithMetrics(m),
		)
		run("finalizer", func(ctx context.Context) error {
			return app.RunFinalizer(ctx, svc, backends.Catalog, cfg.Worker.FinalizeSweepInterval, zlog)
		})
	}

	zlog.Info("Worker started")
	<-ctx.Done()
	zlog.Info("Shutdown signal received")
	wg.Wait()
	zlog.Info("Worker stopped")
}
