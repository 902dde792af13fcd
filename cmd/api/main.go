package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"classattend/internal/analytics"
	"classattend/internal/app"
	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/geoclient"
	"classattend/internal/handler"
	"classattend/internal/httpmiddleware"
	"classattend/internal/logger"
	"classattend/internal/metrics"
	"classattend/internal/queue"
	"classattend/internal/rotator"
	"classattend/internal/window"
)

func main() {
	mint := flag.String("mint-token", "", "print a bearer token for subject:role and exit (development only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if *mint != "" {
		if err := mintToken(cfg, *mint); err != nil {
			log.Fatalf("mint token: %v", err)
		}
		return
	}

	zlog, err := logger.New(cfg.Log.Path, "api", cfg.Log.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, zlog); err != nil {
		zlog.Fatal("HTTP server failed", zap.Error(err))
	}
}

func mintToken(cfg config.App, arg string) error {
	subject, role, ok := strings.Cut(arg, ":")
	if !ok || subject == "" || !auth.Role(role).Valid() {
		return fmt.Errorf("want subject:role with role student, instructor or admin, got %q", arg)
	}
	if cfg.Production() {
		return errors.New("refusing to mint tokens in production")
	}
	tok, exp, err := auth.Issue(subject, auth.Role(role), cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("%s\n# expires %s\n", tok, exp.Format(time.RFC3339))
	return nil
}

func runHTTP(cfg config.App, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			zlog.Warn("Closing backends", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	policy := window.Policy{GraceBefore: cfg.CheckIn.GraceBefore, LateAfter: cfg.CheckIn.LateAfter}
	opts := []attendance.Option{
		attendance.WithZone(cfg.CheckIn.Timezone),
		attendance.WithNotifier(queue.NewNotifier(backends.Queue)),
		attendance.WithMetrics(m),
	}

	health := []handler.HealthCheck{
		{Name: "db", Check: backends.DB.Healthy},
		{Name: "redis", Check: backends.RedisHealthy},
	}
	if !cfg.Location.Skip {
		geo := geoclient.New(cfg.Location.ServiceURL, false)
		if err := geo.Health(ctx); err != nil {
			zlog.Warn("Location service not available", zap.Error(err))
		}
		opts = append(opts, attendance.WithLocator(geo, cfg.Location.Timeout))
		health = append(health, handler.HealthCheck{
			Name:  "location",
			Check: func(ctx context.Context) bool { return geo.Health(ctx) == nil },
		})
	}

	svc := attendance.NewService(backends.Repos, policy, zlog, opts...)
	rot := rotator.New(backends.Catalog, backends.Repos.Tokens, rotator.Config{
		Interval: cfg.CheckIn.RotationInterval,
		Policy:   policy,
		Zone:     cfg.CheckIn.Timezone,
	}, zlog, m)

	// In-process backends are invisible to the worker, so their jobs run here.
	if cfg.TokenBackend == "memory" {
		go func() { _ = rot.Run(ctx) }()
	}
	if cfg.QueueBackend == "memory" {
		go func() { _ = app.ConsumeNotifications(ctx, backends.Queue, app.LogDelivery(zlog), zlog) }()
	}

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	defer limiter.Stop()

	r := handler.Router(handler.Deps{
		Service:        svc,
		Rotator:        rot,
		Stats:          analytics.NewAggregator(backends.Repos, zlog),
		SigningKey:     cfg.JWTSigningKey,
		Issuer:         cfg.JWTIssuer,
		Limiter:        limiter,
		Gatherer:       reg,
		Health:         health,
		TrustedProxies: cfg.TrustedProxies,
		CORSOrigins:    cfg.CORSOrigins,
		Log:            zlog,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("Starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	zlog.Info("Shutting down server")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("Server forced shutdown", zap.Error(err))
	}

	zlog.Info("Server exited")
	return nil
}
