package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lapso-labs/lapso-coordinator/internal/alert"
	"github.com/lapso-labs/lapso-coordinator/internal/barkclient"
	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/config"
	"github.com/lapso-labs/lapso-coordinator/internal/ratelimit"
	"github.com/lapso-labs/lapso-coordinator/internal/server"
	"github.com/lapso-labs/lapso-coordinator/internal/service"
	"github.com/lapso-labs/lapso-coordinator/internal/storage"
	"github.com/lapso-labs/lapso-coordinator/internal/storage/bolt"
	"github.com/lapso-labs/lapso-coordinator/internal/storage/memory"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("coordinator stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	clk := clock.Real()
	shards := cfg.Sharding.Shards

	sinks := alert.Fanout{}
	if cfg.Alerts.Log {
		sinks = append(sinks, alert.NewLogSink(logger))
	}
	var (
		barkClient *barkclient.Client
		barkSink   *alert.BarkSink
	)
	if b := cfg.Alerts.Bark; b.Enabled {
		barkClient, err = barkclient.New(b.BaseURL, b.Token, b.RequestTimeout)
		if err != nil {
			return err
		}
		barkSink, err = alert.NewBarkSink(barkClient, alert.BarkConfig{
			DeviceKey: b.DeviceKey,
			EncodeKey: b.EncodeKey,
			IV:        b.IV,
			Rate:      b.Rate,
			Burst:     b.Burst,
			QueueSize: b.QueueSize,
		}, logger)
		if err != nil {
			return err
		}
		barkSink.Start()
		sinks = append(sinks, barkSink)
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests, shards, clk)
	detector := ratelimit.NewDetector(ratelimit.DetectorConfig{
		Period:     cfg.RateLimit.AbuseWindow,
		MaxOrigins: cfg.RateLimit.MaxOrigins,
		MaxVolume:  cfg.RateLimit.MaxVolume,
	}, shards, clk)
	monitor := service.NewSecurityMonitor(limiter, detector, sinks, clk, logger)

	guard := service.NewGuard(service.NewStoreDirectory(store, clk), monitor, cfg.Ownership.LookupTimeout, logger)
	records := service.NewDeviceLocks(shards)

	commands := service.NewCommandService(store, store, guard, records, service.CommandConfig{
		DefaultTTL:      cfg.Commands.DefaultTTL,
		MaxTTL:          cfg.Commands.MaxTTL,
		DefaultPriority: cfg.Commands.DefaultPriority,
		DefaultBatch:    cfg.Commands.DefaultBatch,
		MaxBatch:        cfg.Commands.MaxBatch,
	}, shards, clk, logger)
	geofences := service.NewGeofenceService(store, store, guard, commands, sinks, clk, logger)
	telemetry := service.NewTelemetryService(store, guard, monitor, geofences, records, clk, logger)

	authSvc, err := service.NewAuthService(cfg, clk, logger)
	if err != nil {
		return err
	}

	srv := server.New(cfg, telemetry, commands, geofences, authSvc, barkClient, logger)

	go janitor(ctx, cfg, commands, monitor, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", "addr", cfg.HTTP.Addr, "storage", cfg.Storage.Driver)
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if barkSink != nil {
		if err := barkSink.Shutdown(shutdownCtx); err != nil {
			logger.Warn("bark alert queue not drained", "error", err)
		}
	}
	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Driver == "memory" {
		return memory.New(), nil
	}
	return bolt.New(cfg.Storage.Path)
}

// janitor prunes finished commands and forgets idle rate-limit windows.
func janitor(ctx context.Context, cfg *config.Config, commands *service.CommandService, monitor *service.SecurityMonitor, logger *slog.Logger) {
	interval := cfg.Commands.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := commands.Prune(ctx, cfg.Commands.Retention)
			if err != nil {
				logger.Error("prune commands", "error", err)
			} else if pruned > 0 {
				logger.Info("pruned commands", "count", pruned)
			}
			if evicted := monitor.Evict(cfg.RateLimit.IdleEviction); evicted > 0 {
				logger.Debug("evicted idle rate-limit windows", "count", evicted)
			}
		}
	}
}
