package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lapso-labs/lapso-coordinator/internal/alert"
	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/crypto"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/ratelimit"
	"github.com/lapso-labs/lapso-coordinator/internal/storage/memory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type envOptions struct {
	maxRequests int
	maxOrigins  int
	maxVolume   int
}

type testEnv struct {
	clock     *clock.FakeClock
	store     *memory.Store
	sink      *alert.MemorySink
	monitor   *SecurityMonitor
	guard     *Guard
	commands  *CommandService
	geofences *GeofenceService
	telemetry *TelemetryService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.maxRequests == 0 {
		opts.maxRequests = 120
	}
	if opts.maxOrigins == 0 {
		opts.maxOrigins = 3
	}
	if opts.maxVolume == 0 {
		opts.maxVolume = 1000
	}

	logger := discardLogger()
	clk := clock.Fake(epoch)
	store := memory.New()
	sink := alert.NewMemorySink()

	limiter := ratelimit.NewLimiter(time.Minute, opts.maxRequests, 8, clk)
	detector := ratelimit.NewDetector(ratelimit.DetectorConfig{
		Period:     5 * time.Minute,
		MaxOrigins: opts.maxOrigins,
		MaxVolume:  opts.maxVolume,
	}, 8, clk)
	monitor := NewSecurityMonitor(limiter, detector, sink, clk, logger)
	guard := NewGuard(NewStoreDirectory(store, clk), monitor, time.Second, logger)

	records := NewDeviceLocks(8)
	commands := NewCommandService(store, store, guard, records, CommandConfig{
		DefaultTTL:      24 * time.Hour,
		DefaultPriority: 5,
		DefaultBatch:    10,
		MaxBatch:        50,
	}, 8, clk, logger)
	geofences := NewGeofenceService(store, store, guard, commands, sink, clk, logger)
	telemetry := NewTelemetryService(store, guard, monitor, geofences, records, clk, logger)

	return &testEnv{
		clock:     clk,
		store:     store,
		sink:      sink,
		monitor:   monitor,
		guard:     guard,
		commands:  commands,
		geofences: geofences,
		telemetry: telemetry,
	}
}

// registerDevice binds deviceID to ownerID without going through ingest.
func (e *testEnv) registerDevice(t *testing.T, deviceID, ownerID, fingerprint string) {
	t.Helper()
	err := e.store.RegisterDevice(context.Background(), &model.Device{
		DeviceID:        deviceID,
		OwnerID:         ownerID,
		Name:            deviceID,
		FingerprintHash: crypto.HashFingerprint(fingerprint),
		CreatedAt:       e.clock.Now(),
		UpdatedAt:       e.clock.Now(),
	})
	if err != nil {
		t.Fatalf("RegisterDevice(%s): %v", deviceID, err)
	}
}

func (e *testEnv) enqueue(t *testing.T, deviceID, ownerID string, kind model.CommandKind, priority int) *model.Command {
	t.Helper()
	cmd, err := e.commands.Enqueue(context.Background(), EnqueueRequest{
		DeviceID: deviceID,
		OwnerID:  ownerID,
		Kind:     kind,
		Priority: &priority,
	})
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", kind, err)
	}
	return cmd
}

func f64(v float64) *float64 { return &v }

func str(v string) *string { return &v }

func boolp(v bool) *bool { return &v }
