package alert

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lapso-labs/lapso-coordinator/internal/barkclient"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
)

type recordingPusher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *recordingPusher) SendEncryptedPush(_ context.Context, deviceKey, ciphertext, iv string) (*barkclient.CommonResponse[struct{}], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, deviceKey+"|"+iv+"|"+ciphertext)
	if p.err != nil {
		return nil, p.err
	}
	return &barkclient.CommonResponse[struct{}]{Code: 200}, nil
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func testBarkConfig() BarkConfig {
	return BarkConfig{
		DeviceKey: "owner-phone",
		EncodeKey: "0123456789abcdef",
		IV:        "fedcba9876543210",
		Rate:      1000,
		Burst:     100,
		QueueSize: 8,
	}
}

func TestBarkSinkDelivers(t *testing.T) {
	pusher := &recordingPusher{}
	sink, err := NewBarkSink(pusher, testBarkConfig(), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("NewBarkSink: %v", err)
	}
	go sink.Run(context.Background())

	for i := 0; i < 3; i++ {
		sink.Emit(context.Background(), model.Alert{Type: model.AlertGeofenceExit, DeviceID: "d1", Message: "left home"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := pusher.count(); got != 3 {
		t.Fatalf("pushes: got %d, want 3", got)
	}
	if !strings.HasPrefix(pusher.calls[0], "owner-phone|fedcba9876543210|") {
		t.Errorf("push call: got %q", pusher.calls[0])
	}

	// Emit after Close is a silent no-op.
	sink.Emit(context.Background(), model.Alert{Type: model.AlertGeofenceEntry})
}

func TestBarkSinkShutdownDrainsQueue(t *testing.T) {
	pusher := &recordingPusher{}
	cfg := testBarkConfig()
	cfg.Rate, cfg.Burst = 50, 1
	sink, err := NewBarkSink(pusher, cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("NewBarkSink: %v", err)
	}
	for i := 0; i < 5; i++ {
		sink.Emit(context.Background(), model.Alert{Type: model.AlertGeofenceAutoLock, DeviceID: "d1"})
	}
	sink.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := pusher.count(); got != 5 {
		t.Errorf("pushes after shutdown: got %d, want 5", got)
	}
}

func TestBarkSinkDropsWhenFull(t *testing.T) {
	var logs bytes.Buffer
	cfg := testBarkConfig()
	cfg.QueueSize = 2
	sink, err := NewBarkSink(&recordingPusher{}, cfg, slog.New(slog.NewTextHandler(&logs, nil)))
	if err != nil {
		t.Fatalf("NewBarkSink: %v", err)
	}
	// No worker running, so the third alert cannot be queued.
	for i := 0; i < 3; i++ {
		sink.Emit(context.Background(), model.Alert{Type: model.AlertSuspiciousActivity, DeviceID: "d1"})
	}
	if !strings.Contains(logs.String(), "dropping alert") {
		t.Errorf("expected drop to be logged, got %q", logs.String())
	}
}

func TestBarkSinkLogsPushFailure(t *testing.T) {
	var logs bytes.Buffer
	pusher := &recordingPusher{err: errors.New("bark unreachable")}
	sink, err := NewBarkSink(pusher, testBarkConfig(), slog.New(slog.NewTextHandler(&logs, nil)))
	if err != nil {
		t.Fatalf("NewBarkSink: %v", err)
	}
	go sink.Run(context.Background())
	sink.Emit(context.Background(), model.Alert{Type: model.AlertOwnershipMismatch, DeviceID: "d1"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !strings.Contains(logs.String(), "bark alert push failed") {
		t.Errorf("expected failure log, got %q", logs.String())
	}
}

func TestNewBarkSinkValidates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BarkConfig)
	}{
		{"missing device key", func(c *BarkConfig) { c.DeviceKey = "" }},
		{"short key", func(c *BarkConfig) { c.EncodeKey = "short" }},
		{"short iv", func(c *BarkConfig) { c.IV = "1234" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testBarkConfig()
			tt.mutate(&cfg)
			if _, err := NewBarkSink(&recordingPusher{}, cfg, nil); err == nil {
				t.Error("want error")
			}
		})
	}
}

func TestFanoutAndMemorySink(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	var logs bytes.Buffer
	f := Fanout{a, nil, b, NewLogSink(slog.New(slog.NewTextHandler(&logs, nil)))}
	f.Emit(context.Background(), model.Alert{Type: model.AlertGeofenceEntry, DeviceID: "d1", GeofenceID: "g1", Message: "entered home"})
	f.Emit(context.Background(), model.Alert{Type: model.AlertSuspiciousActivity, DeviceID: "d1", Message: "too many origins"})

	if len(a.Alerts()) != 2 || len(b.Alerts()) != 2 {
		t.Errorf("fanout: got %d and %d alerts, want 2 each", len(a.Alerts()), len(b.Alerts()))
	}
	if got := len(a.OfType(model.AlertGeofenceEntry)); got != 1 {
		t.Errorf("OfType: got %d, want 1", got)
	}
	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "geofence_id=g1") {
		t.Errorf("log sink output: %q", out)
	}
}
