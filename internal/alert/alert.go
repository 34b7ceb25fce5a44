// Package alert delivers geofence and security events to their
// destinations. Emit is fire-and-forget: a sink never reports delivery
// failure to the caller and never blocks the request path for long.
package alert

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lapso-labs/lapso-coordinator/internal/model"
)

// Sink receives alerts.
type Sink interface {
	Emit(ctx context.Context, a model.Alert)
}

// LogSink writes every alert to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a Sink that logs at Warn for security events and
// Info for geofence transitions.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, a model.Alert) {
	level := slog.LevelInfo
	switch a.Type {
	case model.AlertSuspiciousActivity, model.AlertOwnershipMismatch, model.AlertGeofenceAutoLock:
		level = slog.LevelWarn
	}
	attrs := []any{
		"type", string(a.Type),
		"device_id", a.DeviceID,
		"owner_id", a.OwnerID,
	}
	if a.GeofenceID != "" {
		attrs = append(attrs, "geofence_id", a.GeofenceID, "geofence", a.GeofenceName)
	}
	s.logger.Log(ctx, level, a.Message, attrs...)
}

// MemorySink keeps alerts in memory for inspection.
type MemorySink struct {
	mu     sync.Mutex
	alerts []model.Alert
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, a model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

// Alerts returns a copy of everything emitted so far.
func (s *MemorySink) Alerts() []model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// OfType returns the emitted alerts of type t.
func (s *MemorySink) OfType(t model.AlertType) []model.Alert {
	var out []model.Alert
	for _, a := range s.Alerts() {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// Fanout forwards each alert to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, a model.Alert) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, a)
		}
	}
}

// Discard drops every alert.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(context.Context, model.Alert) {}
