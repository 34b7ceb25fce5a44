package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lapso-labs/lapso-coordinator/internal/alert"
	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/metrics"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/ratelimit"
)

// SecurityMonitor applies the per-device frequency limit and abuse
// detection, and turns security events into alerts.
type SecurityMonitor struct {
	limiter  *ratelimit.Limiter
	detector *ratelimit.Detector
	alerts   alert.Sink
	clock    clock.Clock
	logger   *slog.Logger
}

var _ ViolationReporter = (*SecurityMonitor)(nil)

// NewSecurityMonitor wires the limiter and detector to an alert sink.
func NewSecurityMonitor(limiter *ratelimit.Limiter, detector *ratelimit.Detector, alerts alert.Sink, clk clock.Clock, logger *slog.Logger) *SecurityMonitor {
	if alerts == nil {
		alerts = alert.Discard
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityMonitor{
		limiter:  limiter,
		detector: detector,
		alerts:   alerts,
		clock:    clk,
		logger:   logger,
	}
}

// Check records one request from origin and returns ErrRateLimited or
// ErrSuspiciousActivity when it must be rejected. ownerID is only used to
// address the alert raised when the device is first flagged.
func (m *SecurityMonitor) Check(ctx context.Context, deviceID, ownerID, origin string) error {
	if !m.limiter.Allow(deviceID) {
		m.logger.Debug("rate limit exceeded", "device_id", deviceID, "origin", origin)
		return ErrRateLimited
	}
	v := m.detector.Observe(deviceID, origin)
	if v.Flagged {
		metrics.SecurityEvents.WithLabelValues("suspicious_activity").Inc()
		m.logger.Warn("suspicious device activity",
			"device_id", deviceID,
			"origins", v.Origins,
			"requests", v.Requests,
		)
		m.alerts.Emit(ctx, model.Alert{
			Type:      model.AlertSuspiciousActivity,
			DeviceID:  deviceID,
			OwnerID:   ownerID,
			Message:   fmt.Sprintf("device reported from %d origins with %d requests in one period", v.Origins, v.Requests),
			Timestamp: m.clock.Now(),
		})
	}
	if v.Suspicious {
		return ErrSuspiciousActivity
	}
	return nil
}

// ReportViolation records a rejected ownership claim. The alert is
// addressed to the bound owner, never to the claimant.
func (m *SecurityMonitor) ReportViolation(ctx context.Context, claim Claim, binding Binding, reason string) {
	n := m.detector.RecordViolation(claim.DeviceID)
	metrics.SecurityEvents.WithLabelValues("ownership_mismatch").Inc()
	m.alerts.Emit(ctx, model.Alert{
		Type:      model.AlertOwnershipMismatch,
		DeviceID:  claim.DeviceID,
		OwnerID:   binding.OwnerID,
		Message:   fmt.Sprintf("rejected request with mismatched ownership claim (%d this period)", n),
		Timestamp: m.clock.Now(),
	})
}

// Evict drops limiter and detector state idle for longer than idle.
func (m *SecurityMonitor) Evict(idle time.Duration) int {
	return m.limiter.Evict(idle) + m.detector.Evict(idle)
}
