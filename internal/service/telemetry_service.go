package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/metrics"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/storage"
)

// TelemetryFields is a sparse telemetry update. Nil fields are absent and
// leave the stored value untouched.
type TelemetryFields struct {
	BatteryLevel *float64 `json:"batteryLevel"`
	CPUUsage     *float64 `json:"cpuUsage"`
	MemoryUsage  *float64 `json:"memoryUsage"`
	DiskUsage    *float64 `json:"diskUsage"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Address      *string  `json:"address"`
}

// IngestRequest is one agent report.
type IngestRequest struct {
	DeviceID    string
	OwnerID     string
	Fingerprint string
	// DeviceName registers a never-seen device under OwnerID.
	DeviceName string
	Origin     string
	Fields     TelemetryFields
}

// Evaluator receives location changes from accepted telemetry.
type Evaluator interface {
	Evaluate(ctx context.Context, ownerID, deviceID string, prev, cur *model.Location) ([]GeofenceEvent, error)
}

// TelemetryService is the ingestion gateway for agent telemetry.
type TelemetryService struct {
	devices   storage.DeviceStore
	guard     *Guard
	monitor   *SecurityMonitor
	evaluator Evaluator
	locks     *DeviceLocks
	clock     clock.Clock
	logger    *slog.Logger
}

// NewTelemetryService builds the gateway. locks must be the same table the
// command service uses for device records.
func NewTelemetryService(devices storage.DeviceStore, guard *Guard, monitor *SecurityMonitor, evaluator Evaluator, locks *DeviceLocks, clk clock.Clock, logger *slog.Logger) *TelemetryService {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelemetryService{
		devices:   devices,
		guard:     guard,
		monitor:   monitor,
		evaluator: evaluator,
		locks:     locks,
		clock:     clk,
		logger:    logger,
	}
}

// Ingest authorizes, rate-limits and merges one report, then evaluates
// geofences when it carried a location. It returns the merged snapshot.
func (s *TelemetryService) Ingest(ctx context.Context, req IngestRequest) (*model.DeviceView, error) {
	if err := req.Fields.validate(); err != nil {
		metrics.TelemetryIngest.WithLabelValues("invalid").Inc()
		return nil, err
	}

	claim := Claim{
		DeviceID:    req.DeviceID,
		OwnerID:     req.OwnerID,
		Fingerprint: req.Fingerprint,
		DeviceName:  req.DeviceName,
		Origin:      req.Origin,
	}
	out := s.guard.Admit(ctx, claim)
	if out.Decision != Authorized {
		metrics.TelemetryIngest.WithLabelValues(out.Decision.String()).Inc()
		return nil, out.Err()
	}
	if err := s.monitor.Check(ctx, req.DeviceID, out.Binding.OwnerID, req.Origin); err != nil {
		label := "rate_limited"
		if errors.Is(err, ErrSuspiciousActivity) {
			label = "suspicious"
		}
		metrics.TelemetryIngest.WithLabelValues(label).Inc()
		return nil, err
	}

	unlock := s.locks.Lock(req.DeviceID)
	defer unlock()

	device, err := s.devices.GetDevice(ctx, req.DeviceID)
	if err != nil {
		metrics.TelemetryIngest.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load device: %w", err)
	}
	prev := device.Location()

	now := s.clock.Now()
	req.Fields.merge(device)
	device.Online = true
	device.LastSeen = now
	device.UpdatedAt = now
	if err := s.devices.UpdateDevice(ctx, device); err != nil {
		metrics.TelemetryIngest.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("store telemetry: %w", err)
	}
	metrics.TelemetryIngest.WithLabelValues("accepted").Inc()

	if req.Fields.hasLocation() && s.evaluator != nil {
		if _, err := s.evaluator.Evaluate(ctx, device.OwnerID, device.DeviceID, prev, device.Location()); err != nil {
			s.logger.Error("geofence evaluation failed",
				"device_id", device.DeviceID,
				"error", err,
			)
		}
	}
	return device.View(), nil
}

// Snapshot returns ownerID's view of a device.
func (s *TelemetryService) Snapshot(ctx context.Context, ownerID, deviceID string) (*model.DeviceView, error) {
	if out := s.guard.VerifyOwner(ctx, deviceID, ownerID); out.Decision != Authorized {
		return nil, out.Err()
	}
	device, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return device.View(), nil
}

// ListDevices returns every device bound to ownerID.
func (s *TelemetryService) ListDevices(ctx context.Context, ownerID string) ([]*model.DeviceView, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrUnauthorized
	}
	devices, err := s.devices.ListDevicesByOwner(ctx, normalizeOwner(ownerID))
	if err != nil {
		return nil, err
	}
	views := make([]*model.DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, d.View())
	}
	return views, nil
}

func (f TelemetryFields) validate() error {
	for _, p := range []struct {
		name string
		v    *float64
	}{
		{"batteryLevel", f.BatteryLevel},
		{"cpuUsage", f.CPUUsage},
		{"memoryUsage", f.MemoryUsage},
		{"diskUsage", f.DiskUsage},
	} {
		if p.v != nil && (math.IsNaN(*p.v) || *p.v < 0 || *p.v > 100) {
			return invalid(p.name, "must be within [0, 100]")
		}
	}
	if (f.Latitude == nil) != (f.Longitude == nil) {
		return invalid("location", "latitude and longitude must be reported together")
	}
	if f.Latitude != nil {
		if math.IsNaN(*f.Latitude) || *f.Latitude < -90 || *f.Latitude > 90 {
			return invalid("latitude", "must be within [-90, 90]")
		}
		if math.IsNaN(*f.Longitude) || *f.Longitude < -180 || *f.Longitude > 180 {
			return invalid("longitude", "must be within [-180, 180]")
		}
	}
	return nil
}

func (f TelemetryFields) hasLocation() bool {
	return f.Latitude != nil && f.Longitude != nil
}

func (f TelemetryFields) merge(d *model.Device) {
	if f.BatteryLevel != nil {
		d.BatteryLevel = ptr(*f.BatteryLevel)
	}
	if f.CPUUsage != nil {
		d.CPUUsage = ptr(*f.CPUUsage)
	}
	if f.MemoryUsage != nil {
		d.MemoryUsage = ptr(*f.MemoryUsage)
	}
	if f.DiskUsage != nil {
		d.DiskUsage = ptr(*f.DiskUsage)
	}
	if f.hasLocation() {
		d.Latitude = ptr(*f.Latitude)
		d.Longitude = ptr(*f.Longitude)
	}
	if f.Address != nil {
		d.Address = ptr(*f.Address)
	}
}

func ptr[T any](v T) *T {
	return &v
}
