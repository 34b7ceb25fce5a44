package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/lapso-labs/lapso-coordinator/internal/alert"
	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/geo"
	"github.com/lapso-labs/lapso-coordinator/internal/metrics"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/storage"
)

// LockIssuer enqueues the LOCK command raised by an auto-lock fence.
type LockIssuer interface {
	IssueAutoLock(ctx context.Context, deviceID, ownerID string, fence *model.Geofence) (*model.Command, error)
}

// GeofenceEvent is a transition the evaluator reported.
type GeofenceEvent struct {
	Type     model.AlertType
	Geofence *model.Geofence
	// Command is the LOCK issued for an auto-lock exit, if any.
	Command *model.Command
}

// GeofenceService manages owner-scoped fences and evaluates device
// movement against them.
type GeofenceService struct {
	store   storage.GeofenceStore
	devices storage.DeviceStore
	guard   *Guard
	locks   LockIssuer
	alerts  alert.Sink
	clock   clock.Clock
	logger  *slog.Logger
}

// NewGeofenceService wires the evaluator. locks may be nil, in which case
// auto-lock fences only raise alerts.
func NewGeofenceService(store storage.GeofenceStore, devices storage.DeviceStore, guard *Guard, locks LockIssuer, alerts alert.Sink, clk clock.Clock, logger *slog.Logger) *GeofenceService {
	if alerts == nil {
		alerts = alert.Discard
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeofenceService{
		store:   store,
		devices: devices,
		guard:   guard,
		locks:   locks,
		alerts:  alerts,
		clock:   clk,
		logger:  logger,
	}
}

// Evaluate compares prev and cur against ownerID's active fences and
// emits the resulting entry and exit events. A nil cur is a no-op; a nil
// prev counts as outside every fence, so a first fix never exits.
func (s *GeofenceService) Evaluate(ctx context.Context, ownerID, deviceID string, prev, cur *model.Location) ([]GeofenceEvent, error) {
	if cur == nil {
		return nil, nil
	}
	fences, err := s.store.ListGeofences(ctx, normalizeOwner(ownerID), true)
	if err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}

	now := s.clock.Now()
	curPoint := toPoint(cur)
	var events []GeofenceEvent
	for _, fence := range fences {
		center := geo.Point{Latitude: fence.CenterLatitude, Longitude: fence.CenterLongitude}
		wasInside := prev != nil && geo.Contains(center, fence.RadiusMeters, toPoint(prev))
		isInside := geo.Contains(center, fence.RadiusMeters, curPoint)

		switch {
		case !wasInside && isInside:
			if !fence.AlertOnEntry {
				continue
			}
			metrics.GeofenceEvents.WithLabelValues("entry").Inc()
			s.alerts.Emit(ctx, model.Alert{
				Type:         model.AlertGeofenceEntry,
				DeviceID:     deviceID,
				OwnerID:      ownerID,
				GeofenceID:   fence.ID,
				GeofenceName: fence.Name,
				Message:      fmt.Sprintf("device entered %s", fence.Name),
				Location:     cur,
				Timestamp:    now,
			})
			events = append(events, GeofenceEvent{Type: model.AlertGeofenceEntry, Geofence: fence})

		case wasInside && !isInside:
			ev, ok := s.exit(ctx, ownerID, deviceID, fence, cur)
			if ok {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func (s *GeofenceService) exit(ctx context.Context, ownerID, deviceID string, fence *model.Geofence, cur *model.Location) (GeofenceEvent, bool) {
	if !fence.AlertOnExit && !fence.AutoLockOnExit {
		return GeofenceEvent{}, false
	}
	now := s.clock.Now()
	ev := GeofenceEvent{Type: model.AlertGeofenceExit, Geofence: fence}
	metrics.GeofenceEvents.WithLabelValues("exit").Inc()
	if fence.AlertOnExit {
		s.alerts.Emit(ctx, model.Alert{
			Type:         model.AlertGeofenceExit,
			DeviceID:     deviceID,
			OwnerID:      ownerID,
			GeofenceID:   fence.ID,
			GeofenceName: fence.Name,
			Message:      fmt.Sprintf("device left %s", fence.Name),
			Location:     cur,
			Timestamp:    now,
		})
	}
	if fence.AutoLockOnExit && s.locks != nil {
		cmd, err := s.locks.IssueAutoLock(ctx, deviceID, ownerID, fence)
		if err != nil {
			s.logger.Error("auto-lock enqueue failed",
				"device_id", deviceID,
				"geofence_id", fence.ID,
				"error", err,
			)
			return ev, true
		}
		ev.Command = cmd
		metrics.GeofenceEvents.WithLabelValues("auto_lock").Inc()
		s.alerts.Emit(ctx, model.Alert{
			Type:         model.AlertGeofenceAutoLock,
			DeviceID:     deviceID,
			OwnerID:      ownerID,
			GeofenceID:   fence.ID,
			GeofenceName: fence.Name,
			Message:      fmt.Sprintf("device left %s and was sent a lock command", fence.Name),
			Location:     cur,
			Timestamp:    now,
		})
	}
	return ev, true
}

// Status reports which active fences currently contain the device.
func (s *GeofenceService) Status(ctx context.Context, ownerID, deviceID string) (*model.GeofenceStatus, error) {
	if out := s.guard.VerifyOwner(ctx, deviceID, ownerID); out.Decision != Authorized {
		return nil, out.Err()
	}
	device, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	fences, err := s.store.ListGeofences(ctx, normalizeOwner(device.OwnerID), true)
	if err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}

	status := &model.GeofenceStatus{
		DeviceID:     deviceID,
		Inside:       []model.GeofenceRef{},
		ActiveFences: len(fences),
		EvaluatedAt:  s.clock.Now(),
	}
	loc := device.Location()
	if loc == nil {
		return status, nil
	}
	status.HasLocation = true
	status.Location = loc
	p := toPoint(loc)
	for _, fence := range fences {
		center := geo.Point{Latitude: fence.CenterLatitude, Longitude: fence.CenterLongitude}
		if geo.Contains(center, fence.RadiusMeters, p) {
			status.Inside = append(status.Inside, model.GeofenceRef{ID: fence.ID, Name: fence.Name})
		}
	}
	return status, nil
}

// GeofenceInput carries create and update fields. On update nil fields
// are left unchanged.
type GeofenceInput struct {
	Name            *string  `json:"name"`
	Description     *string  `json:"description"`
	CenterLatitude  *float64 `json:"centerLatitude"`
	CenterLongitude *float64 `json:"centerLongitude"`
	RadiusMeters    *float64 `json:"radiusMeters"`
	Active          *bool    `json:"active"`
	AlertOnEntry    *bool    `json:"alertOnEntry"`
	AlertOnExit     *bool    `json:"alertOnExit"`
	AutoLockOnExit  *bool    `json:"autoLockOnExit"`
}

// Create stores a new fence for ownerID. Unset flags default to an
// active fence that alerts on exit only.
func (s *GeofenceService) Create(ctx context.Context, ownerID string, in GeofenceInput) (*model.Geofence, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrUnauthorized
	}
	if in.CenterLatitude == nil || in.CenterLongitude == nil {
		return nil, invalid("center", "centerLatitude and centerLongitude are required")
	}
	if in.RadiusMeters == nil {
		return nil, invalid("radiusMeters", "is required")
	}
	now := s.clock.Now()
	fence := &model.Geofence{
		ID:          uuid.NewString(),
		OwnerID:     normalizeOwner(ownerID),
		Active:      true,
		AlertOnExit: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	in.apply(fence)
	if err := fence.Validate(); err != nil {
		return nil, &ValidationError{Field: "geofence", Reason: err.Error()}
	}
	if err := s.store.CreateGeofence(ctx, fence); err != nil {
		return nil, fmt.Errorf("store geofence: %w", err)
	}
	s.logger.Info("geofence created",
		"geofence_id", fence.ID,
		"owner_id", ownerID,
		"radius_m", fence.RadiusMeters,
	)
	return fence, nil
}

// Get returns one of ownerID's fences.
func (s *GeofenceService) Get(ctx context.Context, ownerID, id string) (*model.Geofence, error) {
	fence, err := s.store.GetGeofence(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrGeofenceNotFound
	}
	if err != nil {
		return nil, err
	}
	if !equalFold(fence.OwnerID, ownerID) {
		return nil, ErrGeofenceNotFound
	}
	return fence, nil
}

// List returns ownerID's fences, oldest first.
func (s *GeofenceService) List(ctx context.Context, ownerID string, activeOnly bool) ([]*model.Geofence, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrUnauthorized
	}
	fences, err := s.store.ListGeofences(ctx, normalizeOwner(ownerID), activeOnly)
	if err != nil {
		return nil, err
	}
	if fences == nil {
		fences = []*model.Geofence{}
	}
	return fences, nil
}

// Update applies the present fields of in.
func (s *GeofenceService) Update(ctx context.Context, ownerID, id string, in GeofenceInput) (*model.Geofence, error) {
	fence, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	in.apply(fence)
	if err := fence.Validate(); err != nil {
		return nil, &ValidationError{Field: "geofence", Reason: err.Error()}
	}
	fence.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateGeofence(ctx, fence); err != nil {
		return nil, fmt.Errorf("update geofence: %w", err)
	}
	return fence, nil
}

// Toggle flips the active flag.
func (s *GeofenceService) Toggle(ctx context.Context, ownerID, id string) (*model.Geofence, error) {
	fence, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	fence.Active = !fence.Active
	fence.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateGeofence(ctx, fence); err != nil {
		return nil, fmt.Errorf("update geofence: %w", err)
	}
	s.logger.Info("geofence toggled", "geofence_id", id, "active", fence.Active)
	return fence, nil
}

// Delete removes one of ownerID's fences.
func (s *GeofenceService) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteGeofence(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrGeofenceNotFound
		}
		return err
	}
	s.logger.Info("geofence deleted", "geofence_id", id, "owner_id", ownerID)
	return nil
}

func (in GeofenceInput) apply(f *model.Geofence) {
	if in.Name != nil {
		f.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		f.Description = *in.Description
	}
	if in.CenterLatitude != nil {
		f.CenterLatitude = *in.CenterLatitude
	}
	if in.CenterLongitude != nil {
		f.CenterLongitude = *in.CenterLongitude
	}
	if in.RadiusMeters != nil {
		f.RadiusMeters = *in.RadiusMeters
	}
	if in.Active != nil {
		f.Active = *in.Active
	}
	if in.AlertOnEntry != nil {
		f.AlertOnEntry = *in.AlertOnEntry
	}
	if in.AlertOnExit != nil {
		f.AlertOnExit = *in.AlertOnExit
	}
	if in.AutoLockOnExit != nil {
		f.AutoLockOnExit = *in.AutoLockOnExit
	}
}

func toPoint(l *model.Location) geo.Point {
	return geo.Point{Latitude: l.Latitude, Longitude: l.Longitude}
}
