package storage

import (
	"context"

	"github.com/lapso-labs/lapso-coordinator/internal/model"
)

// DeviceStore persists devices and their ownership bindings.
type DeviceStore interface {
	// RegisterDevice creates device if its ID is unused and returns
	// ErrAlreadyExists otherwise. The check and the write are atomic.
	RegisterDevice(ctx context.Context, device *model.Device) error
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	// UpdateDevice replaces the stored telemetry of an existing device.
	// The owner and fingerprint of the stored record are never changed.
	UpdateDevice(ctx context.Context, device *model.Device) error
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]*model.Device, error)
}

// GeofenceStore persists owner-scoped geofences.
type GeofenceStore interface {
	CreateGeofence(ctx context.Context, fence *model.Geofence) error
	GetGeofence(ctx context.Context, id string) (*model.Geofence, error)
	UpdateGeofence(ctx context.Context, fence *model.Geofence) error
	DeleteGeofence(ctx context.Context, id string) error
	ListGeofences(ctx context.Context, ownerID string, activeOnly bool) ([]*model.Geofence, error)
}

// CommandStore persists per-device command queues.
type CommandStore interface {
	// CreateCommand stores cmd and assigns its Seq.
	CreateCommand(ctx context.Context, cmd *model.Command) error
	GetCommand(ctx context.Context, id string) (*model.Command, error)
	UpdateCommand(ctx context.Context, cmd *model.Command) error
	// UpdateCommands overwrites every command in cmds, or none of them.
	UpdateCommands(ctx context.Context, cmds []*model.Command) error
	// ListCommands returns a device's commands in ascending Seq order.
	ListCommands(ctx context.Context, deviceID string) ([]*model.Command, error)
	DeleteCommands(ctx context.Context, deviceID string, ids []string) error
	ListCommandDevices(ctx context.Context) ([]string, error)
}

// Store abstracts coordinator persistence.
type Store interface {
	DeviceStore
	GeofenceStore
	CommandStore
	Close() error
}
