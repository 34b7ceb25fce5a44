package model

import "time"

// Device is a tracked laptop or phone together with its ownership binding
// and the last telemetry its agent reported.
//
// Optional telemetry fields are pointers: nil means "never reported",
// which is distinct from a reported zero.
type Device struct {
	DeviceID        string    `json:"deviceId"`
	OwnerID         string    `json:"ownerId"`
	Name            string    `json:"name"`
	FingerprintHash string    `json:"fingerprintHash,omitempty"`
	Online          bool      `json:"online"`
	LastSeen        time.Time `json:"lastSeen"`
	BatteryLevel    *float64  `json:"batteryLevel,omitempty"`
	CPUUsage        *float64  `json:"cpuUsage,omitempty"`
	MemoryUsage     *float64  `json:"memoryUsage,omitempty"`
	DiskUsage       *float64  `json:"diskUsage,omitempty"`
	Latitude        *float64  `json:"latitude,omitempty"`
	Longitude       *float64  `json:"longitude,omitempty"`
	Address         *string   `json:"address,omitempty"`
	Locked          bool      `json:"locked"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Location returns the last known position, or nil when the device has
// never reported both coordinates.
func (d *Device) Location() *Location {
	if d == nil || d.Latitude == nil || d.Longitude == nil {
		return nil
	}
	return &Location{Latitude: *d.Latitude, Longitude: *d.Longitude}
}

// Clone returns a deep copy so callers can mutate the result freely.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	c.BatteryLevel = clonePtr(d.BatteryLevel)
	c.CPUUsage = clonePtr(d.CPUUsage)
	c.MemoryUsage = clonePtr(d.MemoryUsage)
	c.DiskUsage = clonePtr(d.DiskUsage)
	c.Latitude = clonePtr(d.Latitude)
	c.Longitude = clonePtr(d.Longitude)
	c.Address = clonePtr(d.Address)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
