package model

import "time"

// DeviceView hides the ownership fingerprint when returning devices to
// clients.
type DeviceView struct {
	DeviceID     string    `json:"deviceId"`
	OwnerID      string    `json:"ownerId"`
	Name         string    `json:"name"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"lastSeen"`
	BatteryLevel *float64  `json:"batteryLevel,omitempty"`
	CPUUsage     *float64  `json:"cpuUsage,omitempty"`
	MemoryUsage  *float64  `json:"memoryUsage,omitempty"`
	DiskUsage    *float64  `json:"diskUsage,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Address      *string   `json:"address,omitempty"`
	Locked       bool      `json:"locked"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// View builds the client-facing projection of d.
func (d *Device) View() *DeviceView {
	if d == nil {
		return nil
	}
	c := d.Clone()
	return &DeviceView{
		DeviceID:     c.DeviceID,
		OwnerID:      c.OwnerID,
		Name:         c.Name,
		Online:       c.Online,
		LastSeen:     c.LastSeen,
		BatteryLevel: c.BatteryLevel,
		CPUUsage:     c.CPUUsage,
		MemoryUsage:  c.MemoryUsage,
		DiskUsage:    c.DiskUsage,
		Latitude:     c.Latitude,
		Longitude:    c.Longitude,
		Address:      c.Address,
		Locked:       c.Locked,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}
