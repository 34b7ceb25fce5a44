package model

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Geofence is an owner-scoped circular region.
type Geofence struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	CenterLatitude  float64   `json:"centerLatitude"`
	CenterLongitude float64   `json:"centerLongitude"`
	RadiusMeters    float64   `json:"radiusMeters"`
	Active          bool      `json:"active"`
	AlertOnEntry    bool      `json:"alertOnEntry"`
	AlertOnExit     bool      `json:"alertOnExit"`
	AutoLockOnExit  bool      `json:"autoLockOnExit"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Validate checks the region's geometry and name.
func (g *Geofence) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return errors.New("name is required")
	}
	if math.IsNaN(g.RadiusMeters) || g.RadiusMeters <= 0 || math.IsInf(g.RadiusMeters, 0) {
		return errors.New("radiusMeters must be positive")
	}
	if math.IsNaN(g.CenterLatitude) || g.CenterLatitude < -90 || g.CenterLatitude > 90 {
		return errors.New("centerLatitude must be within [-90, 90]")
	}
	if math.IsNaN(g.CenterLongitude) || g.CenterLongitude < -180 || g.CenterLongitude > 180 {
		return errors.New("centerLongitude must be within [-180, 180]")
	}
	return nil
}

// GeofenceRef names a fence in status responses.
type GeofenceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GeofenceStatus is the current containment set of a device.
type GeofenceStatus struct {
	DeviceID     string        `json:"deviceId"`
	HasLocation  bool          `json:"hasLocation"`
	Location     *Location     `json:"location,omitempty"`
	Inside       []GeofenceRef `json:"inside"`
	ActiveFences int           `json:"activeFences"`
	EvaluatedAt  time.Time     `json:"evaluatedAt"`
}
