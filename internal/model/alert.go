package model

import "time"

// AlertType classifies events handed to the alert sink.
type AlertType string

const (
	AlertGeofenceEntry      AlertType = "GEOFENCE_ENTRY"
	AlertGeofenceExit       AlertType = "GEOFENCE_EXIT"
	AlertGeofenceAutoLock   AlertType = "GEOFENCE_AUTO_LOCK"
	AlertSuspiciousActivity AlertType = "SUSPICIOUS_ACTIVITY"
	AlertOwnershipMismatch  AlertType = "OWNERSHIP_MISMATCH"
)

// Alert is a geofence or security event.
type Alert struct {
	Type         AlertType `json:"type"`
	DeviceID     string    `json:"deviceId"`
	OwnerID      string    `json:"ownerId,omitempty"`
	GeofenceID   string    `json:"geofenceId,omitempty"`
	GeofenceName string    `json:"geofenceName,omitempty"`
	Message      string    `json:"message"`
	Location     *Location `json:"location,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
