package service

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every operation. Transport adapters map these
// to status codes; messages never reveal which ownership check failed.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrSuspiciousActivity = errors.New("suspicious activity")
	ErrUnknownDevice      = errors.New("unknown device")
	ErrCommandNotFound    = errors.New("command not found")
	ErrGeofenceNotFound   = errors.New("geofence not found")
)

// ValidationError reports a malformed or missing request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
