package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/crypto"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/storage"
)

// Binding is the immutable device-to-owner association recorded at first
// registration.
type Binding struct {
	DeviceID        string
	OwnerID         string
	FingerprintHash string
}

// Registration creates a device together with its binding.
type Registration struct {
	Binding
	Name string
}

// Directory is the authoritative source of ownership bindings.
type Directory interface {
	// Lookup returns storage.ErrNotFound for unknown devices.
	Lookup(ctx context.Context, deviceID string) (Binding, error)
	// Register returns storage.ErrAlreadyExists when the ID is taken.
	Register(ctx context.Context, reg Registration) error
}

// StoreDirectory serves bindings from a DeviceStore.
type StoreDirectory struct {
	store storage.DeviceStore
	clock clock.Clock
}

// NewStoreDirectory adapts store to a Directory.
func NewStoreDirectory(store storage.DeviceStore, clk clock.Clock) *StoreDirectory {
	if clk == nil {
		clk = clock.Real()
	}
	return &StoreDirectory{store: store, clock: clk}
}

func (d *StoreDirectory) Lookup(ctx context.Context, deviceID string) (Binding, error) {
	device, err := d.store.GetDevice(ctx, deviceID)
	if err != nil {
		return Binding{}, err
	}
	return Binding{
		DeviceID:        device.DeviceID,
		OwnerID:         device.OwnerID,
		FingerprintHash: device.FingerprintHash,
	}, nil
}

func (d *StoreDirectory) Register(ctx context.Context, reg Registration) error {
	now := d.clock.Now()
	return d.store.RegisterDevice(ctx, &model.Device{
		DeviceID:        reg.DeviceID,
		OwnerID:         reg.OwnerID,
		Name:            reg.Name,
		FingerprintHash: reg.FingerprintHash,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
}

// Claim is the identity a request asserts.
type Claim struct {
	DeviceID    string
	OwnerID     string
	Fingerprint string
	// DeviceName marks the claim as a registration request when the device
	// is not yet known.
	DeviceName string
	Origin     string
}

// Decision is the outcome class of an ownership check.
type Decision int

const (
	Authorized Decision = iota
	Unauthorized
	UnknownDevice
)

func (d Decision) String() string {
	switch d {
	case Authorized:
		return "authorized"
	case Unauthorized:
		return "unauthorized"
	case UnknownDevice:
		return "unknown_device"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Outcome is the result of an ownership check. Reason is for logs only.
type Outcome struct {
	Decision   Decision
	Reason     string
	Registered bool
	Binding    Binding
}

// Err maps the outcome onto the error taxonomy.
func (o Outcome) Err() error {
	switch o.Decision {
	case Authorized:
		return nil
	case UnknownDevice:
		return ErrUnknownDevice
	}
	return ErrUnauthorized
}

// ViolationReporter receives rejected ownership claims.
type ViolationReporter interface {
	ReportViolation(ctx context.Context, claim Claim, binding Binding, reason string)
}

// Guard checks claimed identities against the Directory. Every check fails
// closed: lookup errors and timeouts are Unauthorized.
type Guard struct {
	dir      Directory
	reporter ViolationReporter
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGuard builds a Guard. timeout bounds each directory call.
func NewGuard(dir Directory, reporter ViolationReporter, timeout time.Duration, logger *slog.Logger) *Guard {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{dir: dir, reporter: reporter, timeout: timeout, logger: logger}
}

// Admit authorizes a telemetry request. A never-seen device carrying
// registration fields (owner and device name) is registered on the spot
// and bound to the claimed owner and fingerprint.
func (g *Guard) Admit(ctx context.Context, claim Claim) Outcome {
	return g.check(ctx, claim, true)
}

// Verify authorizes an agent request for an already registered device.
func (g *Guard) Verify(ctx context.Context, claim Claim) Outcome {
	return g.check(ctx, claim, false)
}

// VerifyOwner authorizes an administrator acting on deviceID. Unknown
// devices are reported as Unauthorized so device IDs are not revealed.
func (g *Guard) VerifyOwner(ctx context.Context, deviceID, ownerID string) Outcome {
	if strings.TrimSpace(ownerID) == "" {
		return Outcome{Decision: Unauthorized, Reason: "missing owner"}
	}
	binding, err := g.lookup(ctx, deviceID)
	if err != nil {
		reason := "lookup failed"
		if errors.Is(err, storage.ErrNotFound) {
			reason = "unknown device"
		}
		return Outcome{Decision: Unauthorized, Reason: reason}
	}
	if !equalFold(binding.OwnerID, ownerID) {
		claim := Claim{DeviceID: deviceID, OwnerID: ownerID}
		g.reject(ctx, claim, binding, "owner mismatch")
		return Outcome{Decision: Unauthorized, Reason: "owner mismatch", Binding: binding}
	}
	return Outcome{Decision: Authorized, Binding: binding}
}

func (g *Guard) check(ctx context.Context, claim Claim, allowRegister bool) Outcome {
	if strings.TrimSpace(claim.DeviceID) == "" {
		return Outcome{Decision: Unauthorized, Reason: "missing device id"}
	}
	binding, err := g.lookup(ctx, claim.DeviceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if !allowRegister || !claim.canRegister() {
			return Outcome{Decision: UnknownDevice, Reason: "no binding"}
		}
		return g.register(ctx, claim)
	case err != nil:
		g.logger.Warn("ownership lookup failed, rejecting",
			"device_id", claim.DeviceID,
			"error", err,
		)
		return Outcome{Decision: Unauthorized, Reason: "lookup failed"}
	}
	return g.compare(ctx, claim, binding)
}

func (g *Guard) register(ctx context.Context, claim Claim) Outcome {
	reg := Registration{
		Binding: Binding{
			DeviceID:        claim.DeviceID,
			OwnerID:         normalizeOwner(claim.OwnerID),
			FingerprintHash: crypto.HashFingerprint(claim.Fingerprint),
		},
		Name: strings.TrimSpace(claim.DeviceName),
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	err := g.dir.Register(rctx, reg)
	cancel()
	switch {
	case err == nil:
		g.logger.Info("device registered",
			"device_id", claim.DeviceID,
			"owner_id", claim.OwnerID,
			"fingerprint_bound", reg.FingerprintHash != "",
		)
		return Outcome{Decision: Authorized, Registered: true, Binding: reg.Binding}
	case errors.Is(err, storage.ErrAlreadyExists):
		// Lost a registration race; the winner's binding decides.
		binding, lerr := g.lookup(ctx, claim.DeviceID)
		if lerr != nil {
			return Outcome{Decision: Unauthorized, Reason: "lookup failed"}
		}
		return g.compare(ctx, claim, binding)
	default:
		g.logger.Error("device registration failed",
			"device_id", claim.DeviceID,
			"error", err,
		)
		return Outcome{Decision: Unauthorized, Reason: "registration failed"}
	}
}

func (g *Guard) compare(ctx context.Context, claim Claim, binding Binding) Outcome {
	fingerprintOK := binding.FingerprintHash == "" ||
		crypto.MatchFingerprint(binding.FingerprintHash, claim.Fingerprint)

	var reason string
	switch {
	case claim.OwnerID == "" && binding.FingerprintHash == "":
		reason = "missing owner"
	case claim.OwnerID != "" && !equalFold(binding.OwnerID, claim.OwnerID):
		reason = "owner mismatch"
	case !fingerprintOK:
		reason = "fingerprint mismatch"
	}
	if reason != "" {
		g.reject(ctx, claim, binding, reason)
		return Outcome{Decision: Unauthorized, Reason: reason, Binding: binding}
	}
	return Outcome{Decision: Authorized, Binding: binding}
}

func (g *Guard) reject(ctx context.Context, claim Claim, binding Binding, reason string) {
	g.logger.Warn("ownership check rejected",
		"device_id", claim.DeviceID,
		"claimed_owner", claim.OwnerID,
		"origin", claim.Origin,
		"reason", reason,
	)
	if g.reporter != nil {
		g.reporter.ReportViolation(ctx, claim, binding, reason)
	}
}

func (g *Guard) lookup(ctx context.Context, deviceID string) (Binding, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.dir.Lookup(ctx, deviceID)
}

func (c Claim) canRegister() bool {
	return strings.TrimSpace(c.OwnerID) != "" && strings.TrimSpace(c.DeviceName) != ""
}

// normalizeOwner is the stored form of an owner identity.
func normalizeOwner(ownerID string) string {
	return strings.ToLower(strings.TrimSpace(ownerID))
}

// equalFold compares owner identities case-insensitively in constant time
// with respect to their contents.
func equalFold(a, b string) bool {
	a, b = normalizeOwner(a), normalizeOwner(b)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
