package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lapso-labs/lapso-coordinator/internal/clock"
	"github.com/lapso-labs/lapso-coordinator/internal/metrics"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/storage"
)

// CommandConfig holds queue defaults.
type CommandConfig struct {
	DefaultTTL time.Duration
	// MaxTTL bounds the lifetime an administrator may request.
	MaxTTL          time.Duration
	DefaultPriority int
	DefaultBatch    int
	MaxBatch        int
}

// AutoLockPriority is the priority of LOCK commands raised by geofence
// exits.
const AutoLockPriority = 9

// DefaultMaxTTL is the lifetime cap used when none is configured.
const DefaultMaxTTL = 365 * 24 * time.Hour

// CommandService is the per-device command dispatch queue.
//
// Lifecycle: PENDING -> SENT -> COMPLETED | FAILED, and PENDING | SENT ->
// EXPIRED once ExpiresAt passes. Expiry is applied lazily whenever a
// device's queue is read. Every read-modify-write of a queue runs under
// that device's queue lock, so two pollers never receive the same command.
type CommandService struct {
	store   storage.CommandStore
	devices storage.DeviceStore
	guard   *Guard
	queues  *DeviceLocks
	records *DeviceLocks
	cfg     CommandConfig
	clock   clock.Clock
	logger  *slog.Logger
}

// NewCommandService builds the queue. records must be the lock table that
// guards device records for telemetry ingest.
func NewCommandService(store storage.CommandStore, devices storage.DeviceStore, guard *Guard, records *DeviceLocks, cfg CommandConfig, shards int, clk clock.Clock, logger *slog.Logger) *CommandService {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = max(cfg.DefaultTTL, DefaultMaxTTL)
	}
	if cfg.DefaultPriority < model.MinPriority || cfg.DefaultPriority > model.MaxPriority {
		cfg.DefaultPriority = 5
	}
	if cfg.DefaultBatch <= 0 {
		cfg.DefaultBatch = 10
	}
	if cfg.MaxBatch < cfg.DefaultBatch {
		cfg.MaxBatch = cfg.DefaultBatch
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if records == nil {
		records = NewDeviceLocks(shards)
	}
	return &CommandService{
		store:   store,
		devices: devices,
		guard:   guard,
		queues:  NewDeviceLocks(shards),
		records: records,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
	}
}

// EnqueueRequest is an administrator's command submission.
type EnqueueRequest struct {
	DeviceID string
	OwnerID  string
	Kind     model.CommandKind
	Params   json.RawMessage
	// Priority nil selects the default. WIPE is always issued at the
	// maximum priority.
	Priority *int
	// TTL nil selects the default; zero yields an already expired command.
	TTL *time.Duration
}

// Enqueue validates and stores a new PENDING command.
func (s *CommandService) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Command, error) {
	if strings.TrimSpace(req.DeviceID) == "" {
		return nil, invalid("deviceId", "is required")
	}
	if !req.Kind.Valid() {
		return nil, invalid("kind", "must be one of LOCK, UNLOCK, WIPE, SCREENSHOT, ALARM, MESSAGE, LOCATE")
	}
	priority := s.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
		if priority < model.MinPriority || priority > model.MaxPriority {
			return nil, invalid("priority", "must be within [%d, %d]", model.MinPriority, model.MaxPriority)
		}
	}
	if req.Kind == model.CommandWipe {
		priority = model.MaxPriority
	}
	ttl := s.cfg.DefaultTTL
	if req.TTL != nil {
		ttl = *req.TTL
		if ttl < 0 {
			return nil, invalid("ttl", "must not be negative")
		}
		if ttl > s.cfg.MaxTTL {
			return nil, invalid("ttl", "must not exceed %s", s.cfg.MaxTTL)
		}
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return nil, invalid("params", "must be valid JSON")
	}

	if out := s.guard.VerifyOwner(ctx, req.DeviceID, req.OwnerID); out.Decision != Authorized {
		return nil, out.Err()
	}

	now := s.clock.Now()
	cmd := &model.Command{
		ID:        uuid.NewString(),
		DeviceID:  req.DeviceID,
		OwnerID:   normalizeOwner(req.OwnerID),
		Kind:      req.Kind,
		Params:    req.Params,
		Priority:  priority,
		Status:    model.CommandPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("store command: %w", err)
	}
	metrics.CommandsEnqueued.WithLabelValues(cmd.Kind.String()).Inc()
	s.logger.Info("command enqueued",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"kind", cmd.Kind.String(),
		"priority", cmd.Priority,
		"expires_at", cmd.ExpiresAt,
	)
	return cmd.Clone(), nil
}

// IssueAutoLock enqueues the LOCK raised when a device leaves a fence with
// auto-lock enabled.
func (s *CommandService) IssueAutoLock(ctx context.Context, deviceID, ownerID string, fence *model.Geofence) (*model.Command, error) {
	params, err := json.Marshal(map[string]string{
		"reason":     "geofence_exit",
		"geofenceId": fence.ID,
		"geofence":   fence.Name,
	})
	if err != nil {
		return nil, err
	}
	priority := AutoLockPriority
	return s.Enqueue(ctx, EnqueueRequest{
		DeviceID: deviceID,
		OwnerID:  ownerID,
		Kind:     model.CommandLock,
		Params:   params,
		Priority: &priority,
	})
}

// PollRequest is an agent's request for work.
type PollRequest struct {
	DeviceID    string
	OwnerID     string
	Fingerprint string
	Origin      string
	// Max <= 0 selects the default batch; values above the cap are clamped.
	Max int
}

// Poll hands out up to Max pending commands ordered by priority (highest
// first) then issuance order, marking each SENT before returning.
func (s *CommandService) Poll(ctx context.Context, req PollRequest) ([]*model.Command, error) {
	claim := Claim{DeviceID: req.DeviceID, OwnerID: req.OwnerID, Fingerprint: req.Fingerprint, Origin: req.Origin}
	if out := s.guard.Verify(ctx, claim); out.Decision != Authorized {
		return nil, out.Err()
	}
	limit := req.Max
	if limit <= 0 {
		limit = s.cfg.DefaultBatch
	}
	if limit > s.cfg.MaxBatch {
		limit = s.cfg.MaxBatch
	}

	unlock := s.queues.Lock(req.DeviceID)
	defer unlock()

	cmds, err := s.loadQueue(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	pending := make([]*model.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Status == model.CommandPending {
			pending = append(pending, c)
		}
	}
	sortForDispatch(pending)
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := s.clock.Now()
	for _, c := range pending {
		if err := c.Transition(model.CommandSent, now); err != nil {
			return nil, err
		}
	}
	// The batch is persisted as a whole so a failed poll leaves every
	// command PENDING.
	if err := s.store.UpdateCommands(ctx, pending); err != nil {
		return nil, fmt.Errorf("mark commands sent: %w", err)
	}
	out := make([]*model.Command, 0, len(pending))
	for _, c := range pending {
		metrics.CommandsDispatched.WithLabelValues(c.Kind.String()).Inc()
		out = append(out, c.Clone())
	}
	if len(out) > 0 {
		s.logger.Debug("commands dispatched", "device_id", req.DeviceID, "count", len(out))
	}
	return out, nil
}

// ResultReport is an agent's execution report.
type ResultReport struct {
	CommandID   string
	DeviceID    string
	OwnerID     string
	Fingerprint string
	Origin      string
	Success     bool
	Result      string
}

// ResultAck acknowledges a report. Applied is false when the command was
// not SENT (or had expired) and the report was ignored.
type ResultAck struct {
	Command *model.Command `json:"command"`
	Applied bool           `json:"applied"`
}

// ReportResult records the outcome of a SENT command. Reports for any
// other state are acknowledged without changing anything.
func (s *CommandService) ReportResult(ctx context.Context, rep ResultReport) (*ResultAck, error) {
	if strings.TrimSpace(rep.CommandID) == "" {
		return nil, invalid("commandId", "is required")
	}
	claim := Claim{DeviceID: rep.DeviceID, OwnerID: rep.OwnerID, Fingerprint: rep.Fingerprint, Origin: rep.Origin}
	if out := s.guard.Verify(ctx, claim); out.Decision != Authorized {
		return nil, out.Err()
	}

	unlock := s.queues.Lock(rep.DeviceID)
	defer unlock()

	cmd, err := s.store.GetCommand(ctx, rep.CommandID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	if cmd.DeviceID != rep.DeviceID {
		s.logger.Warn("result reported by a device that does not own the command",
			"command_id", cmd.ID,
			"device_id", rep.DeviceID,
		)
		return nil, ErrCommandNotFound
	}

	now := s.clock.Now()
	if cmd.Status != model.CommandSent {
		s.logger.Info("ignoring result for command not awaiting one",
			"command_id", cmd.ID,
			"device_id", cmd.DeviceID,
			"status", string(cmd.Status),
		)
		metrics.CommandResults.WithLabelValues("ignored").Inc()
		return &ResultAck{Command: cmd, Applied: false}, nil
	}
	if cmd.Expired(now) {
		if err := s.expire(ctx, cmd, now); err != nil {
			return nil, err
		}
		s.logger.Info("ignoring late result for expired command",
			"command_id", cmd.ID,
			"device_id", cmd.DeviceID,
		)
		metrics.CommandResults.WithLabelValues("ignored").Inc()
		return &ResultAck{Command: cmd, Applied: false}, nil
	}

	to := model.CommandFailed
	if rep.Success {
		to = model.CommandCompleted
	}
	if err := cmd.Transition(to, now); err != nil {
		return nil, err
	}
	cmd.Result = rep.Result
	if err := s.store.UpdateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("record result: %w", err)
	}
	metrics.CommandResults.WithLabelValues(strings.ToLower(string(to))).Inc()
	s.logger.Info("command result recorded",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"kind", cmd.Kind.String(),
		"status", string(cmd.Status),
	)

	if to == model.CommandCompleted {
		if err := s.applyEffect(ctx, cmd, now); err != nil {
			s.logger.Error("apply command effect failed",
				"command_id", cmd.ID,
				"device_id", cmd.DeviceID,
				"error", err,
			)
		}
	}
	return &ResultAck{Command: cmd, Applied: true}, nil
}

// applyEffect updates device state for commands whose completion changes
// it. Every kind is listed so a new kind cannot slip through silently.
func (s *CommandService) applyEffect(ctx context.Context, cmd *model.Command, now time.Time) error {
	var locked bool
	switch cmd.Kind {
	case model.CommandLock:
		locked = true
	case model.CommandUnlock:
		locked = false
	case model.CommandWipe, model.CommandScreenshot, model.CommandAlarm, model.CommandMessage, model.CommandLocate:
		return nil
	default:
		return fmt.Errorf("unhandled command kind %s", cmd.Kind)
	}

	unlock := s.records.Lock(cmd.DeviceID)
	defer unlock()
	device, err := s.devices.GetDevice(ctx, cmd.DeviceID)
	if err != nil {
		return err
	}
	device.Locked = locked
	device.UpdatedAt = now
	return s.devices.UpdateDevice(ctx, device)
}

// History lists a device's commands newest first.
func (s *CommandService) History(ctx context.Context, ownerID, deviceID string) ([]*model.Command, error) {
	if out := s.guard.VerifyOwner(ctx, deviceID, ownerID); out.Decision != Authorized {
		return nil, out.Err()
	}
	unlock := s.queues.Lock(deviceID)
	defer unlock()

	cmds, err := s.loadQueue(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if cmds == nil {
		cmds = []*model.Command{}
	}
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].Seq > cmds[j].Seq
		}
		return cmds[i].CreatedAt.After(cmds[j].CreatedAt)
	})
	return cmds, nil
}

// Get returns one command issued by ownerID.
func (s *CommandService) Get(ctx context.Context, ownerID, commandID string) (*model.Command, error) {
	cmd, err := s.store.GetCommand(ctx, commandID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	if !equalFold(cmd.OwnerID, ownerID) {
		return nil, ErrCommandNotFound
	}

	unlock := s.queues.Lock(cmd.DeviceID)
	defer unlock()
	// Re-read under the lock; a poll may have moved it meanwhile.
	if cmd, err = s.store.GetCommand(ctx, commandID); err != nil {
		return nil, err
	}
	if now := s.clock.Now(); expirable(cmd) && cmd.Expired(now) {
		if err := s.expire(ctx, cmd, now); err != nil {
			return nil, err
		}
	}
	return cmd, nil
}

// PendingCount returns how many unexpired commands await dispatch.
func (s *CommandService) PendingCount(ctx context.Context, deviceID string) (int, error) {
	cmds, err := s.store.ListCommands(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	n := 0
	for _, c := range cmds {
		if c.Status == model.CommandPending && !c.Expired(now) {
			n++
		}
	}
	return n, nil
}

// Prune deletes terminal commands that finished more than retention ago.
// It returns the number of commands removed.
func (s *CommandService) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	devices, err := s.store.ListCommandDevices(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, deviceID := range devices {
		n, err := s.pruneDevice(ctx, deviceID, retention)
		if err != nil {
			return removed, fmt.Errorf("prune %s: %w", deviceID, err)
		}
		removed += n
	}
	if removed > 0 {
		s.logger.Info("pruned commands", "count", removed, "retention", retention)
	}
	return removed, nil
}

func (s *CommandService) pruneDevice(ctx context.Context, deviceID string, retention time.Duration) (int, error) {
	unlock := s.queues.Lock(deviceID)
	defer unlock()

	cmds, err := s.loadQueue(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock.Now().Add(-retention)
	var ids []string
	for _, c := range cmds {
		if !c.Status.Terminal() {
			continue
		}
		finished := c.CreatedAt
		if c.CompletedAt != nil {
			finished = *c.CompletedAt
		}
		if finished.Before(cutoff) {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.store.DeleteCommands(ctx, deviceID, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// loadQueue lists a device's commands and expires the overdue ones. The
// caller holds the device's queue lock.
func (s *CommandService) loadQueue(ctx context.Context, deviceID string) ([]*model.Command, error) {
	cmds, err := s.store.ListCommands(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	now := s.clock.Now()
	for _, c := range cmds {
		if expirable(c) && c.Expired(now) {
			if err := s.expire(ctx, c, now); err != nil {
				return nil, err
			}
		}
	}
	return cmds, nil
}

func (s *CommandService) expire(ctx context.Context, c *model.Command, now time.Time) error {
	from := c.Status
	if err := c.Transition(model.CommandExpired, now); err != nil {
		return err
	}
	if err := s.store.UpdateCommand(ctx, c); err != nil {
		return fmt.Errorf("expire command %s: %w", c.ID, err)
	}
	metrics.CommandsExpired.Inc()
	s.logger.Info("command expired",
		"command_id", c.ID,
		"device_id", c.DeviceID,
		"kind", c.Kind.String(),
		"from", string(from),
	)
	return nil
}

func expirable(c *model.Command) bool {
	return c.Status == model.CommandPending || c.Status == model.CommandSent
}

// sortForDispatch orders by priority descending, then issuance ascending.
func sortForDispatch(cmds []*model.Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].Priority != cmds[j].Priority {
			return cmds[i].Priority > cmds[j].Priority
		}
		return cmds[i].Seq < cmds[j].Seq
	})
}
