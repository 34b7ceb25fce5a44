// Package memory is an in-process Store. Nothing survives a restart, so it
// suits tests and deployments that treat the command queue as ephemeral.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps every record in maps guarded by one RWMutex. Values are
// copied on the way in and out.
type Store struct {
	mu        sync.RWMutex
	devices   map[string]*model.Device
	geofences map[string]*model.Geofence
	commands  map[string]*model.Command
	queues    map[string][]string // deviceID -> command IDs, ascending Seq
	seq       uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		devices:   make(map[string]*model.Device),
		geofences: make(map[string]*model.Geofence),
		commands:  make(map[string]*model.Command),
		queues:    make(map[string][]string),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) RegisterDevice(ctx context.Context, device *model.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[device.DeviceID]; ok {
		return storage.ErrAlreadyExists
	}
	s.devices[device.DeviceID] = device.Clone()
	return nil
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *Store) UpdateDevice(ctx context.Context, device *model.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.devices[device.DeviceID]
	if !ok {
		return storage.ErrNotFound
	}
	next := device.Clone()
	next.OwnerID = stored.OwnerID
	next.FingerprintHash = stored.FingerprintHash
	next.CreatedAt = stored.CreatedAt
	s.devices[device.DeviceID] = next
	return nil
}

func (s *Store) ListDevicesByOwner(ctx context.Context, ownerID string) ([]*model.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Device
	for _, d := range s.devices {
		if d.OwnerID == ownerID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *Store) CreateGeofence(ctx context.Context, fence *model.Geofence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.geofences[fence.ID]; ok {
		return storage.ErrAlreadyExists
	}
	cp := *fence
	s.geofences[fence.ID] = &cp
	return nil
}

func (s *Store) GetGeofence(ctx context.Context, id string) (*model.Geofence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.geofences[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *Store) UpdateGeofence(ctx context.Context, fence *model.Geofence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.geofences[fence.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *fence
	s.geofences[fence.ID] = &cp
	return nil
}

func (s *Store) DeleteGeofence(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.geofences[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.geofences, id)
	return nil
}

func (s *Store) ListGeofences(ctx context.Context, ownerID string, activeOnly bool) ([]*model.Geofence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Geofence
	for _, f := range s.geofences {
		if f.OwnerID != ownerID || (activeOnly && !f.Active) {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CreateCommand(ctx context.Context, cmd *model.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.seq++
	cmd.Seq = s.seq
	s.commands[cmd.ID] = cmd.Clone()
	s.queues[cmd.DeviceID] = append(s.queues[cmd.DeviceID], cmd.ID)
	return nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (*model.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) UpdateCommand(ctx context.Context, cmd *model.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.ID]; !ok {
		return storage.ErrNotFound
	}
	s.commands[cmd.ID] = cmd.Clone()
	return nil
}

func (s *Store) UpdateCommands(ctx context.Context, cmds []*model.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range cmds {
		if _, ok := s.commands[cmd.ID]; !ok {
			return storage.ErrNotFound
		}
	}
	for _, cmd := range cmds {
		s.commands[cmd.ID] = cmd.Clone()
	}
	return nil
}

func (s *Store) ListCommands(ctx context.Context, deviceID string) ([]*model.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.queues[deviceID]
	out := make([]*model.Command, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.commands[id].Clone())
	}
	return out, nil
}

func (s *Store) DeleteCommands(ctx context.Context, deviceID string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if c, ok := s.commands[id]; ok && c.DeviceID == deviceID {
			drop[id] = struct{}{}
			delete(s.commands, id)
		}
	}
	kept := s.queues[deviceID][:0]
	for _, id := range s.queues[deviceID] {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(s.queues, deviceID)
		return nil
	}
	s.queues[deviceID] = kept
	return nil
}

func (s *Store) ListCommandDevices(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.queues))
	for id := range s.queues {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
