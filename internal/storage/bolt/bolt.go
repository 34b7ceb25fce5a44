package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lapso-labs/lapso-coordinator/internal/codec"
	"github.com/lapso-labs/lapso-coordinator/internal/model"
	"github.com/lapso-labs/lapso-coordinator/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var _ storage.Store = (*Store)(nil)

var (
	bucketDevices      = []byte("devices")
	bucketGeofences    = []byte("geofences")
	bucketCommands     = []byte("commands")
	bucketCommandIndex = []byte("command_index")
)

// Store is a BoltDB-backed Store implementation.
//
// Commands live in one nested bucket per device under "commands", keyed
// by their big-endian sequence number so a cursor walk yields issuance
// order. "command_index" maps command ID to its device and sequence.
type Store struct {
	db *bolt.DB
}

// New initialises the Bolt store.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDevices, bucketGeofences, bucketCommands, bucketCommandIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// RegisterDevice stores a new device, failing if the ID is taken.
func (s *Store) RegisterDevice(ctx context.Context, device *model.Device) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = device.CreatedAt
	}
	payload, err := codec.Marshal(device)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDevices)
		key := []byte(device.DeviceID)
		if bkt.Get(key) != nil {
			return storage.ErrAlreadyExists
		}
		return bkt.Put(key, payload)
	})
}

// GetDevice fetches a device by ID.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var device model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDevices).Get([]byte(deviceID))
		if v == nil {
			return storage.ErrNotFound
		}
		return codec.Unmarshal(v, &device)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// UpdateDevice overwrites telemetry of an existing device. Owner and
// fingerprint are carried over from the stored record.
func (s *Store) UpdateDevice(ctx context.Context, device *model.Device) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDevices)
		key := []byte(device.DeviceID)
		v := bkt.Get(key)
		if v == nil {
			return storage.ErrNotFound
		}
		var stored model.Device
		if err := codec.Unmarshal(v, &stored); err != nil {
			return err
		}
		next := device.Clone()
		next.OwnerID = stored.OwnerID
		next.FingerprintHash = stored.FingerprintHash
		next.CreatedAt = stored.CreatedAt
		payload, err := codec.Marshal(next)
		if err != nil {
			return err
		}
		return bkt.Put(key, payload)
	})
}

// ListDevicesByOwner returns the owner's devices ordered by ID.
func (s *Store) ListDevicesByOwner(ctx context.Context, ownerID string) ([]*model.Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var devices []*model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var device model.Device
			if err := codec.Unmarshal(v, &device); err != nil {
				return err
			}
			if device.OwnerID == ownerID {
				devices = append(devices, &device)
			}
			return nil
		})
	})
	return devices, err
}

// CreateGeofence stores a new geofence.
func (s *Store) CreateGeofence(ctx context.Context, fence *model.Geofence) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	payload, err := codec.Marshal(fence)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketGeofences)
		key := []byte(fence.ID)
		if bkt.Get(key) != nil {
			return storage.ErrAlreadyExists
		}
		return bkt.Put(key, payload)
	})
}

// GetGeofence fetches a geofence by ID.
func (s *Store) GetGeofence(ctx context.Context, id string) (*model.Geofence, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var fence model.Geofence
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketGeofences).Get([]byte(id))
		if v == nil {
			return storage.ErrNotFound
		}
		return codec.Unmarshal(v, &fence)
	})
	if err != nil {
		return nil, err
	}
	return &fence, nil
}

// UpdateGeofence overwrites an existing geofence.
func (s *Store) UpdateGeofence(ctx context.Context, fence *model.Geofence) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	payload, err := codec.Marshal(fence)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketGeofences)
		key := []byte(fence.ID)
		if bkt.Get(key) == nil {
			return storage.ErrNotFound
		}
		return bkt.Put(key, payload)
	})
}

// DeleteGeofence removes a geofence.
func (s *Store) DeleteGeofence(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketGeofences)
		key := []byte(id)
		if bkt.Get(key) == nil {
			return storage.ErrNotFound
		}
		return bkt.Delete(key)
	})
}

// ListGeofences returns the owner's geofences ordered by creation time.
func (s *Store) ListGeofences(ctx context.Context, ownerID string, activeOnly bool) ([]*model.Geofence, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var fences []*model.Geofence
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGeofences).ForEach(func(_, v []byte) error {
			var fence model.Geofence
			if err := codec.Unmarshal(v, &fence); err != nil {
				return err
			}
			if fence.OwnerID != ownerID || (activeOnly && !fence.Active) {
				return nil
			}
			fences = append(fences, &fence)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(fences, func(i, j int) bool {
		return fences[i].CreatedAt.Before(fences[j].CreatedAt)
	})
	return fences, nil
}

// CreateCommand appends cmd to its device's queue and assigns Seq.
func (s *Store) CreateCommand(ctx context.Context, cmd *model.Command) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketCommands)
		index := tx.Bucket(bucketCommandIndex)
		if index.Get([]byte(cmd.ID)) != nil {
			return storage.ErrAlreadyExists
		}
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		queue, err := root.CreateBucketIfNotExists([]byte(cmd.DeviceID))
		if err != nil {
			return err
		}
		cmd.Seq = seq
		payload, err := codec.Marshal(cmd)
		if err != nil {
			return err
		}
		if err := queue.Put(seqKey(seq), payload); err != nil {
			return err
		}
		return index.Put([]byte(cmd.ID), indexValue(cmd.DeviceID, seq))
	})
}

// GetCommand fetches a command by ID.
func (s *Store) GetCommand(ctx context.Context, id string) (*model.Command, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var cmd model.Command
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := lookupCommand(tx, id)
		if err != nil {
			return err
		}
		return codec.Unmarshal(v, &cmd)
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// UpdateCommand overwrites an existing command in place.
func (s *Store) UpdateCommand(ctx context.Context, cmd *model.Command) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	payload, err := codec.Marshal(cmd)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putCommand(tx, cmd.ID, payload)
	})
}

// UpdateCommands overwrites cmds in a single transaction.
func (s *Store) UpdateCommands(ctx context.Context, cmds []*model.Command) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	payloads := make([][]byte, len(cmds))
	for i, cmd := range cmds {
		payload, err := codec.Marshal(cmd)
		if err != nil {
			return err
		}
		payloads[i] = payload
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for i, cmd := range cmds {
			if err := putCommand(tx, cmd.ID, payloads[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func putCommand(tx *bolt.Tx, id string, payload []byte) error {
	ref := tx.Bucket(bucketCommandIndex).Get([]byte(id))
	if ref == nil {
		return storage.ErrNotFound
	}
	deviceID, seq := parseIndexValue(ref)
	queue := tx.Bucket(bucketCommands).Bucket([]byte(deviceID))
	if queue == nil {
		return storage.ErrNotFound
	}
	return queue.Put(seqKey(seq), payload)
}

// ListCommands returns a device's commands in ascending Seq order.
func (s *Store) ListCommands(ctx context.Context, deviceID string) ([]*model.Command, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var cmds []*model.Command
	err := s.db.View(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketCommands).Bucket([]byte(deviceID))
		if queue == nil {
			return nil
		}
		return queue.ForEach(func(_, v []byte) error {
			var cmd model.Command
			if err := codec.Unmarshal(v, &cmd); err != nil {
				return err
			}
			cmds = append(cmds, &cmd)
			return nil
		})
	})
	return cmds, err
}

// DeleteCommands removes the listed commands of a device. Unknown IDs are
// skipped.
func (s *Store) DeleteCommands(ctx context.Context, deviceID string, ids []string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketCommandIndex)
		queue := tx.Bucket(bucketCommands).Bucket([]byte(deviceID))
		if queue == nil {
			return nil
		}
		for _, id := range ids {
			ref := index.Get([]byte(id))
			if ref == nil {
				continue
			}
			owner, seq := parseIndexValue(ref)
			if owner != deviceID {
				continue
			}
			if err := queue.Delete(seqKey(seq)); err != nil {
				return err
			}
			if err := index.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListCommandDevices returns the IDs of devices that have a queue.
func (s *Store) ListCommandDevices(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).ForEach(func(k, v []byte) error {
			if v == nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	return ids, err
}

func lookupCommand(tx *bolt.Tx, id string) ([]byte, error) {
	ref := tx.Bucket(bucketCommandIndex).Get([]byte(id))
	if ref == nil {
		return nil, storage.ErrNotFound
	}
	deviceID, seq := parseIndexValue(ref)
	queue := tx.Bucket(bucketCommands).Bucket([]byte(deviceID))
	if queue == nil {
		return nil, fmt.Errorf("command %s: %w", id, storage.ErrNotFound)
	}
	v := queue.Get(seqKey(seq))
	if v == nil {
		return nil, fmt.Errorf("command %s: %w", id, storage.ErrNotFound)
	}
	return v, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// indexValue packs seq followed by the device ID.
func indexValue(deviceID string, seq uint64) []byte {
	v := make([]byte, 8+len(deviceID))
	binary.BigEndian.PutUint64(v, seq)
	copy(v[8:], deviceID)
	return v
}

func parseIndexValue(v []byte) (string, uint64) {
	if len(v) < 8 {
		return "", 0
	}
	return string(v[8:]), binary.BigEndian.Uint64(v[:8])
}
