package service

import (
	"sync"

	"github.com/lapso-labs/lapso-coordinator/internal/shard"
)

// DeviceLocks hands out one mutex per device ID. Devices on different
// keys never wait for each other.
type DeviceLocks struct {
	m *shard.Map[sync.Mutex]
}

// NewDeviceLocks builds a lock table with the given shard count.
func NewDeviceLocks(shards int) *DeviceLocks {
	return &DeviceLocks{m: shard.New[sync.Mutex](shards, nil)}
}

// Lock acquires deviceID's mutex and returns its release function.
func (l *DeviceLocks) Lock(deviceID string) func() {
	mu := l.m.Get(deviceID)
	mu.Lock()
	return mu.Unlock
}
