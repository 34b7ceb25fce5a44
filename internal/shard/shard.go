// Package shard provides a device-keyed concurrent map split into
// independently locked shards.
//
// Values are created on first access and are expected to carry their own
// synchronisation (typically an embedded sync.Mutex). The shard lock only
// guards the key→value index, never the value itself, so two devices that
// hash to the same shard never wait on each other's critical sections.
package shard

import (
	"hash/maphash"
	"sync"
)

// DefaultShards is used when New is given a non-positive count.
const DefaultShards = 64

// Map is a sharded map from string keys to *V.
type Map[V any] struct {
	seed   maphash.Seed
	shards []*bucket[V]
	newV   func() *V
}

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]*V
}

// New builds a Map with n shards. newV constructs the value stored for a
// key on its first Get; when nil, new(V) is used.
func New[V any](n int, newV func() *V) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	if newV == nil {
		newV = func() *V { return new(V) }
	}
	m := &Map[V]{
		seed:   maphash.MakeSeed(),
		shards: make([]*bucket[V], n),
		newV:   newV,
	}
	for i := range m.shards {
		m.shards[i] = &bucket[V]{items: make(map[string]*V)}
	}
	return m
}

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	h := maphash.String(m.seed, key)
	return m.shards[h%uint64(len(m.shards))]
}

// Get returns the value for key, creating it if absent.
func (m *Map[V]) Get(key string) *V {
	b := m.bucketFor(key)
	b.mu.RLock()
	v, ok := b.items[key]
	b.mu.RUnlock()
	if ok {
		return v
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok = b.items[key]; ok {
		return v
	}
	v = m.newV()
	b.items[key] = v
	return v
}

// Peek returns the value for key without creating it.
func (m *Map[V]) Peek(key string) (*V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	b := m.bucketFor(key)
	b.mu.Lock()
	delete(b.items, key)
	b.mu.Unlock()
}

// DeleteIf removes key when drop reports true. drop runs under the shard
// write lock, so it must not call back into the Map.
func (m *Map[V]) DeleteIf(key string, drop func(*V) bool) bool {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if !ok || !drop(v) {
		return false
	}
	delete(b.items, key)
	return true
}

// Range calls fn for every entry until fn returns false. Entries added or
// removed concurrently may or may not be visited.
func (m *Map[V]) Range(fn func(key string, v *V) bool) {
	for _, b := range m.shards {
		b.mu.RLock()
		keys := make([]string, 0, len(b.items))
		vals := make([]*V, 0, len(b.items))
		for k, v := range b.items {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		b.mu.RUnlock()
		for i := range keys {
			if !fn(keys[i], vals[i]) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	total := 0
	for _, b := range m.shards {
		b.mu.RLock()
		total += len(b.items)
		b.mu.RUnlock()
	}
	return total
}
