// Package syncutil provides in-process synchronization keyed by string.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when n <= 0.
const DefaultShards = 256

// KeyedMutex serializes work per key using a fixed pool of channel-based
// mutexes. Distinct keys usually land on distinct shards and proceed in
// parallel; keys that collide share a shard. Memory use is bounded by the
// shard count, not the number of keys seen.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // Start unlocked.
	}
	return m
}

// Lock acquires the mutex for key, giving up if ctx is done first.
// On success the caller MUST call the returned unlock function.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	// Prefer the lock over a simultaneously-cancelled context only when it
	// is immediately available.
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	default:
	}

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
