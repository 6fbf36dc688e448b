// Package syncutil provides bounded-memory keyed locking.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
)

// DefaultShards is the shard count used by NewKeyedMutex.
const DefaultShards = 256

// KeyedMutex serializes work per string key using a fixed pool of
// channel-based mutexes. Memory stays bounded regardless of how many keys
// are seen; unrelated keys that hash to the same shard occasionally wait on
// each other. Waiters can give up when their context ends.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a keyed mutex with DefaultShards shards.
func NewKeyedMutex() *KeyedMutex {
	return NewKeyedMutexN(DefaultShards)
}

// NewKeyedMutexN creates a keyed mutex with n shards (minimum 1).
func NewKeyedMutexN(n int) *KeyedMutex {
	if n < 1 {
		n = 1
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // unlocked
	}
	return m
}

// Lock acquires the lock for key. On success the returned function
// releases it and must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	return m.acquire(ctx, m.shardIdx(key))
}

// LockAll acquires the locks for every key. Shards are taken in ascending
// order so two callers locking overlapping key sets cannot deadlock.
func (m *KeyedMutex) LockAll(ctx context.Context, keys ...string) (func(), error) {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		i := m.shardIdx(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)

	unlocks := make([]func(), 0, len(idx))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, i := range idx {
		u, err := m.acquire(ctx, i)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	return release, nil
}

func (m *KeyedMutex) acquire(ctx context.Context, i int) (func(), error) {
	ch := m.shards[i]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
