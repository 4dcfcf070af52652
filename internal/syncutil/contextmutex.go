// Package syncutil holds the in-process locking used by the memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
	"strconv"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. Waiters give up when their context is done. Two keys may share a
// shard; that only costs throughput, never correctness.
//
// The memory stores use it as their stand-in for SELECT ... FOR UPDATE.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex creates an unlocked mutex pool.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the shard for key. The returned unlock func must be
// called exactly once. On cancellation it returns the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockID is LockContext for a numeric row id within a namespace
// ("escrow", "wallet", ...).
func (m *ContextShardedMutex) LockID(ctx context.Context, namespace string, id int64) (func(), error) {
	return m.LockContext(ctx, namespace+":"+strconv.FormatInt(id, 10))
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
