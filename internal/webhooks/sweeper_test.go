package webhooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/escrowpay/internal/escrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func withClock(env *testEnv) *fakeClock {
	clock := &fakeClock{now: time.Now()}
	env.store.now = clock.Now
	return clock
}

// abandon records and claims an event as a worker that then dies would.
func abandon(t *testing.T, env *testEnv, eventID string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	_, err := env.store.Record(ctx, eventID, "payment_intent.succeeded", payload)
	require.NoError(t, err)
	ok, err := env.store.Claim(ctx, eventID, "dead-worker", env.proc.Lease())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepStale_ReattemptsAbandonedEvent(t *testing.T) {
	env := newTestEnv(t)
	clock := withClock(env)
	ctx := context.Background()
	es := env.newEscrow(t, "")

	payload := eventJSON("evt_stale", "payment_intent.succeeded", map[string]any{
		"id": "pi_s", "amount": 50000, "metadata": escrowMeta(es.ID),
	})
	abandon(t, env, "evt_stale", payload)

	// Redelivery while the lease is live is a duplicate.
	res, err := env.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Status)

	reattempted, released, err := env.proc.SweepStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, reattempted)
	assert.Zero(t, released)

	clock.Advance(2 * env.proc.Lease())
	reattempted, released, err = env.proc.SweepStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reattempted)
	assert.Zero(t, released)

	stored, err := env.store.Get(ctx, "evt_stale")
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, 1, stored.ReclaimCount)
	assert.Equal(t, 3, stored.ProcessingAttempts)
	assert.Equal(t, escrow.StatusFunded, env.get(t, es.ID).Status)
}

func TestSweepStale_ReleasesAfterReattempt(t *testing.T) {
	env := newTestEnv(t)
	clock := withClock(env)
	ctx := context.Background()
	es := env.newEscrow(t, "")
	payload := eventJSON("evt_twice", "payment_intent.succeeded", map[string]any{
		"id": "pi_t", "amount": 50000, "metadata": escrowMeta(es.ID),
	})
	abandon(t, env, "evt_twice", payload)

	// Simulate the re-attempt itself dying: reclaim without finishing.
	clock.Advance(2 * env.proc.Lease())
	ok, err := env.store.Reclaim(ctx, "evt_twice", "dead-worker", "dead-sweeper", env.proc.Lease())
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(2 * env.proc.Lease())
	reattempted, released, err := env.proc.SweepStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, reattempted)
	assert.Equal(t, 1, released)

	stored, err := env.store.Get(ctx, "evt_twice")
	require.NoError(t, err)
	assert.False(t, stored.Processing)
	assert.False(t, stored.Processed)
	assert.Equal(t, reattemptExhausted, stored.LastError)
	assert.Equal(t, escrow.StatusPending, env.get(t, es.ID).Status)

	// The gateway's next redelivery claims it afresh.
	res, err := env.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Status)
	assert.Equal(t, escrow.StatusFunded, env.get(t, es.ID).Status)

	stored, err = env.store.Get(ctx, "evt_twice")
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Zero(t, stored.ReclaimCount)
}

func TestMemoryStore_LeaseFencing(t *testing.T) {
	store := NewMemoryStore()
	clock := &fakeClock{now: time.Now()}
	store.now = clock.Now
	ctx := context.Background()

	_, err := store.Record(ctx, "evt_1", "transfer.paid", []byte(`{}`))
	require.NoError(t, err)
	ok, err := store.Claim(ctx, "evt_1", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Claim(ctx, "evt_1", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim while processing")

	ok, err = store.Reclaim(ctx, "evt_1", "a", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "reclaim before expiry")

	clock.Advance(2 * time.Minute)
	ok, err = store.Reclaim(ctx, "evt_1", "a", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Only one of two sweepers racing on the same stale token wins.
	ok, err = store.Reclaim(ctx, "evt_1", "a", "c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// The original holder lost its lease and cannot finalize.
	ok, err = store.MarkProcessed(ctx, "evt_1", "a")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Extend(ctx, "evt_1", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkProcessed(ctx, "evt_1", "b")
	require.NoError(t, err)
	assert.True(t, ok)

	evt, err := store.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, evt.Processed)
	assert.Empty(t, evt.LeaseToken)
	assert.Nil(t, evt.LeaseExpiresAt)

	ok, err = store.Claim(ctx, "evt_1", "d", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "processed events are never claimed again")

	_, err = store.Get(ctx, "evt_missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestMemoryStore_ListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"evt_done", "evt_failed", "evt_busy"} {
		_, err := store.Record(ctx, id, "transfer.paid", []byte(`{}`))
		require.NoError(t, err)
		ok, err := store.Claim(ctx, id, id, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err := store.MarkProcessed(ctx, "evt_done", "evt_done")
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, "evt_failed", "evt_failed", "boom")
	require.NoError(t, err)

	tests := []struct {
		filter Filter
		want   []string
	}{
		{FilterProcessed, []string{"evt_done"}},
		{FilterFailed, []string{"evt_failed"}},
		{FilterProcessing, []string{"evt_busy"}},
	}
	for _, tt := range tests {
		events, err := store.List(ctx, tt.filter, 10)
		require.NoError(t, err)
		var ids []string
		for _, e := range events {
			ids = append(ids, e.EventID)
		}
		assert.Equal(t, tt.want, ids, string(tt.filter))
	}

	all, err := store.List(ctx, FilterAll, 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.False(t, Filter("bogus").Valid())
}

func TestSweeper_StartStop(t *testing.T) {
	env := newTestEnv(t)
	s := NewSweeper(env.proc, 10*time.Millisecond, env.proc.logger)
	assert.False(t, s.Running())

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)

	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, s.Running())
}
