//go:build integration

package webhooks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/escrowpay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPGStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func TestPostgresStore_RecordCountsAttempts(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	e, err := store.Record(ctx, "evt_1", "transfer.paid", []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, e.ProcessingAttempts)
	assert.Equal(t, []byte(`{"id":"evt_1"}`), e.RawPayload)

	e, err = store.Record(ctx, "evt_1", "transfer.paid", []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, e.ProcessingAttempts)
	assert.False(t, e.Processed)
}

func TestPostgresStore_ConcurrentClaimSingleWinner(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	_, err := store.Record(ctx, "evt_race", "transfer.paid", []byte(`{}`))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.Claim(ctx, "evt_race", string(rune('a'+i)), time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPostgresStore_LeaseLifecycle(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	_, err := store.Record(ctx, "evt_l", "payment_intent.succeeded", []byte(`{}`))
	require.NoError(t, err)

	ok, err := store.Claim(ctx, "evt_l", "tok-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	stale, err := store.ListStale(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	time.Sleep(1500 * time.Millisecond)
	stale, err = store.ListStale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "tok-a", stale[0].LeaseToken)

	ok, err = store.Reclaim(ctx, "evt_l", "tok-a", "tok-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Reclaim(ctx, "evt_l", "tok-a", "tok-c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkProcessed(ctx, "evt_l", "tok-a")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Extend(ctx, "evt_l", "tok-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.MarkProcessed(ctx, "evt_l", "tok-b")
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := store.Get(ctx, "evt_l")
	require.NoError(t, err)
	assert.True(t, e.Processed)
	assert.False(t, e.Processing)
	assert.Equal(t, 1, e.ReclaimCount)
	assert.Equal(t, 2, e.ProcessingAttempts)
	assert.NotNil(t, e.ProcessedAt)
	assert.Nil(t, e.LeaseExpiresAt)

	processed, err := store.List(ctx, FilterProcessed, 10)
	require.NoError(t, err)
	assert.Len(t, processed, 1)
}

func TestPostgresStore_FailedEventIsReclaimable(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	_, err := store.Record(ctx, "evt_f", "transfer.paid", []byte(`{}`))
	require.NoError(t, err)

	ok, err := store.Claim(ctx, "evt_f", "tok", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkFailed(ctx, "evt_f", "tok", "escrow not found")
	require.NoError(t, err)
	require.True(t, ok)

	failed, err := store.List(ctx, FilterFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "escrow not found", failed[0].LastError)

	ok, err = store.Claim(ctx, "evt_f", "tok2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Get(ctx, "evt_missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}
