//go:build integration

package escrow

import (
	"context"
	"sync"
	"testing"

	"github.com/mbd888/escrowpay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPGService(t *testing.T) (*Service, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	return NewService(store, nil), store
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	svc, store := newPGService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateRequest{ProjectID: 3, BuyerID: 10, SellerID: 11, Amount: 12345, ExternalPaymentRef: "pi_abc"})
	require.NoError(t, err)
	require.NotZero(t, e.ID)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, PaymentPending, got.PaymentStatus)
	assert.Equal(t, int64(12345), got.Amount.MinorUnits())
	assert.Nil(t, got.BuyerApprovedAt)

	byRef, err := store.FindByPaymentRef(ctx, "pi_abc")
	require.NoError(t, err)
	assert.Equal(t, e.ID, byRef.ID)

	_, err = store.Get(ctx, 999999)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresStore_TransitionWritesAudit(t *testing.T) {
	svc, store := newPGService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateRequest{ProjectID: 3, BuyerID: 10, SellerID: 11, Amount: 500})
	require.NoError(t, err)

	_, err = svc.Transition(ctx, e.ID, TransitionRequest{
		To: StatusFunded, ActorKind: ActorWebhook, Reason: "payment succeeded",
		Metadata: map[string]string{"eventId": "evt_1"},
	})
	require.NoError(t, err)

	_, err = svc.Transition(ctx, e.ID, TransitionRequest{To: StatusReleased, ActorKind: ActorAdmin})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	audit, err := store.ListTransitions(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, StatusPending, audit[0].From)
	assert.Equal(t, StatusFunded, audit[0].To)
	assert.Equal(t, "evt_1", audit[0].Metadata["eventId"])
	assert.Nil(t, audit[0].ActorUserID)
}

func TestPostgresStore_ConcurrentTransitionsSerialize(t *testing.T) {
	svc, store := newPGService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateRequest{ProjectID: 3, BuyerID: 10, SellerID: 11, Amount: 500})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, e.ID, TransitionRequest{To: StatusFunded, ActorKind: ActorSystem})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := StatusReleaseRequested
			if i%2 == 1 {
				to = StatusRefundRequested
			}
			_, _ = svc.Transition(ctx, e.ID, TransitionRequest{To: to, ActorKind: ActorSystem, From: []Status{StatusFunded}})
		}(i)
	}
	wg.Wait()

	audit, err := store.ListTransitions(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 2, "funding plus exactly one winner")
}

func TestPostgresStore_RecordPaymentDedup(t *testing.T) {
	svc, store := newPGService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateRequest{ProjectID: 3, BuyerID: 10, SellerID: 11, Amount: 500})
	require.NoError(t, err)

	p := &PaymentTransaction{EscrowID: e.ID, Kind: PaymentKindTransfer, Amount: 500, ExternalRef: "tr_1", Status: PaymentTxSucceeded}
	ok, err := svc.RecordPayment(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := *p
	ok, err = svc.RecordPayment(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, ok)

	payments, err := store.ListPayments(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestPostgresStore_RefsAndApproval(t *testing.T) {
	svc, store := newPGService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateRequest{ProjectID: 3, BuyerID: 10, SellerID: 11, Amount: 500})
	require.NoError(t, err)

	_, err = svc.RequestRelease(ctx, e.ID, 10)
	require.NoError(t, err)
	require.NoError(t, svc.RecordPayoutRef(ctx, e.ID, "tr_9"))

	got, err := store.FindByPayoutRef(ctx, "tr_9")
	require.NoError(t, err)
	assert.NotNil(t, got.BuyerApprovedAt)
	assert.Equal(t, StatusPending, got.Status)

	list, err := store.ListByUser(ctx, 11, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
