package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mbd888/escrowpay/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusPending, StatusFunded, StatusReleaseRequested, StatusReleased,
	StatusRefundRequested, StatusRefunded, StatusDisputed,
}

type recordingObserver struct {
	mu    sync.Mutex
	moves []*Transition
}

func (r *recordingObserver) EscrowTransitioned(_ context.Context, _ *Escrow, t *Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moves = append(r.moves, t)
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, nil), store
}

func createEscrow(t *testing.T, svc *Service) *Escrow {
	t.Helper()
	e, err := svc.Create(context.Background(), CreateRequest{
		ProjectID: 9,
		BuyerID:   1,
		SellerID:  2,
		Amount:    money.FromMinor(50000),
	})
	require.NoError(t, err)
	return e
}

// forceStatus puts an escrow into a state without going through the table.
func forceStatus(t *testing.T, store *MemoryStore, id int64, status Status) {
	t.Helper()
	_, err := store.Mutate(context.Background(), id, func(e *Escrow) (*Transition, error) {
		e.Status = status
		return nil, nil
	})
	require.NoError(t, err)
}

func adminMove(to Status) TransitionRequest {
	return TransitionRequest{To: to, ActorKind: ActorAdmin, Reason: "test"}
}

func TestCreate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	e := createEscrow(t, svc)
	assert.Equal(t, int64(1), e.ID)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, PaymentPending, e.PaymentStatus)
	assert.Equal(t, "500.00", e.Amount.String())

	_, err := svc.Create(ctx, CreateRequest{ProjectID: 1, BuyerID: 1, SellerID: 2, Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Create(ctx, CreateRequest{ProjectID: 1, BuyerID: 3, SellerID: 3, Amount: 100})
	assert.ErrorIs(t, err, ErrSameParty)
}

func TestTransition_FollowsTableOnly(t *testing.T) {
	ctx := context.Background()

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if from == to {
				continue
			}
			svc, store := newTestService()
			e := createEscrow(t, svc)
			forceStatus(t, store, e.ID, from)

			applied, err := svc.Transition(ctx, e.ID, adminMove(to))
			audit, _ := store.ListTransitions(ctx, e.ID)
			after, _ := store.Get(ctx, e.ID)

			if CanTransition(from, to) {
				require.NoError(t, err, "%s → %s", from, to)
				assert.True(t, applied.Changed())
				assert.Equal(t, to, after.Status)
				require.Len(t, audit, 1)
				assert.Equal(t, from, audit[0].From)
				assert.Equal(t, to, audit[0].To)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s → %s", from, to)
				assert.Equal(t, from, after.Status, "state untouched on %s → %s", from, to)
				assert.Empty(t, audit, "no audit row on %s → %s", from, to)
			}
		}
	}
}

func TestTransition_DisputedReachableFromEverywhere(t *testing.T) {
	for _, from := range allStatuses {
		if from == StatusDisputed {
			continue
		}
		assert.True(t, CanTransition(from, StatusDisputed), from)
		assert.False(t, CanTransition(StatusDisputed, from), from)
	}
}

func TestTransition_SameStateIsNoOp(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	e := createEscrow(t, svc)

	_, err := svc.Transition(ctx, e.ID, adminMove(StatusFunded))
	require.NoError(t, err)

	applied, err := svc.Transition(ctx, e.ID, adminMove(StatusFunded))
	require.NoError(t, err)
	assert.False(t, applied.Changed())
	assert.Equal(t, StatusFunded, applied.Escrow.Status)

	audit, err := store.ListTransitions(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1, "retried request must not add an audit row")
}

func TestTransition_PreconditionMismatchFailsSafely(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	e := createEscrow(t, svc)
	forceStatus(t, store, e.ID, StatusReleaseRequested)

	// release_requested → refund_requested is a table edge, but the caller
	// expected a funded escrow.
	_, err := svc.Transition(ctx, e.ID, TransitionRequest{
		To: StatusRefundRequested, ActorKind: ActorSystem, From: []Status{StatusFunded},
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, _ := store.Get(ctx, e.ID)
	assert.Equal(t, StatusReleaseRequested, got.Status)
}

func TestTransition_AuditCarriesActorAndMetadata(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	obs := &recordingObserver{}
	svc.WithObserver(obs)
	e := createEscrow(t, svc)

	uid := int64(77)
	_, err := svc.Transition(ctx, e.ID, TransitionRequest{
		To: StatusFunded, ActorKind: ActorWebhook, ActorUserID: &uid,
		Reason: "payment succeeded", Metadata: map[string]string{"eventId": "evt_1"},
	})
	require.NoError(t, err)

	audit, _ := store.ListTransitions(ctx, e.ID)
	require.Len(t, audit, 1)
	assert.Equal(t, ActorWebhook, audit[0].ActorKind)
	assert.Equal(t, int64(77), *audit[0].ActorUserID)
	assert.Equal(t, "payment succeeded", audit[0].Reason)
	assert.Equal(t, "evt_1", audit[0].Metadata["eventId"])
	assert.Len(t, obs.moves, 1)
}

func TestTransition_UnknownEscrowAndInputs(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Transition(ctx, 404, adminMove(StatusFunded))
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	e := createEscrow(t, svc)
	_, err = svc.Transition(ctx, e.ID, adminMove("archived"))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Transition(ctx, e.ID, TransitionRequest{To: StatusFunded, ActorKind: "robot"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTransition_ConcurrentRequestsApplyOnce(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	e := createEscrow(t, svc)
	forceStatus(t, store, e.ID, StatusFunded)

	var wg sync.WaitGroup
	var mu sync.Mutex
	changed, rejected := 0, 0
	targets := []Status{StatusReleaseRequested, StatusRefundRequested}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			applied, err := svc.Transition(ctx, e.ID, TransitionRequest{
				To: to, ActorKind: ActorSystem, From: []Status{StatusFunded},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && applied.Changed():
				changed++
			case errors.Is(err, ErrInvalidTransition), err == nil:
				rejected++
			}
		}(targets[i%2])
	}
	wg.Wait()

	audit, _ := store.ListTransitions(ctx, e.ID)
	assert.Equal(t, 1, changed, "exactly one conflicting transition wins")
	assert.Equal(t, 19, rejected)
	assert.Len(t, audit, 1)
}

func TestUpdatePaymentStatus(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	e := createEscrow(t, svc)

	got, err := svc.UpdatePaymentStatus(ctx, e.ID, PaymentProcessing, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, PaymentProcessing, got.PaymentStatus)
	assert.Equal(t, "pi_123", got.ExternalPaymentRef)
	assert.Equal(t, StatusPending, got.Status, "payment leg never moves the lifecycle")

	got, err = svc.UpdatePaymentStatus(ctx, e.ID, PaymentSucceeded, "")
	require.NoError(t, err)
	assert.Equal(t, PaymentSucceeded, got.PaymentStatus)
	assert.Equal(t, "pi_123", got.ExternalPaymentRef)

	_, err = svc.UpdatePaymentStatus(ctx, e.ID, PaymentFailed, "pi_123")
	assert.ErrorIs(t, err, ErrPaymentRegression)

	got, err = svc.UpdatePaymentStatus(ctx, e.ID, PaymentSucceeded, "pi_123")
	require.NoError(t, err, "replay of the same status is a no-op")
	assert.Equal(t, PaymentSucceeded, got.PaymentStatus)
}

func TestUpdatePaymentStatus_RetryAfterFailure(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	e := createEscrow(t, svc)

	_, err := svc.UpdatePaymentStatus(ctx, e.ID, PaymentFailed, "pi_1")
	require.NoError(t, err)
	got, err := svc.UpdatePaymentStatus(ctx, e.ID, PaymentProcessing, "pi_2")
	require.NoError(t, err)
	assert.Equal(t, "pi_2", got.ExternalPaymentRef)

	found, err := svc.FindByPaymentRef(ctx, "pi_2")
	require.NoError(t, err)
	assert.Equal(t, e.ID, found.ID)
}

func TestRequestRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("pending stores approval only", func(t *testing.T) {
		svc, store := newTestService()
		e := createEscrow(t, svc)

		applied, err := svc.RequestRelease(ctx, e.ID, 1)
		require.NoError(t, err)
		assert.False(t, applied.Changed())
		assert.Equal(t, StatusPending, applied.Escrow.Status)
		require.NotNil(t, applied.Escrow.BuyerApprovedAt)

		audit, _ := store.ListTransitions(ctx, e.ID)
		assert.Empty(t, audit)
	})

	t.Run("funded moves to release_requested", func(t *testing.T) {
		svc, store := newTestService()
		e := createEscrow(t, svc)
		forceStatus(t, store, e.ID, StatusFunded)

		applied, err := svc.RequestRelease(ctx, e.ID, 1)
		require.NoError(t, err)
		assert.True(t, applied.Changed())
		assert.Equal(t, StatusReleaseRequested, applied.Escrow.Status)
		assert.Equal(t, ActorBuyer, applied.Transition.ActorKind)

		again, err := svc.RequestRelease(ctx, e.ID, 1)
		require.NoError(t, err)
		assert.False(t, again.Changed())
	})

	t.Run("only the buyer", func(t *testing.T) {
		svc, _ := newTestService()
		e := createEscrow(t, svc)
		_, err := svc.RequestRelease(ctx, e.ID, 2)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("refunded escrow cannot be released", func(t *testing.T) {
		svc, store := newTestService()
		e := createEscrow(t, svc)
		forceStatus(t, store, e.ID, StatusRefunded)
		_, err := svc.RequestRelease(ctx, e.ID, 1)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestRequestRefundAndDispute(t *testing.T) {
	ctx := context.Background()
	seller, buyer, stranger := int64(2), int64(1), int64(3)

	svc, store := newTestService()
	e := createEscrow(t, svc)

	_, err := svc.RequestRefund(ctx, e.ID, ActorRequest{ActorKind: ActorSeller, ActorUserID: &seller})
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending escrows have nothing to refund")

	forceStatus(t, store, e.ID, StatusFunded)
	_, err = svc.RequestRefund(ctx, e.ID, ActorRequest{ActorKind: ActorBuyer, ActorUserID: &buyer})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.RequestRefund(ctx, e.ID, ActorRequest{ActorKind: ActorSeller, ActorUserID: &stranger})
	assert.ErrorIs(t, err, ErrUnauthorized)

	applied, err := svc.RequestRefund(ctx, e.ID, ActorRequest{ActorKind: ActorSeller, ActorUserID: &seller, Reason: "cannot deliver"})
	require.NoError(t, err)
	assert.Equal(t, StatusRefundRequested, applied.Escrow.Status)

	applied, err = svc.Dispute(ctx, e.ID, ActorRequest{ActorKind: ActorBuyer, ActorUserID: &buyer, Reason: "partial delivery"})
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, applied.Escrow.Status)

	_, err = svc.Transition(ctx, e.ID, adminMove(StatusRefunded))
	assert.ErrorIs(t, err, ErrInvalidTransition, "nothing leaves disputed")
}

func TestRecordPaymentIsUnique(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	e := createEscrow(t, svc)

	p := &PaymentTransaction{EscrowID: e.ID, Kind: PaymentKindCharge, Amount: e.Amount, ExternalRef: "ch_1", Status: PaymentTxSucceeded}
	inserted, err := svc.RecordPayment(ctx, p)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *p
	inserted, err = svc.RecordPayment(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	refund := &PaymentTransaction{EscrowID: e.ID, Kind: PaymentKindRefund, Amount: e.Amount, ExternalRef: "ch_1", Status: PaymentTxSucceeded}
	inserted, err = svc.RecordPayment(ctx, refund)
	require.NoError(t, err)
	assert.True(t, inserted, "kind is part of the key")

	payments, err := svc.ListPayments(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestRecordRefs(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	e := createEscrow(t, svc)

	require.NoError(t, svc.RecordPayoutRef(ctx, e.ID, "tr_1"))
	require.NoError(t, svc.RecordRefundRef(ctx, e.ID, "re_1"))
	got, _ := svc.FindByPayoutRef(ctx, "tr_1")
	require.NotNil(t, got)
	assert.Equal(t, "re_1", got.ExternalRefundRef)
	assert.Equal(t, StatusPending, got.Status)

	require.NoError(t, svc.RecordPayoutRef(ctx, e.ID, ""))
	_, err := svc.FindByPayoutRef(ctx, "tr_1")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestListByUser(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	createEscrow(t, svc)
	_, err := svc.Create(ctx, CreateRequest{ProjectID: 2, BuyerID: 5, SellerID: 1, Amount: 100})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{ProjectID: 3, BuyerID: 5, SellerID: 6, Amount: 100})
	require.NoError(t, err)

	list, err := svc.ListByUser(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Greater(t, list[0].ID, list[1].ID, "newest first")
}
