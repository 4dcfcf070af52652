package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	ProjectID          int64        `json:"projectId" binding:"required"`
	BuyerID            int64        `json:"buyerId" binding:"required"`
	SellerID           int64        `json:"sellerId" binding:"required"`
	Amount             money.Amount `json:"amount"`
	ExternalPaymentRef string       `json:"externalPaymentRef"`
}

// TransitionRequest asks for a lifecycle move.
type TransitionRequest struct {
	To          Status            `json:"to"`
	ActorKind   ActorKind         `json:"actorKind"`
	ActorUserID *int64            `json:"actorUserId,omitempty"`
	Reason      string            `json:"reason"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// From, when set, is the precondition on the current state. A mismatch
	// fails instead of forcing the state, unless the escrow is already at To.
	From []Status `json:"from,omitempty"`
}

// ActorRequest identifies the caller of a party-initiated operation.
type ActorRequest struct {
	ActorKind   ActorKind `json:"-"`
	ActorUserID *int64    `json:"-"`
	Reason      string    `json:"reason"`
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithObserver adds an observer notified after every applied transition.
func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

// Create opens a pending escrow.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if !req.Amount.Positive() {
		return nil, ErrInvalidAmount
	}
	if req.BuyerID == req.SellerID {
		return nil, ErrSameParty
	}

	now := s.now()
	e := &Escrow{
		ProjectID:          req.ProjectID,
		BuyerID:            req.BuyerID,
		SellerID:           req.SellerID,
		Amount:             req.Amount,
		Status:             StatusPending,
		PaymentStatus:      PaymentPending,
		ExternalPaymentRef: req.ExternalPaymentRef,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	escrowsCreated.Inc()
	logging.L(ctx).Info("escrow created",
		"escrowId", e.ID, "projectId", e.ProjectID,
		"buyerId", e.BuyerID, "sellerId", e.SellerID, "amount", e.Amount.String())
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id int64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// FindByPaymentRef resolves an escrow from its gateway payment reference.
func (s *Service) FindByPaymentRef(ctx context.Context, ref string) (*Escrow, error) {
	if ref == "" {
		return nil, ErrEscrowNotFound
	}
	return s.store.FindByPaymentRef(ctx, ref)
}

// FindByPayoutRef resolves an escrow from its gateway payout reference.
func (s *Service) FindByPayoutRef(ctx context.Context, ref string) (*Escrow, error) {
	if ref == "" {
		return nil, ErrEscrowNotFound
	}
	return s.store.FindByPayoutRef(ctx, ref)
}

// ListByUser returns escrows where the user is buyer or seller, newest first.
func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListTransitions returns the audit trail of an escrow, oldest first.
func (s *Service) ListTransitions(ctx context.Context, id int64) ([]*Transition, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, id)
}

// ListPayments returns the gateway money movements recorded for an escrow.
func (s *Service) ListPayments(ctx context.Context, id int64) ([]*PaymentTransaction, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListPayments(ctx, id)
}

// RecordPayment audits a gateway money movement. Returns false when the
// same (escrow, kind, ref) was already recorded.
func (s *Service) RecordPayment(ctx context.Context, p *PaymentTransaction) (bool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	inserted, err := s.store.RecordPayment(ctx, p)
	if err != nil {
		return false, fmt.Errorf("failed to record payment transaction: %w", err)
	}
	if inserted {
		paymentsRecorded.WithLabelValues(string(p.Kind), string(p.Status)).Inc()
	}
	return inserted, nil
}

// Transition moves an escrow along the transition table under the row lock
// and appends the audit row in the same unit of work. Requesting the current
// state is a no-op success without an audit row.
func (s *Service) Transition(ctx context.Context, id int64, req TransitionRequest) (*AppliedTransition, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Transition",
		traces.EscrowID(id), attribute.String("escrow.to", string(req.To)))
	defer span.End()

	if !req.To.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, req.To)
	}
	if !req.ActorKind.Valid() {
		return nil, fmt.Errorf("%w: unknown actor kind %q", ErrUnauthorized, req.ActorKind)
	}

	var applied *Transition
	e, err := s.store.Mutate(ctx, id, func(e *Escrow) (*Transition, error) {
		t, err := s.apply(e, req)
		applied = t
		return t, err
	})
	res, err := s.finish(ctx, req.To, e, applied, err)
	if err != nil {
		traces.RecordError(span, err)
	}
	return res, err
}

// RequestRelease records the buyer's approval. A funded escrow moves to
// release_requested; a pending one keeps the approval until funding
// confirms, at which point the funding handler advances it.
func (s *Service) RequestRelease(ctx context.Context, id, buyerID int64) (*AppliedTransition, error) {
	var applied *Transition
	e, err := s.store.Mutate(ctx, id, func(e *Escrow) (*Transition, error) {
		if e.BuyerID != buyerID {
			return nil, ErrUnauthorized
		}
		approve := func() bool {
			if e.BuyerApprovedAt != nil {
				return false
			}
			now := s.now()
			e.BuyerApprovedAt = &now
			return true
		}

		switch e.Status {
		case StatusPending:
			if !approve() {
				return nil, errNoChange
			}
			return nil, nil
		case StatusFunded:
			approve()
			t, err := s.apply(e, TransitionRequest{
				To:          StatusReleaseRequested,
				ActorKind:   ActorBuyer,
				ActorUserID: &buyerID,
				Reason:      "buyer approved release",
			})
			applied = t
			return t, err
		case StatusReleaseRequested, StatusReleased:
			return nil, errNoChange
		default:
			return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidTransition, e.Status)
		}
	})
	return s.finish(ctx, StatusReleaseRequested, e, applied, err)
}

// RequestRefund moves a funded or release-requested escrow to
// refund_requested. Buyers dispute instead of refunding themselves.
func (s *Service) RequestRefund(ctx context.Context, id int64, req ActorRequest) (*AppliedTransition, error) {
	return s.partyTransition(ctx, id, req, TransitionRequest{
		To:   StatusRefundRequested,
		From: []Status{StatusFunded, StatusReleaseRequested},
	}, ActorSeller, ActorAdmin, ActorSystem)
}

// Dispute moves an escrow to disputed from any state.
func (s *Service) Dispute(ctx context.Context, id int64, req ActorRequest) (*AppliedTransition, error) {
	return s.partyTransition(ctx, id, req, TransitionRequest{
		To: StatusDisputed,
	}, ActorBuyer, ActorSeller, ActorAdmin)
}

func (s *Service) partyTransition(ctx context.Context, id int64, actor ActorRequest, req TransitionRequest, allowed ...ActorKind) (*AppliedTransition, error) {
	req.ActorKind = actor.ActorKind
	req.ActorUserID = actor.ActorUserID
	req.Reason = actor.Reason

	var applied *Transition
	e, err := s.store.Mutate(ctx, id, func(e *Escrow) (*Transition, error) {
		if err := authorize(e, actor.ActorKind, actor.ActorUserID, allowed...); err != nil {
			return nil, err
		}
		t, err := s.apply(e, req)
		applied = t
		return t, err
	})
	return s.finish(ctx, req.To, e, applied, err)
}

// UpdatePaymentStatus moves only the funding leg and the gateway payment
// reference. It never changes the lifecycle status; moving backwards
// returns ErrPaymentRegression.
func (s *Service) UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus, externalRef string) (*Escrow, error) {
	if !status.Valid() {
		return nil, errInvalidPaymentStatus
	}

	e, err := s.store.Mutate(ctx, id, func(e *Escrow) (*Transition, error) {
		if e.PaymentStatus == status {
			if externalRef != "" && e.ExternalPaymentRef == "" {
				e.ExternalPaymentRef = externalRef
				return nil, nil
			}
			return nil, errNoChange
		}
		if !CanAdvancePayment(e.PaymentStatus, status) {
			return nil, fmt.Errorf("%w: %s → %s", ErrPaymentRegression, e.PaymentStatus, status)
		}
		e.PaymentStatus = status
		if externalRef != "" {
			e.ExternalPaymentRef = externalRef
		}
		return nil, nil
	})
	switch {
	case errors.Is(err, errNoChange):
		return e, nil
	case err != nil:
		return nil, err
	}

	paymentStatusUpdates.WithLabelValues(string(status)).Inc()
	logging.L(ctx).Info("escrow payment status updated",
		"escrowId", id, "paymentStatus", status, "externalRef", externalRef)
	return e, nil
}

// RecordPayoutRef stores the gateway transfer id. An empty ref clears it.
func (s *Service) RecordPayoutRef(ctx context.Context, id int64, ref string) error {
	return s.setRef(ctx, id, func(e *Escrow) *string { return &e.ExternalPayoutRef }, ref)
}

// RecordRefundRef stores the gateway refund id.
func (s *Service) RecordRefundRef(ctx context.Context, id int64, ref string) error {
	return s.setRef(ctx, id, func(e *Escrow) *string { return &e.ExternalRefundRef }, ref)
}

func (s *Service) setRef(ctx context.Context, id int64, field func(*Escrow) *string, ref string) error {
	_, err := s.store.Mutate(ctx, id, func(e *Escrow) (*Transition, error) {
		f := field(e)
		if *f == ref {
			return nil, errNoChange
		}
		*f = ref
		return nil, nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// apply validates and performs one edge on a locked escrow.
func (s *Service) apply(e *Escrow, req TransitionRequest) (*Transition, error) {
	if e.Status == req.To {
		return nil, errNoChange
	}
	if len(req.From) > 0 && !slices.Contains(req.From, e.Status) {
		return nil, fmt.Errorf("%w: %s → %s (expected one of %v)", ErrInvalidTransition, e.Status, req.To, req.From)
	}
	if !CanTransition(e.Status, req.To) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, e.Status, req.To)
	}

	t := &Transition{
		EscrowID:    e.ID,
		From:        e.Status,
		To:          req.To,
		ActorKind:   req.ActorKind,
		ActorUserID: req.ActorUserID,
		Reason:      req.Reason,
		Metadata:    req.Metadata,
		CreatedAt:   s.now(),
	}
	e.Status = req.To
	return t, nil
}

func (s *Service) finish(ctx context.Context, to Status, e *Escrow, t *Transition, err error) (*AppliedTransition, error) {
	switch {
	case errors.Is(err, errNoChange):
		return &AppliedTransition{Escrow: e}, nil
	case errors.Is(err, ErrInvalidTransition):
		transitionsRejected.WithLabelValues(string(to)).Inc()
		logging.L(ctx).Warn("escrow transition rejected", "to", to, "error", err)
		return nil, err
	case err != nil:
		return nil, err
	}

	if t != nil {
		transitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
		logging.L(ctx).Info("escrow transitioned",
			"escrowId", e.ID, "from", t.From, "to", t.To,
			"actorKind", t.ActorKind, "reason", t.Reason)
		if s.observer != nil {
			s.observer.EscrowTransitioned(ctx, e, t)
		}
	}
	return &AppliedTransition{Escrow: e, Transition: t}, nil
}

func authorize(e *Escrow, kind ActorKind, userID *int64, allowed ...ActorKind) error {
	if !slices.Contains(allowed, kind) {
		return ErrUnauthorized
	}
	switch kind {
	case ActorBuyer:
		if userID == nil || *userID != e.BuyerID {
			return ErrUnauthorized
		}
	case ActorSeller:
		if userID == nil || *userID != e.SellerID {
			return ErrUnauthorized
		}
	}
	return nil
}
