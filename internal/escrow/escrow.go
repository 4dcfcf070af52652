// Package escrow owns the lifecycle of marketplace escrows.
//
// Flow:
//  1. Buyer creates an escrow for a project → pending
//  2. Gateway confirms the buyer's payment (webhook) → funded
//  3. Buyer approves the work → release_requested, payout issued
//  4. Gateway confirms the transfer (webhook) → released, seller credited
//  5. Refunds go funded/release_requested → refund_requested → refunded
//  6. Any state may be moved to disputed by an operator
//
// Two independent axes are tracked per escrow: Status (the lifecycle) and
// PaymentStatus (the funding leg). Changing one never changes the other.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowpay/internal/money"
)

var (
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrInvalidTransition    = errors.New("invalid escrow transition")
	ErrPaymentRegression    = errors.New("payment status cannot move backwards")
	ErrUnauthorized         = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrSameParty            = errors.New("buyer and seller must differ")
	ErrMissingDestination   = errors.New("seller has no payout destination")
	ErrGatewayUnavailable   = errors.New("payment gateway call failed")
	errNoChange             = errors.New("no change")
	errInvalidPaymentStatus = errors.New("unknown payment status")
)

// Status is the escrow lifecycle state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusFunded           Status = "funded"
	StatusReleaseRequested Status = "release_requested"
	StatusReleased         Status = "released"
	StatusRefundRequested  Status = "refund_requested"
	StatusRefunded         Status = "refunded"
	StatusDisputed         Status = "disputed"
)

// PaymentStatus tracks the buyer's funding leg at the gateway.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
)

// ActorKind identifies who asked for a transition.
type ActorKind string

const (
	ActorBuyer   ActorKind = "buyer"
	ActorSeller  ActorKind = "seller"
	ActorAdmin   ActorKind = "admin"
	ActorSystem  ActorKind = "system"
	ActorWebhook ActorKind = "webhook"
)

// Valid reports whether k is a known actor kind.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorBuyer, ActorSeller, ActorAdmin, ActorSystem, ActorWebhook:
		return true
	}
	return false
}

// Escrow is one held-funds record for a project engagement.
type Escrow struct {
	ID                 int64         `json:"id"`
	ProjectID          int64         `json:"projectId"`
	BuyerID            int64         `json:"buyerId"`
	SellerID           int64         `json:"sellerId"`
	Amount             money.Amount  `json:"amount"`
	Status             Status        `json:"status"`
	PaymentStatus      PaymentStatus `json:"paymentStatus"`
	ExternalPaymentRef string        `json:"externalPaymentRef,omitempty"`
	ExternalPayoutRef  string        `json:"externalPayoutRef,omitempty"`
	ExternalRefundRef  string        `json:"externalRefundRef,omitempty"`
	BuyerApprovedAt    *time.Time    `json:"buyerApprovedAt,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// IsTerminal returns true once the lifecycle has settled.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Transition is one audit row: the only record of why an escrow moved.
type Transition struct {
	ID          int64             `json:"id"`
	EscrowID    int64             `json:"escrowId"`
	From        Status            `json:"from"`
	To          Status            `json:"to"`
	ActorKind   ActorKind         `json:"actorKind"`
	ActorUserID *int64            `json:"actorUserId,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// AppliedTransition is the result of a transition request. Transition is nil
// when the escrow was already in the requested state.
type AppliedTransition struct {
	Escrow     *Escrow     `json:"escrow"`
	Transition *Transition `json:"transition,omitempty"`
}

// Changed reports whether the request moved the escrow.
func (a *AppliedTransition) Changed() bool {
	return a.Transition != nil
}

// PaymentKind classifies gateway-side money movements.
type PaymentKind string

const (
	PaymentKindCharge   PaymentKind = "charge"
	PaymentKindRefund   PaymentKind = "refund"
	PaymentKindTransfer PaymentKind = "transfer"
)

// PaymentTxStatus is the gateway outcome of a money movement.
type PaymentTxStatus string

const (
	PaymentTxSucceeded PaymentTxStatus = "succeeded"
	PaymentTxFailed    PaymentTxStatus = "failed"
)

// PaymentTransaction audits one gateway money movement for an escrow.
// (EscrowID, Kind, ExternalRef) is unique.
type PaymentTransaction struct {
	ID          int64           `json:"id"`
	EscrowID    int64           `json:"escrowId"`
	Kind        PaymentKind     `json:"kind"`
	Amount      money.Amount    `json:"amount"`
	ExternalRef string          `json:"externalRef"`
	Status      PaymentTxStatus `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// MutateFunc edits a locked escrow in place. A non-nil Transition is
// appended to the audit trail in the same unit of work. Returning
// errNoChange skips the write.
type MutateFunc func(e *Escrow) (*Transition, error)

// Store persists escrows, their audit trail and their payment transactions.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id int64) (*Escrow, error)
	FindByPaymentRef(ctx context.Context, ref string) (*Escrow, error)
	FindByPayoutRef(ctx context.Context, ref string) (*Escrow, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Escrow, error)

	// Mutate locks the escrow row, applies fn and persists the result with
	// any audit row atomically. The lock is released on every exit path.
	// The escrow is returned as stored after the call, also on errNoChange.
	Mutate(ctx context.Context, id int64, fn MutateFunc) (*Escrow, error)
	ListTransitions(ctx context.Context, escrowID int64) ([]*Transition, error)

	// RecordPayment inserts a payment transaction. A duplicate
	// (escrow, kind, ref) is a no-op that returns false.
	RecordPayment(ctx context.Context, p *PaymentTransaction) (bool, error)
	ListPayments(ctx context.Context, escrowID int64) ([]*PaymentTransaction, error)
}

// Observer is told about every applied transition. It must not block.
type Observer interface {
	EscrowTransitioned(ctx context.Context, e *Escrow, t *Transition)
}
