// Package gateway issues idempotent outbound calls to the payment provider.
//
// Flow:
//  1. A release or refund request commits its escrow transition locally
//  2. The adapter calls Stripe with a key derived from the logical operation
//  3. Only the external reference is written back for audit
//  4. The state change itself arrives later through the webhook path
//
// The adapter never changes escrow or wallet state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowpay/internal/escrow"
	"github.com/mbd888/escrowpay/internal/money"
)

var (
	ErrMissingDestination = fmt.Errorf("gateway: %w", escrow.ErrMissingDestination)
	ErrNotAwaitingPayout  = errors.New("gateway: escrow is not awaiting payout")
	ErrNoPayment          = errors.New("gateway: escrow has no gateway payment to refund")
	ErrAccountNotFound    = errors.New("gateway: payout account not found")
)

// Error is a failed provider call. Message carries the provider's text.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s failed (%d %s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed later. Client errors
// other than rate limiting and idempotency conflicts will not.
func (e *Error) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 409 || e.StatusCode == 429 || e.StatusCode >= 500
}

// InFlight reports that the provider may still complete the request: another
// call with the same idempotency key is running (409) or this one timed out.
// Callers must not compensate for it as a failed payout.
func (e *Error) InFlight() bool {
	return e.StatusCode == 409 || errors.Is(e.Err, context.DeadlineExceeded)
}

// ReleaseKey is the idempotency key for a release payout. Attempt counts
// transfers the provider already reported failed; a retried payout after
// transfer.failed must not replay the failed transfer.
func ReleaseKey(escrowID int64, attempt int) string {
	if attempt == 0 {
		return fmt.Sprintf("escrow_%d_release", escrowID)
	}
	return fmt.Sprintf("escrow_%d_release_%d", escrowID, attempt)
}

func RefundKey(escrowID int64) string         { return fmt.Sprintf("escrow_%d_refund", escrowID) }
func WithdrawalKey(withdrawalID int64) string { return fmt.Sprintf("withdrawal_%d", withdrawalID) }

// PayoutAccount is a seller's connected account at the provider.
type PayoutAccount struct {
	UserID            int64     `json:"userId"`
	ExternalAccountID string    `json:"externalAccountId"`
	PayoutsEnabled    bool      `json:"payoutsEnabled"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// AccountStore persists payout destinations. Onboarding happens at the
// provider; this service only stores the result.
type AccountStore interface {
	Get(ctx context.Context, userID int64) (*PayoutAccount, error)
	Upsert(ctx context.Context, a *PayoutAccount) error
}

// EscrowRecorder is the slice of the escrow service the adapter needs.
type EscrowRecorder interface {
	Get(ctx context.Context, id int64) (*escrow.Escrow, error)
	RecordPayoutRef(ctx context.Context, id int64, ref string) error
	RecordRefundRef(ctx context.Context, id int64, ref string) error
	ListPayments(ctx context.Context, id int64) ([]*escrow.PaymentTransaction, error)
}

// PayoutResult describes a transfer created for a released escrow.
type PayoutResult struct {
	EscrowID       int64        `json:"escrowId"`
	TransferID     string       `json:"transferId"`
	Destination    string       `json:"destination"`
	Amount         money.Amount `json:"amount"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Existing       bool         `json:"existing,omitempty"`
}

// RefundResult describes a refund created for an escrow.
type RefundResult struct {
	EscrowID       int64        `json:"escrowId"`
	RefundID       string       `json:"refundId"`
	Amount         money.Amount `json:"amount"`
	Status         string       `json:"status"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Existing       bool         `json:"existing,omitempty"`
}
