// Package ledger keeps seller wallets on the platform.
//
// Flow:
//  1. An escrow is released; the seller's wallet is credited once per escrow
//  2. The seller requests a withdrawal; the balance is debited immediately
//  3. A worker processes the withdrawal through the payment gateway
//  4. Gateway success completes it; failure reverses the debit with a refund row
//
// Every balance change appends a Transaction carrying the post-change
// balance, so replaying a wallet's rows in order reproduces every
// intermediate balance.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowpay/internal/money"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateCredit     = errors.New("escrow already credited")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinimum        = errors.New("amount below minimum withdrawal")
	ErrWithdrawalNotFound  = errors.New("withdrawal not found")
	ErrPayoutFailed        = errors.New("withdrawal payout failed")
	ErrWithdrawalInFlight  = errors.New("withdrawal payout already in flight")
)

// TxType classifies a ledger row.
type TxType string

const (
	TxCredit     TxType = "credit"
	TxWithdrawal TxType = "withdrawal"
	TxRefund     TxType = "refund"
)

// TxStatus is the settlement state of a ledger row.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// WithdrawalStatus tracks a payout request.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// Account is a seller wallet. PendingBalance is the sum of withdrawals that
// were debited but have not settled yet.
type Account struct {
	UserID         int64        `json:"userId"`
	Balance        money.Amount `json:"balance"`
	PendingBalance money.Amount `json:"pendingBalance"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Transaction is one append-only ledger row. Only Status changes after insert.
type Transaction struct {
	ID           int64        `json:"id"`
	UserID       int64        `json:"userId"`
	Type         TxType       `json:"type"`
	Amount       money.Amount `json:"amount"` // signed: debits are negative
	BalanceAfter money.Amount `json:"balanceAfter"`
	EscrowID     *int64       `json:"escrowId,omitempty"`
	ProjectID    *int64       `json:"projectId,omitempty"`
	WithdrawalID *int64       `json:"withdrawalId,omitempty"`
	Description  string       `json:"description"`
	Status       TxStatus     `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Withdrawal is a seller-initiated payout ask.
type Withdrawal struct {
	ID                int64            `json:"id"`
	UserID            int64            `json:"userId"`
	Amount            money.Amount     `json:"amount"`
	Status            WithdrawalStatus `json:"status"`
	ExternalPayoutRef string           `json:"externalPayoutRef,omitempty"`
	ErrorMessage      string           `json:"errorMessage,omitempty"`
	RequestedAt       time.Time        `json:"requestedAt"`
	ProcessedAt       *time.Time       `json:"processedAt,omitempty"`
}

// Settled reports whether the withdrawal reached a final state.
func (w *Withdrawal) Settled() bool {
	return w.Status == WithdrawalCompleted || w.Status == WithdrawalFailed
}

// AccountTx is the unit of work on one locked wallet. Nothing written
// through it is visible to others until the enclosing WithAccount returns
// nil.
type AccountTx interface {
	Account() *Account
	// SetBalances stages new balance and pending balance values.
	SetBalances(balance, pending money.Amount)
	// HasActiveCredit reports whether a credit row with status other than
	// failed already exists for the escrow.
	HasActiveCredit(escrowID int64) (bool, error)
	Append(t *Transaction) error
	SetTransactionStatus(id int64, status TxStatus) error
	// WithdrawalTransaction returns the debit row written for a withdrawal.
	WithdrawalTransaction(withdrawalID int64) (*Transaction, error)
	CreateWithdrawal(w *Withdrawal) error
	// Withdrawal returns a withdrawal of this wallet; the wallet lock covers it.
	Withdrawal(id int64) (*Withdrawal, error)
	UpdateWithdrawal(w *Withdrawal) error
}

// Store persists wallets, ledger rows and withdrawals.
type Store interface {
	// WithAccount locks the wallet (creating it at zero on first access),
	// runs fn and commits everything fn staged atomically. Any error or
	// panic from fn discards the staged writes and releases the lock.
	WithAccount(ctx context.Context, userID int64, fn func(tx AccountTx) error) error

	// GetAccount returns the wallet, or a zero wallet if none exists yet.
	GetAccount(ctx context.Context, userID int64) (*Account, error)
	GetWithdrawal(ctx context.Context, id int64) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, userID int64, limit int) ([]*Withdrawal, error)
	// ListTransactions returns the newest rows first.
	ListTransactions(ctx context.Context, userID int64, limit int) ([]*Transaction, error)
	// History returns every row of the wallet in insertion order.
	History(ctx context.Context, userID int64) ([]*Transaction, error)
	// Snapshot returns the wallet and its history as of one point in time,
	// so no write can land between the two reads.
	Snapshot(ctx context.Context, userID int64) (*Account, []*Transaction, error)
	ListAccountIDs(ctx context.Context) ([]int64, error)
}

// PayoutSender moves withdrawn funds to the seller's external account.
type PayoutSender interface {
	SendWithdrawal(ctx context.Context, w *Withdrawal) (string, error)
}

// inFlight is implemented by sender errors that report another request with
// the same idempotency key still running at the provider.
type inFlight interface {
	InFlight() bool
}

func isInFlight(err error) bool {
	var f inFlight
	return errors.As(err, &f) && f.InFlight()
}

// Observer is told about credits and settled withdrawals. It must not block.
type Observer interface {
	WalletCredited(ctx context.Context, t *Transaction)
	WithdrawalSettled(ctx context.Context, w *Withdrawal)
}
