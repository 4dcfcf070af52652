// Package reconciliation replays wallet ledgers and checks that the stored
// balances agree with the rows that produced them.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/money"
)

// Source reads wallets and their full history. Snapshot must return the
// stored balances and the rows from the same instant; a write landing
// between two separate reads would show up as a false mismatch.
type Source interface {
	Snapshot(ctx context.Context, userID int64) (*ledger.Account, []*ledger.Transaction, error)
	ListAccountIDs(ctx context.Context) ([]int64, error)
}

// RowMismatch is a ledger row whose balance_after disagrees with the
// running sum of the rows before it.
type RowMismatch struct {
	TransactionID int64        `json:"transactionId"`
	Recorded      money.Amount `json:"recorded"`
	Expected      money.Amount `json:"expected"`
}

// Report is the outcome of reconciling one wallet.
type Report struct {
	UserID          int64         `json:"userId"`
	Match           bool          `json:"match"`
	Balance         money.Amount  `json:"balance"`
	ComputedBalance money.Amount  `json:"computedBalance"`
	PendingBalance  money.Amount  `json:"pendingBalance"`
	ComputedPending money.Amount  `json:"computedPending"`
	RowsChecked     int           `json:"rowsChecked"`
	RowMismatches   []RowMismatch `json:"rowMismatches,omitempty"`
	CheckedAt       time.Time     `json:"checkedAt"`
}

// Summary aggregates one pass over every wallet.
type Summary struct {
	Accounts   int       `json:"accounts"`
	Mismatched []*Report `json:"mismatched"`
	Errors     int       `json:"errors"`
	Duration   string    `json:"duration"`
}

// Service performs ledger reconciliation.
type Service struct {
	source Source
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(source Source, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, logger: logger, now: time.Now}
}

// Reconcile replays one wallet. The balance is the running sum of every
// row, failed withdrawal debits included, since each is offset by its own
// refund row. The pending balance is the sum of still-pending debits.
func (s *Service) Reconcile(ctx context.Context, userID int64) (*Report, error) {
	acct, rows, err := s.source.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet %d: %w", userID, err)
	}

	r := &Report{
		UserID:         userID,
		Balance:        acct.Balance,
		PendingBalance: acct.PendingBalance,
		RowsChecked:    len(rows),
		CheckedAt:      s.now(),
	}
	var running, pending money.Amount
	for _, row := range rows {
		running += row.Amount
		if row.BalanceAfter != running {
			r.RowMismatches = append(r.RowMismatches, RowMismatch{
				TransactionID: row.ID,
				Recorded:      row.BalanceAfter,
				Expected:      running,
			})
		}
		if row.Type == ledger.TxWithdrawal && row.Status == ledger.TxPending {
			pending -= row.Amount
		}
	}
	r.ComputedBalance = running
	r.ComputedPending = pending
	r.Match = len(r.RowMismatches) == 0 && running == acct.Balance && pending == acct.PendingBalance
	return r, nil
}

// RunAll reconciles every wallet and updates the mismatch gauge. A wallet
// that fails to load is counted and skipped.
func (s *Service) RunAll(ctx context.Context) (*Summary, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := s.source.ListAccountIDs(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	sum := &Summary{Accounts: len(ids), Mismatched: []*Report{}}
	for _, id := range ids {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r, err := s.Reconcile(ctx, id)
		if err != nil {
			reconcileErrors.Inc()
			sum.Errors++
			s.logger.Warn("wallet reconciliation failed", "userId", id, "error", err)
			continue
		}
		if !r.Match {
			sum.Mismatched = append(sum.Mismatched, r)
			s.logger.Error("wallet ledger mismatch",
				"userId", id,
				"balance", r.Balance.String(), "computedBalance", r.ComputedBalance.String(),
				"pendingBalance", r.PendingBalance.String(), "computedPending", r.ComputedPending.String(),
				"rowMismatches", len(r.RowMismatches))
		}
	}

	reconcileLedgerMismatches.Set(float64(len(sum.Mismatched)))
	reconcileAccountsChecked.Set(float64(sum.Accounts))
	sum.Duration = time.Since(start).String()

	level := slog.LevelInfo
	if len(sum.Mismatched) > 0 || sum.Errors > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "reconciliation run finished",
		"accounts", sum.Accounts, "mismatched", len(sum.Mismatched),
		"errors", sum.Errors, "duration", sum.Duration)
	return sum, nil
}
