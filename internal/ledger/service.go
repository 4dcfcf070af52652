package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/traces"
)

// CreditRequest credits a seller for a released escrow.
type CreditRequest struct {
	UserID      int64
	Amount      money.Amount
	EscrowID    int64
	ProjectID   int64
	Description string
}

// Service owns every wallet balance mutation.
type Service struct {
	store         Store
	payouts       PayoutSender
	observer      Observer
	minWithdrawal money.Amount
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a ledger service.
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

// WithPayoutSender sets the gateway used by ProcessWithdrawal.
func (s *Service) WithPayoutSender(p PayoutSender) *Service {
	s.payouts = p
	return s
}

// WithObserver adds an observer for credits and settled withdrawals.
func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

// WithMinWithdrawal sets the smallest amount RequestWithdrawal accepts.
func (s *Service) WithMinWithdrawal(min money.Amount) *Service {
	s.minWithdrawal = min
	return s
}

// GetAccount returns the wallet for a user.
func (s *Service) GetAccount(ctx context.Context, userID int64) (*Account, error) {
	return s.store.GetAccount(ctx, userID)
}

// GetWithdrawal returns one withdrawal request.
func (s *Service) GetWithdrawal(ctx context.Context, id int64) (*Withdrawal, error) {
	return s.store.GetWithdrawal(ctx, id)
}

// ListTransactions returns the wallet's ledger rows, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	return s.store.ListTransactions(ctx, userID, clampLimit(limit))
}

// ListWithdrawals returns the user's withdrawal requests, newest first.
func (s *Service) ListWithdrawals(ctx context.Context, userID int64, limit int) ([]*Withdrawal, error) {
	return s.store.ListWithdrawals(ctx, userID, clampLimit(limit))
}

// CreditEarnings adds a completed credit row for an escrow. A second credit
// for the same escrow returns ErrDuplicateCredit and changes nothing.
func (s *Service) CreditEarnings(ctx context.Context, req CreditRequest) (_ *Transaction, err error) {
	defer observeOp("credit")(&err)
	ctx, span := traces.StartSpan(ctx, "ledger.CreditEarnings",
		traces.UserID(req.UserID), traces.EscrowID(req.EscrowID), traces.AmountMinor(req.Amount.MinorUnits()))
	defer span.End()
	defer func() {
		if !errors.Is(err, ErrDuplicateCredit) {
			traces.RecordError(span, err)
		}
	}()

	if !req.Amount.Positive() {
		return nil, ErrInvalidAmount
	}

	var credit *Transaction
	err = s.store.WithAccount(ctx, req.UserID, func(tx AccountTx) error {
		exists, err := tx.HasActiveCredit(req.EscrowID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateCredit
		}

		acct := tx.Account()
		balance := acct.Balance + req.Amount
		escrowID, projectID := req.EscrowID, req.ProjectID
		credit = &Transaction{
			UserID:       req.UserID,
			Type:         TxCredit,
			Amount:       req.Amount,
			BalanceAfter: balance,
			EscrowID:     &escrowID,
			Description:  req.Description,
			Status:       TxCompleted,
			CreatedAt:    s.now(),
		}
		if projectID > 0 {
			credit.ProjectID = &projectID
		}
		tx.SetBalances(balance, acct.PendingBalance)
		return tx.Append(credit)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateCredit) {
			logging.L(ctx).Info("duplicate credit ignored", "userId", req.UserID, "escrowId", req.EscrowID)
		}
		return nil, err
	}

	logging.L(ctx).Info("wallet credited",
		"userId", req.UserID, "escrowId", req.EscrowID,
		"amount", req.Amount.String(), "balanceAfter", credit.BalanceAfter.String())
	if s.observer != nil {
		s.observer.WalletCredited(ctx, credit)
	}
	return credit, nil
}

// RequestWithdrawal debits the balance at request time and records a
// pending withdrawal. The debit row stays pending until ProcessWithdrawal
// settles it.
func (s *Service) RequestWithdrawal(ctx context.Context, userID int64, amount money.Amount) (_ *Withdrawal, err error) {
	defer observeOp("withdrawal_request")(&err)

	if !amount.Positive() {
		return nil, ErrInvalidAmount
	}
	if amount < s.minWithdrawal {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, s.minWithdrawal)
	}

	var w *Withdrawal
	err = s.store.WithAccount(ctx, userID, func(tx AccountTx) error {
		acct := tx.Account()
		if acct.Balance < amount {
			return ErrInsufficientBalance
		}

		now := s.now()
		w = &Withdrawal{
			UserID:      userID,
			Amount:      amount,
			Status:      WithdrawalPending,
			RequestedAt: now,
		}
		if err := tx.CreateWithdrawal(w); err != nil {
			return err
		}

		balance := acct.Balance - amount
		withdrawalID := w.ID
		tx.SetBalances(balance, acct.PendingBalance+amount)
		return tx.Append(&Transaction{
			UserID:       userID,
			Type:         TxWithdrawal,
			Amount:       -amount,
			BalanceAfter: balance,
			WithdrawalID: &withdrawalID,
			Description:  fmt.Sprintf("withdrawal #%d", w.ID),
			Status:       TxPending,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("withdrawal requested",
		"userId", userID, "withdrawalId", w.ID, "amount", amount.String())
	return w, nil
}

// ProcessWithdrawal pays out a withdrawal. The processing state is committed
// before the gateway call so no lock is held across it. A settled
// withdrawal is returned unchanged.
//
// Only the call that moved the withdrawal from pending to processing may
// reverse the debit. A call that finds it already processing resends the
// payout under the same idempotency key to finish an interrupted attempt;
// if that fails the withdrawal stays processing and ErrWithdrawalInFlight
// is returned. The claiming call also leaves it processing when the
// provider reports the key in flight. Otherwise a gateway failure reverses
// the debit and the failed withdrawal is returned with an error wrapping
// ErrPayoutFailed.
//
// Once claimed, the payout and its settlement no longer follow ctx
// cancellation: a caller hanging up must not strand the withdrawal.
func (s *Service) ProcessWithdrawal(ctx context.Context, id int64) (_ *Withdrawal, err error) {
	defer observeOp("withdrawal_process")(&err)
	ctx, span := traces.StartSpan(ctx, "ledger.ProcessWithdrawal", traces.WithdrawalID(id))
	defer span.End()
	defer func() { traces.RecordError(span, err) }()

	if s.payouts == nil {
		return nil, errors.New("ledger: no payout sender configured")
	}

	current, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}

	var w *Withdrawal
	claimed := false
	err = s.store.WithAccount(ctx, current.UserID, func(tx AccountTx) error {
		locked, err := tx.Withdrawal(id)
		if err != nil {
			return err
		}
		w = locked
		if w.Status != WithdrawalPending {
			return nil
		}
		w.Status = WithdrawalProcessing
		if err := tx.UpdateWithdrawal(w); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if w.Settled() {
		return w, nil
	}

	ctx = context.WithoutCancel(ctx)
	ref, payErr := s.payouts.SendWithdrawal(ctx, w)
	if payErr != nil {
		if !claimed || isInFlight(payErr) {
			logging.L(ctx).Warn("withdrawal payout not settled, left processing",
				"withdrawalId", w.ID, "claimed", claimed, "error", payErr)
			return w, fmt.Errorf("%w: %w", ErrWithdrawalInFlight, payErr)
		}
		failed := s.failWithdrawal(ctx, w, payErr)
		return failed, fmt.Errorf("%w: %w", ErrPayoutFailed, payErr)
	}
	return s.completeWithdrawal(ctx, w, ref)
}

func (s *Service) completeWithdrawal(ctx context.Context, w *Withdrawal, ref string) (*Withdrawal, error) {
	var done *Withdrawal
	changed := false
	err := s.store.WithAccount(ctx, w.UserID, func(tx AccountTx) error {
		locked, err := tx.Withdrawal(w.ID)
		if err != nil {
			return err
		}
		done = locked
		if locked.Status != WithdrawalProcessing {
			return nil
		}

		now := s.now()
		locked.Status = WithdrawalCompleted
		locked.ExternalPayoutRef = ref
		locked.ProcessedAt = &now
		if err := tx.UpdateWithdrawal(locked); err != nil {
			return err
		}
		row, err := tx.WithdrawalTransaction(locked.ID)
		if err != nil {
			return err
		}
		if err := tx.SetTransactionStatus(row.ID, TxCompleted); err != nil {
			return err
		}
		acct := tx.Account()
		tx.SetBalances(acct.Balance, acct.PendingBalance-locked.Amount)
		changed = true
		return nil
	})
	if err != nil {
		// The payout went out; the gateway reference is in the log for
		// manual repair.
		logging.L(ctx).Error("failed to record completed withdrawal",
			"withdrawalId", w.ID, "payoutRef", ref, "error", err)
		return nil, err
	}

	if changed {
		logging.L(ctx).Info("withdrawal completed",
			"withdrawalId", done.ID, "userId", done.UserID, "payoutRef", ref)
		if s.observer != nil {
			s.observer.WithdrawalSettled(ctx, done)
		}
	}
	return done, nil
}

// failWithdrawal reverses the debit of a processing withdrawal: the request
// and its debit row become failed and a refund row restores the balance. It
// runs at most once per withdrawal because only a processing withdrawal is
// reversed. Its own errors are logged and never returned, so they cannot
// mask the gateway failure.
func (s *Service) failWithdrawal(ctx context.Context, w *Withdrawal, cause error) *Withdrawal {
	failed := *w
	changed := false
	err := s.store.WithAccount(ctx, w.UserID, func(tx AccountTx) error {
		locked, err := tx.Withdrawal(w.ID)
		if err != nil {
			return err
		}
		failed = *locked
		if locked.Status != WithdrawalProcessing {
			return nil
		}

		now := s.now()
		locked.Status = WithdrawalFailed
		locked.ErrorMessage = cause.Error()
		locked.ProcessedAt = &now
		if err := tx.UpdateWithdrawal(locked); err != nil {
			return err
		}
		row, err := tx.WithdrawalTransaction(locked.ID)
		if err != nil {
			return err
		}
		if err := tx.SetTransactionStatus(row.ID, TxFailed); err != nil {
			return err
		}

		acct := tx.Account()
		balance := acct.Balance + locked.Amount
		withdrawalID := locked.ID
		tx.SetBalances(balance, acct.PendingBalance-locked.Amount)
		if err := tx.Append(&Transaction{
			UserID:       locked.UserID,
			Type:         TxRefund,
			Amount:       locked.Amount,
			BalanceAfter: balance,
			WithdrawalID: &withdrawalID,
			Description:  fmt.Sprintf("reversal of withdrawal #%d", locked.ID),
			Status:       TxCompleted,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		failed = *locked
		changed = true
		return nil
	})
	if err != nil {
		LedgerCompensationFailures.Inc()
		logging.L(ctx).Error("withdrawal reversal failed",
			"withdrawalId", w.ID, "userId", w.UserID, "amount", w.Amount.String(),
			"cause", cause, "error", err)
		return &failed
	}

	if changed {
		logging.L(ctx).Warn("withdrawal failed, debit reversed",
			"withdrawalId", w.ID, "userId", w.UserID, "error", cause)
		if s.observer != nil {
			s.observer.WithdrawalSettled(ctx, &failed)
		}
	}
	return &failed
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
