package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/escrowpay/internal/circuitbreaker"
	"github.com/mbd888/escrowpay/internal/escrow"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/traces"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/payout"
	"github.com/stripe/stripe-go/v81/refund"
	"github.com/stripe/stripe-go/v81/transfer"
)

// Config holds provider connection settings.
type Config struct {
	SecretKey string
	// APIURL overrides the Stripe endpoint (stripe-mock, tests).
	APIURL            string
	Currency          string
	Timeout           time.Duration
	MaxNetworkRetries int64
	HTTPClient        *http.Client
}

// Adapter wraps the Stripe API for payouts, refunds and withdrawals.
type Adapter struct {
	escrows   EscrowRecorder
	accounts  AccountStore
	transfers *transfer.Client
	refunds   *refund.Client
	payouts   *payout.Client
	currency  string
	timeout   time.Duration
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
}

// NewAdapter creates a gateway adapter.
func NewAdapter(cfg Config, escrows EscrowRecorder, accounts AccountStore, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	bc := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     &stripeLogger{logger: logger},
	}
	if cfg.APIURL != "" {
		bc.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)

	return &Adapter{
		escrows:   escrows,
		accounts:  accounts,
		transfers: &transfer.Client{B: backend, Key: cfg.SecretKey},
		refunds:   &refund.Client{B: backend, Key: cfg.SecretKey},
		payouts:   &payout.Client{B: backend, Key: cfg.SecretKey},
		currency:  strings.ToLower(cfg.Currency),
		timeout:   cfg.Timeout,
		breaker:   circuitbreaker.New(5, 30*time.Second),
		logger:    logger,
	}
}

// WithBreaker replaces the circuit breaker.
func (a *Adapter) WithBreaker(b *circuitbreaker.Breaker) *Adapter {
	a.breaker = b
	return a
}

// CreatePayout transfers a release_requested escrow's amount to the seller's
// connected account. An escrow that already carries a payout reference is
// returned as is.
func (a *Adapter) CreatePayout(ctx context.Context, escrowID int64) (result *PayoutResult, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway.CreatePayout", traces.EscrowID(escrowID))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	e, err := a.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != escrow.StatusReleaseRequested {
		return nil, fmt.Errorf("%w: escrow %d is %s", ErrNotAwaitingPayout, e.ID, e.Status)
	}

	attempt, err := a.failedTransfers(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	key := ReleaseKey(e.ID, attempt)
	span.SetAttributes(traces.IdempotencyKey(key))

	if e.ExternalPayoutRef != "" {
		return &PayoutResult{
			EscrowID: e.ID, TransferID: e.ExternalPayoutRef, Amount: e.Amount,
			IdempotencyKey: key, Existing: true,
		}, nil
	}

	dest, err := a.destination(ctx, "payout", e.SellerID)
	if err != nil {
		return nil, err
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(e.Amount.MinorUnits()),
		Currency:      stripe.String(a.currency),
		Destination:   stripe.String(dest),
		TransferGroup: stripe.String(fmt.Sprintf("escrow_%d", e.ID)),
	}
	params.AddMetadata("escrow_id", strconv.FormatInt(e.ID, 10))
	params.AddMetadata("project_id", strconv.FormatInt(e.ProjectID, 10))
	params.AddMetadata("seller_id", strconv.FormatInt(e.SellerID, 10))

	var t *stripe.Transfer
	err = a.call(ctx, "payout", key, e.Amount, func(ctx context.Context) error {
		params.Context = ctx
		params.SetIdempotencyKey(key)
		var callErr error
		t, callErr = a.transfers.New(params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if err := a.escrows.RecordPayoutRef(ctx, e.ID, t.ID); err != nil {
		// The transfer exists; transfer.paid still resolves the escrow by metadata.
		a.logger.Error("failed to record payout reference",
			"escrowId", e.ID, "transferId", t.ID, "error", err)
	}
	a.logger.Info("payout created", "escrowId", e.ID, "transferId", t.ID, "idempotencyKey", key)

	return &PayoutResult{
		EscrowID:       e.ID,
		TransferID:     t.ID,
		Destination:    dest,
		Amount:         e.Amount,
		IdempotencyKey: key,
	}, nil
}

// CreateRefund refunds the buyer's payment for an escrow. A nil amount
// refunds the whole escrow.
func (a *Adapter) CreateRefund(ctx context.Context, escrowID int64, amount *money.Amount, reason string) (result *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway.CreateRefund", traces.EscrowID(escrowID))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	e, err := a.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.ExternalPaymentRef == "" {
		return nil, ErrNoPayment
	}

	refundAmount := e.Amount
	if amount != nil {
		if !amount.Positive() || *amount > e.Amount {
			return nil, fmt.Errorf("%w: refund must be between 0 and %s", escrow.ErrInvalidAmount, e.Amount)
		}
		refundAmount = *amount
	}

	key := RefundKey(e.ID)
	span.SetAttributes(traces.IdempotencyKey(key), traces.AmountMinor(refundAmount.MinorUnits()))

	if e.ExternalRefundRef != "" {
		return &RefundResult{
			EscrowID: e.ID, RefundID: e.ExternalRefundRef, Amount: refundAmount,
			IdempotencyKey: key, Existing: true,
		}, nil
	}

	params := &stripe.RefundParams{
		Amount: stripe.Int64(refundAmount.MinorUnits()),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if strings.HasPrefix(e.ExternalPaymentRef, "ch_") {
		params.Charge = stripe.String(e.ExternalPaymentRef)
	} else {
		params.PaymentIntent = stripe.String(e.ExternalPaymentRef)
	}
	params.AddMetadata("escrow_id", strconv.FormatInt(e.ID, 10))
	if reason != "" {
		params.AddMetadata("reason", reason)
	}

	var r *stripe.Refund
	err = a.call(ctx, "refund", key, refundAmount, func(ctx context.Context) error {
		params.Context = ctx
		params.SetIdempotencyKey(key)
		var callErr error
		r, callErr = a.refunds.New(params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if err := a.escrows.RecordRefundRef(ctx, e.ID, r.ID); err != nil {
		a.logger.Error("failed to record refund reference",
			"escrowId", e.ID, "refundId", r.ID, "error", err)
	}
	a.logger.Info("refund created", "escrowId", e.ID, "refundId", r.ID, "amount", refundAmount.String())

	return &RefundResult{
		EscrowID:       e.ID,
		RefundID:       r.ID,
		Amount:         refundAmount,
		Status:         string(r.Status),
		IdempotencyKey: key,
	}, nil
}

// CreateWithdrawalPayout pays a wallet withdrawal out of the user's
// connected account balance.
func (a *Adapter) CreateWithdrawalPayout(ctx context.Context, withdrawalID, userID int64, amount money.Amount) (ref string, err error) {
	key := WithdrawalKey(withdrawalID)
	ctx, span := traces.StartSpan(ctx, "gateway.CreateWithdrawalPayout",
		traces.WithdrawalID(withdrawalID), traces.UserID(userID), traces.IdempotencyKey(key))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	dest, err := a.destination(ctx, "withdrawal", userID)
	if err != nil {
		return "", err
	}

	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(amount.MinorUnits()),
		Currency: stripe.String(a.currency),
	}
	params.SetStripeAccount(dest)
	params.AddMetadata("withdrawal_id", strconv.FormatInt(withdrawalID, 10))
	params.AddMetadata("user_id", strconv.FormatInt(userID, 10))

	var p *stripe.Payout
	err = a.call(ctx, "withdrawal", key, amount, func(ctx context.Context) error {
		params.Context = ctx
		params.SetIdempotencyKey(key)
		var callErr error
		p, callErr = a.payouts.New(params)
		return callErr
	})
	if err != nil {
		return "", err
	}
	a.logger.Info("withdrawal payout created", "withdrawalId", withdrawalID, "payoutId", p.ID)
	return p.ID, nil
}

// SendWithdrawal implements ledger.PayoutSender.
func (a *Adapter) SendWithdrawal(ctx context.Context, w *ledger.Withdrawal) (string, error) {
	return a.CreateWithdrawalPayout(ctx, w.ID, w.UserID, w.Amount)
}

// ForEscrows adapts the adapter to the escrow handlers' gateway contract.
func (a *Adapter) ForEscrows() escrow.PaymentGateway {
	return escrowGateway{a: a}
}

type escrowGateway struct {
	a *Adapter
}

func (g escrowGateway) CreatePayout(ctx context.Context, escrowID int64) (string, error) {
	r, err := g.a.CreatePayout(ctx, escrowID)
	if err != nil {
		return "", err
	}
	return r.TransferID, nil
}

func (g escrowGateway) CreateRefund(ctx context.Context, escrowID int64, amount *money.Amount, reason string) (string, error) {
	r, err := g.a.CreateRefund(ctx, escrowID, amount, reason)
	if err != nil {
		return "", err
	}
	return r.RefundID, nil
}

func (a *Adapter) destination(ctx context.Context, op string, userID int64) (string, error) {
	acct, err := a.accounts.Get(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) || (err == nil && (!acct.PayoutsEnabled || acct.ExternalAccountID == "")) {
		gwCalls.WithLabelValues(op, "missing_destination").Inc()
		return "", fmt.Errorf("%w: user %d", ErrMissingDestination, userID)
	}
	if err != nil {
		return "", err
	}
	return acct.ExternalAccountID, nil
}

func (a *Adapter) failedTransfers(ctx context.Context, escrowID int64) (int, error) {
	payments, err := a.escrows.ListPayments(ctx, escrowID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range payments {
		if p.Kind == escrow.PaymentKindTransfer && p.Status == escrow.PaymentTxFailed {
			n++
		}
	}
	return n, nil
}

// call runs one provider request under the breaker and a bounded deadline.
func (a *Adapter) call(ctx context.Context, op, key string, amount money.Amount, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	err := a.breaker.Execute(op, countable, func() error { return fn(ctx) })
	gwCallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		gwCalls.WithLabelValues(op, "circuit_open").Inc()
		return &Error{Op: op, Message: "circuit open", Err: err}
	case err != nil:
		gwCalls.WithLabelValues(op, "error").Inc()
		gerr := mapError(op, err)
		a.logger.Warn("gateway call failed", "op", op, "idempotencyKey", key,
			"status", gerr.StatusCode, "code", gerr.Code, "error", gerr.Message)
		return gerr
	}
	gwCalls.WithLabelValues(op, "success").Inc()
	gwAmountMinor.WithLabelValues(op).Observe(float64(amount.MinorUnits()))
	return nil
}

// countable trips the breaker only on failures that say the provider is
// unhealthy, not on rejected requests.
func countable(err error) bool {
	return mapError("", err).Retryable()
}

func mapError(op string, err error) *Error {
	var se *stripe.Error
	if errors.As(err, &se) {
		msg := se.Msg
		if msg == "" {
			msg = string(se.Type)
		}
		return &Error{Op: op, StatusCode: se.HTTPStatusCode, Code: string(se.Code), Message: msg, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Message: "timed out", Err: err}
	}
	return &Error{Op: op, Message: err.Error(), Err: err}
}

// stripeLogger routes stripe-go's internal logging into slog.
type stripeLogger struct {
	logger *slog.Logger
}

func (l *stripeLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *stripeLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *stripeLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *stripeLogger) Errorf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), "component", "stripe")
}
