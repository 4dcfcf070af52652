package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mbd888/escrowpay/internal/escrow"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/stripe/stripe-go/v81"
)

// PartialRefundTolerance is the shortfall, in minor units, a charge.refunded
// may carry and still count as a full refund. Anything larger disputes the
// escrow.
const PartialRefundTolerance money.Amount = 0

// Every handler re-reads the escrow and acts only on what is still missing,
// so a re-run after a crash converges instead of applying twice.

func (p *Processor) onPaymentCreated(ctx context.Context, evt *stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := decodeObject(evt, &pi); err != nil {
		return err
	}
	e, err := p.resolve(ctx, pi.Metadata, pi.ID, false)
	if err != nil {
		return err
	}
	_, err = p.escrows.UpdatePaymentStatus(ctx, e.ID, escrow.PaymentProcessing, pi.ID)
	return benign(ctx, err)
}

func (p *Processor) onPaymentSucceeded(ctx context.Context, evt *stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := decodeObject(evt, &pi); err != nil {
		return err
	}
	e, err := p.resolve(ctx, pi.Metadata, pi.ID, false)
	if err != nil {
		return err
	}

	if _, err := p.escrows.UpdatePaymentStatus(ctx, e.ID, escrow.PaymentSucceeded, pi.ID); err != nil {
		return err
	}
	if _, err := p.escrows.RecordPayment(ctx, &escrow.PaymentTransaction{
		EscrowID:    e.ID,
		Kind:        escrow.PaymentKindCharge,
		Amount:      money.FromMinor(pi.Amount),
		ExternalRef: pi.ID,
		Status:      escrow.PaymentTxSucceeded,
	}); err != nil {
		return err
	}

	if e.Status == escrow.StatusPending {
		applied, err := p.escrows.Transition(ctx, e.ID, p.move(evt, escrow.StatusFunded, escrow.StatusPending))
		if err != nil {
			return err
		}
		e = applied.Escrow
	}

	// The buyer approved before funding confirmed: finish the release here.
	if e.BuyerApprovedAt == nil {
		return nil
	}
	if e.Status == escrow.StatusFunded {
		applied, err := p.escrows.Transition(ctx, e.ID, p.move(evt, escrow.StatusReleaseRequested, escrow.StatusFunded))
		if err != nil {
			return err
		}
		e = applied.Escrow
	}
	if e.Status != escrow.StatusReleaseRequested || e.ExternalPayoutRef != "" || p.payouts == nil {
		return nil
	}
	ref, err := p.payouts.CreatePayout(ctx, e.ID)
	if errors.Is(err, escrow.ErrMissingDestination) {
		// Not retryable by redelivery; an operator retries after onboarding.
		logging.L(ctx).Warn("payout deferred, seller has no payout destination",
			"escrowId", e.ID, "sellerId", e.SellerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("payout for escrow %d: %w", e.ID, err)
	}
	logging.L(ctx).Info("payout issued after funding", "escrowId", e.ID, "transferId", ref)
	return nil
}

func (p *Processor) onPaymentFailed(ctx context.Context, evt *stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := decodeObject(evt, &pi); err != nil {
		return err
	}
	e, err := p.resolve(ctx, pi.Metadata, pi.ID, false)
	if err != nil {
		return err
	}
	_, err = p.escrows.UpdatePaymentStatus(ctx, e.ID, escrow.PaymentFailed, pi.ID)
	if err := benign(ctx, err); err != nil {
		return err
	}
	reason := ""
	if pi.LastPaymentError != nil {
		reason = pi.LastPaymentError.Msg
	}
	logging.L(ctx).Info("buyer payment failed", "escrowId", e.ID, "reason", reason)
	return nil
}

func (p *Processor) onChargeRefunded(ctx context.Context, evt *stripe.Event) error {
	var ch stripe.Charge
	if err := decodeObject(evt, &ch); err != nil {
		return err
	}
	ref := ch.ID
	if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
		ref = ch.PaymentIntent.ID
	}
	e, err := p.resolve(ctx, ch.Metadata, ref, false)
	if errors.Is(err, escrow.ErrEscrowNotFound) && ref != ch.ID {
		e, err = p.resolve(ctx, nil, ch.ID, false)
	}
	if err != nil {
		return err
	}

	refunded := money.FromMinor(ch.AmountRefunded)
	refundRef := e.ExternalRefundRef
	if refundRef == "" {
		refundRef = ch.ID
	}
	if _, err := p.escrows.RecordPayment(ctx, &escrow.PaymentTransaction{
		EscrowID:    e.ID,
		Kind:        escrow.PaymentKindRefund,
		Amount:      refunded,
		ExternalRef: refundRef,
		Status:      escrow.PaymentTxSucceeded,
	}); err != nil {
		return err
	}

	shortfall := money.FromMinor(ch.Amount) - refunded
	if shortfall > PartialRefundTolerance {
		req := p.move(evt, escrow.StatusDisputed)
		req.Reason = "partial refund"
		req.Metadata["amount"] = money.FromMinor(ch.Amount).String()
		req.Metadata["amount_refunded"] = refunded.String()
		_, err := p.escrows.Transition(ctx, e.ID, req)
		return err
	}

	// A refund issued from the provider's dashboard skips refund_requested.
	switch e.Status {
	case escrow.StatusRefunded, escrow.StatusDisputed:
		return nil
	case escrow.StatusFunded, escrow.StatusReleaseRequested:
		if _, err := p.escrows.Transition(ctx, e.ID, p.move(evt, escrow.StatusRefundRequested)); err != nil {
			return err
		}
	case escrow.StatusRefundRequested:
	default:
		// Money went back to a buyer on an escrow that cannot refund.
		req := p.move(evt, escrow.StatusDisputed)
		req.Reason = "refund on " + string(e.Status) + " escrow"
		_, err := p.escrows.Transition(ctx, e.ID, req)
		return err
	}
	_, err = p.escrows.Transition(ctx, e.ID, p.move(evt, escrow.StatusRefunded, escrow.StatusRefundRequested))
	return err
}

func (p *Processor) onTransferPaid(ctx context.Context, evt *stripe.Event) error {
	var tr stripe.Transfer
	if err := decodeObject(evt, &tr); err != nil {
		return err
	}
	e, err := p.resolve(ctx, tr.Metadata, tr.ID, true)
	if err != nil {
		return err
	}

	if _, err := p.escrows.RecordPayment(ctx, &escrow.PaymentTransaction{
		EscrowID:    e.ID,
		Kind:        escrow.PaymentKindTransfer,
		Amount:      money.FromMinor(tr.Amount),
		ExternalRef: tr.ID,
		Status:      escrow.PaymentTxSucceeded,
	}); err != nil {
		return err
	}
	if e.ExternalPayoutRef == "" {
		if err := p.escrows.RecordPayoutRef(ctx, e.ID, tr.ID); err != nil {
			return err
		}
	}

	switch e.Status {
	case escrow.StatusReleaseRequested:
		applied, err := p.escrows.Transition(ctx, e.ID, p.move(evt, escrow.StatusReleased, escrow.StatusReleaseRequested))
		if err != nil {
			return err
		}
		e = applied.Escrow
	case escrow.StatusReleased:
	default:
		logging.L(ctx).Warn("transfer paid for escrow not awaiting release",
			"escrowId", e.ID, "status", e.Status, "transferId", tr.ID)
		return nil
	}

	// The only place seller earnings are credited.
	_, err = p.wallets.CreditEarnings(ctx, ledger.CreditRequest{
		UserID:      e.SellerID,
		Amount:      e.Amount,
		EscrowID:    e.ID,
		ProjectID:   e.ProjectID,
		Description: fmt.Sprintf("escrow #%d released", e.ID),
	})
	return benign(ctx, err)
}

func (p *Processor) onTransferFailed(ctx context.Context, evt *stripe.Event) error {
	var tr stripe.Transfer
	if err := decodeObject(evt, &tr); err != nil {
		return err
	}
	e, err := p.resolve(ctx, tr.Metadata, tr.ID, true)
	if err != nil {
		return err
	}

	if _, err := p.escrows.RecordPayment(ctx, &escrow.PaymentTransaction{
		EscrowID:    e.ID,
		Kind:        escrow.PaymentKindTransfer,
		Amount:      money.FromMinor(tr.Amount),
		ExternalRef: tr.ID,
		Status:      escrow.PaymentTxFailed,
	}); err != nil {
		return err
	}
	if e.ExternalPayoutRef == tr.ID {
		if err := p.escrows.RecordPayoutRef(ctx, e.ID, ""); err != nil {
			return err
		}
	}
	logging.L(ctx).Warn("transfer failed, payout needs a retry", "escrowId", e.ID, "transferId", tr.ID)
	return nil
}

// resolve finds the escrow an event is about: metadata.escrow_id first, then
// the stored gateway reference.
func (p *Processor) resolve(ctx context.Context, metadata map[string]string, ref string, payout bool) (*escrow.Escrow, error) {
	if raw, ok := metadata["escrow_id"]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: bad escrow_id metadata %q", ErrMalformedEvent, raw)
		}
		return p.escrows.Get(ctx, id)
	}
	if ref == "" {
		return nil, escrow.ErrEscrowNotFound
	}
	if payout {
		return p.escrows.FindByPayoutRef(ctx, ref)
	}
	return p.escrows.FindByPaymentRef(ctx, ref)
}

func (p *Processor) move(evt *stripe.Event, to escrow.Status, from ...escrow.Status) escrow.TransitionRequest {
	return escrow.TransitionRequest{
		To:        to,
		From:      from,
		ActorKind: escrow.ActorWebhook,
		Reason:    string(evt.Type),
		Metadata:  map[string]string{"event_id": evt.ID},
	}
}

func decodeObject(evt *stripe.Event, v any) error {
	if err := json.Unmarshal(evt.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %s object: %v", ErrMalformedEvent, evt.Type, err)
	}
	return nil
}

// benign drops errors that redelivery and reordering produce on their own.
func benign(ctx context.Context, err error) error {
	if err != nil && isBenign(err) {
		logging.L(ctx).Info("ignoring out-of-order webhook effect", "reason", err.Error())
		return nil
	}
	return err
}
