package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowpay/internal/escrow"
	"github.com/mbd888/escrowpay/internal/idgen"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/traces"
	"github.com/stripe/stripe-go/v81"
)

const reattemptExhausted = "lease expired after re-attempt"

// EscrowService is the slice of the escrow service event handlers drive.
type EscrowService interface {
	Get(ctx context.Context, id int64) (*escrow.Escrow, error)
	FindByPaymentRef(ctx context.Context, ref string) (*escrow.Escrow, error)
	FindByPayoutRef(ctx context.Context, ref string) (*escrow.Escrow, error)
	Transition(ctx context.Context, id int64, req escrow.TransitionRequest) (*escrow.AppliedTransition, error)
	UpdatePaymentStatus(ctx context.Context, id int64, status escrow.PaymentStatus, externalRef string) (*escrow.Escrow, error)
	RecordPayment(ctx context.Context, p *escrow.PaymentTransaction) (bool, error)
	RecordPayoutRef(ctx context.Context, id int64, ref string) error
}

// Crediter posts seller earnings.
type Crediter interface {
	CreditEarnings(ctx context.Context, req ledger.CreditRequest) (*ledger.Transaction, error)
}

// PayoutIssuer starts the transfer for an escrow awaiting payout.
type PayoutIssuer interface {
	CreatePayout(ctx context.Context, escrowID int64) (string, error)
}

type eventHandler func(ctx context.Context, evt *stripe.Event) error

// Processor verifies, deduplicates and applies gateway events.
type Processor struct {
	store    Store
	verifier *Verifier
	escrows  EscrowService
	wallets  Crediter
	payouts  PayoutIssuer
	lease    time.Duration
	logger   *slog.Logger
	handlers map[Kind]eventHandler
}

// NewProcessor creates a processor. lease bounds how long a claimed event
// may go without a heartbeat before the sweeper treats it as abandoned.
func NewProcessor(store Store, verifier *Verifier, escrows EscrowService, wallets Crediter, lease time.Duration, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if lease <= 0 {
		lease = time.Minute
	}
	p := &Processor{
		store:    store,
		verifier: verifier,
		escrows:  escrows,
		wallets:  wallets,
		lease:    lease,
		logger:   logger,
	}
	p.handlers = map[Kind]eventHandler{
		KindPaymentCreated:   p.onPaymentCreated,
		KindPaymentSucceeded: p.onPaymentSucceeded,
		KindPaymentFailed:    p.onPaymentFailed,
		KindChargeRefunded:   p.onChargeRefunded,
		KindTransferPaid:     p.onTransferPaid,
		KindTransferFailed:   p.onTransferFailed,
	}
	return p
}

// WithPayouts lets payment_intent.succeeded start the payout for escrows the
// buyer approved before funding confirmed.
func (p *Processor) WithPayouts(issuer PayoutIssuer) *Processor {
	p.payouts = issuer
	return p
}

// Lease returns the configured lease duration.
func (p *Processor) Lease() time.Duration {
	return p.lease
}

// Handle processes one delivery. A non-nil error is returned together with
// an error Result; ErrInvalidSignature and ErrMalformedEvent mean the
// delivery was rejected without being recorded.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	if err := p.verifier.Verify(payload, signature); err != nil {
		eventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return Result{Status: OutcomeError}, err
	}
	evt, err := parseEnvelope(payload)
	if err != nil {
		eventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return Result{Status: OutcomeError}, err
	}

	kind := ParseKind(string(evt.Type))
	res := Result{EventID: evt.ID}

	// Handlers run to completion even if the sender hangs up.
	ctx = context.WithoutCancel(ctx)
	ctx, span := traces.StartSpan(ctx, "webhooks.Handle", traces.EventID(evt.ID), traces.EventType(string(evt.Type)))
	defer span.End()

	stored, err := p.store.Record(ctx, evt.ID, string(evt.Type), payload)
	if err != nil {
		traces.RecordError(span, err)
		eventsTotal.WithLabelValues(kind.String(), string(OutcomeError)).Inc()
		res.Status = OutcomeError
		return res, fmt.Errorf("failed to record event: %w", err)
	}

	token := idgen.Hex(16)
	claimed, err := p.store.Claim(ctx, evt.ID, token, p.lease)
	if err != nil {
		traces.RecordError(span, err)
		eventsTotal.WithLabelValues(kind.String(), string(OutcomeError)).Inc()
		res.Status = OutcomeError
		return res, fmt.Errorf("failed to claim event: %w", err)
	}
	if !claimed {
		eventsTotal.WithLabelValues(kind.String(), string(OutcomeDuplicate)).Inc()
		logging.L(ctx).Info("duplicate webhook delivery",
			"eventId", evt.ID, "type", evt.Type, "attempts", stored.ProcessingAttempts)
		res.Status = OutcomeDuplicate
		return res, nil
	}

	if err := p.run(ctx, evt, kind, token); err != nil {
		traces.RecordError(span, err)
		res.Status = OutcomeError
		return res, err
	}
	res.Status = OutcomeSuccess
	return res, nil
}

// run executes the handler under a claimed lease and finalizes the row.
func (p *Processor) run(ctx context.Context, evt *stripe.Event, kind Kind, token string) error {
	log := logging.L(ctx).With("eventId", evt.ID, "type", evt.Type)

	stop := p.heartbeat(ctx, evt.ID, token, log)
	start := time.Now()
	err := p.dispatch(ctx, evt, kind)
	handlerDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	stop()

	if err != nil {
		eventsTotal.WithLabelValues(kind.String(), string(OutcomeError)).Inc()
		log.Error("webhook handler failed", "error", err)
		held, markErr := p.store.MarkFailed(ctx, evt.ID, token, err.Error())
		if markErr != nil {
			log.Error("failed to mark event failed", "error", markErr)
		} else if !held {
			leasesLost.Inc()
			log.Warn("lease lost before marking event failed")
		}
		return err
	}

	held, err := p.store.MarkProcessed(ctx, evt.ID, token)
	if err != nil {
		// Effects are applied and idempotent; the sweeper will finish the row.
		log.Error("failed to mark event processed", "error", err)
	} else if !held {
		leasesLost.Inc()
		log.Warn("lease lost before marking event processed")
	}
	eventsTotal.WithLabelValues(kind.String(), string(OutcomeSuccess)).Inc()
	return nil
}

// dispatch calls the handler for kind and turns a panic into an error so the
// row is finalized on every exit path.
func (p *Processor) dispatch(ctx context.Context, evt *stripe.Event, kind Kind) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", kind, r)
		}
	}()

	h, ok := p.handlers[kind]
	if !ok {
		logging.L(ctx).Info("ignoring unhandled webhook event", "eventId", evt.ID, "type", evt.Type)
		return nil
	}
	return h(ctx, evt)
}

// heartbeat extends the lease every lease/3 until the returned stop is called.
func (p *Processor) heartbeat(ctx context.Context, eventID, token string, log *slog.Logger) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(p.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				held, err := p.store.Extend(ctx, eventID, token, p.lease)
				if err != nil {
					log.Warn("lease heartbeat failed", "error", err)
					continue
				}
				if !held {
					leasesLost.Inc()
					log.Warn("lease lost during handler run")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// SweepStale re-runs events whose lease expired once, and releases those
// already re-run so the gateway's redelivery can retry them.
func (p *Processor) SweepStale(ctx context.Context, limit int) (reattempted, released int, err error) {
	stale, err := p.store.ListStale(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	for _, e := range stale {
		log := p.logger.With("eventId", e.EventID, "type", e.EventType, "reclaimCount", e.ReclaimCount)

		if e.ReclaimCount > 0 {
			ok, err := p.store.ReleaseFailed(ctx, e.EventID, e.LeaseToken, reattemptExhausted)
			if err != nil {
				log.Error("failed to release stale event", "error", err)
				continue
			}
			if !ok {
				sweeperReclaims.WithLabelValues("contended").Inc()
				continue
			}
			sweeperReclaims.WithLabelValues("released").Inc()
			log.Warn("released stale webhook event after re-attempt")
			released++
			continue
		}

		token := idgen.Hex(16)
		ok, err := p.store.Reclaim(ctx, e.EventID, e.LeaseToken, token, p.lease)
		if err != nil {
			log.Error("failed to reclaim stale event", "error", err)
			continue
		}
		if !ok {
			sweeperReclaims.WithLabelValues("contended").Inc()
			continue
		}
		sweeperReclaims.WithLabelValues("reattempted").Inc()
		log.Warn("re-running stale webhook event")
		reattempted++

		evt, err := parseEnvelope(e.RawPayload)
		if err != nil {
			// Stored payloads were parsed once already; this is data corruption.
			if _, markErr := p.store.MarkFailed(ctx, e.EventID, token, err.Error()); markErr != nil {
				log.Error("failed to mark event failed", "error", markErr)
			}
			continue
		}
		_ = p.run(ctx, evt, ParseKind(string(evt.Type)), token)
	}
	return reattempted, released, nil
}

// Get returns a stored event.
func (p *Processor) Get(ctx context.Context, eventID string) (*Event, error) {
	return p.store.Get(ctx, eventID)
}

// List returns stored events, newest first.
func (p *Processor) List(ctx context.Context, filter Filter, limit int) ([]*Event, error) {
	if !filter.Valid() {
		return nil, fmt.Errorf("unknown filter %q", filter)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return p.store.List(ctx, filter, limit)
}

func isBenign(err error) bool {
	return errors.Is(err, ledger.ErrDuplicateCredit) || errors.Is(err, escrow.ErrPaymentRegression)
}
