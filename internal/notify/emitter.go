package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowpay/internal/escrow"
	"github.com/mbd888/escrowpay/internal/idgen"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total events published by type and result.",
	}, []string{"event_type", "result"})

	emitDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Events dropped because the publish queue was full.",
	})
)

func init() {
	prometheus.MustRegister(emitTotal, emitDropped)
}

const defaultQueueSize = 1024

// Emitter turns escrow and wallet callbacks into events and publishes them
// from a background worker. All methods are fire-and-forget: errors are
// logged and counted but never returned.
type Emitter struct {
	pub     Publisher
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
	queue   chan *Event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewEmitter starts an emitter over pub. Call Close to flush and stop it.
func NewEmitter(pub Publisher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		pub:     pub,
		policy:  retry.DefaultPolicy,
		timeout: 10 * time.Second,
		logger:  logger,
		queue:   make(chan *Event, defaultQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		now:     time.Now,
	}
	go e.loop()
	return e
}

// EscrowTransitioned implements escrow.Observer.
func (e *Emitter) EscrowTransitioned(_ context.Context, es *escrow.Escrow, t *escrow.Transition) {
	e.enqueue(&Event{
		Type:     EventType("escrow." + string(t.To)),
		EscrowID: ptr(es.ID),
		BuyerID:  ptr(es.BuyerID),
		SellerID: ptr(es.SellerID),
		Amount:   ptr(es.Amount),
		From:     string(t.From),
		To:       string(t.To),
		Reason:   t.Reason,
	})
}

// WalletCredited implements ledger.Observer.
func (e *Emitter) WalletCredited(_ context.Context, t *ledger.Transaction) {
	evt := &Event{
		Type:   EventWalletCredited,
		UserID: ptr(t.UserID),
		Amount: ptr(t.Amount),
	}
	if t.EscrowID != nil {
		evt.EscrowID = ptr(*t.EscrowID)
	}
	e.enqueue(evt)
}

// WithdrawalSettled implements ledger.Observer.
func (e *Emitter) WithdrawalSettled(_ context.Context, w *ledger.Withdrawal) {
	typ := EventWithdrawalCompleted
	if w.Status == ledger.WithdrawalFailed {
		typ = EventWithdrawalFailed
	}
	e.enqueue(&Event{
		Type:         typ,
		WithdrawalID: ptr(w.ID),
		UserID:       ptr(w.UserID),
		Amount:       ptr(w.Amount),
		Reason:       w.ErrorMessage,
	})
}

func (e *Emitter) enqueue(evt *Event) {
	if e == nil {
		return
	}
	evt.ID = idgen.WithPrefix("ntf_")
	evt.OccurredAt = e.now()

	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.queue <- evt:
	default:
		emitDropped.Inc()
		e.logger.Warn("notification queue full, dropping event", "type", evt.Type, "id", evt.ID)
	}
}

func (e *Emitter) loop() {
	defer close(e.stopped)
	for {
		select {
		case evt := <-e.queue:
			e.publish(evt)
		case <-e.done:
			for {
				select {
				case evt := <-e.queue:
					e.publish(evt)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) publish(evt *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	err := retry.Do(ctx, e.policy, func(int) error {
		return e.pub.Publish(ctx, evt)
	})
	if err != nil {
		emitTotal.WithLabelValues(string(evt.Type), "error").Inc()
		e.logger.Warn("notification publish failed", "type", evt.Type, "id", evt.ID, "error", err)
		return
	}
	emitTotal.WithLabelValues(string(evt.Type), "success").Inc()
}

// Close stops accepting events, publishes what is queued and closes the
// publisher.
func (e *Emitter) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		<-e.stopped
		err = e.pub.Close()
	})
	return err
}

func ptr[T any](v T) *T { return &v }
