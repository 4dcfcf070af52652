// Package webhooks receives payment gateway events and applies each one at
// most once.
//
// Flow:
//  1. Verify the Stripe-Signature header and parse the envelope
//  2. Record the event row (a redelivery bumps processing_attempts)
//  3. Claim it under a lease; a processed or in-flight event is a duplicate
//  4. Dispatch to the handler for its Kind while heartbeating the lease
//  5. Mark processed, or failed so the gateway redelivers
//
// A process that dies in step 4 leaves the row processing with a lease that
// stops being extended. The Sweeper re-runs such an event once and then
// releases it for redelivery.
package webhooks

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSignature = errors.New("webhooks: invalid signature")
	ErrMalformedEvent   = errors.New("webhooks: malformed event")
	ErrEventNotFound    = errors.New("webhooks: event not found")
)

// Kind is the closed set of event types this service acts on.
type Kind int

const (
	KindUnhandled Kind = iota
	KindPaymentCreated
	KindPaymentSucceeded
	KindPaymentFailed
	KindChargeRefunded
	KindTransferPaid
	KindTransferFailed
)

var kindNames = map[Kind]string{
	KindPaymentCreated:   "payment_intent.created",
	KindPaymentSucceeded: "payment_intent.succeeded",
	KindPaymentFailed:    "payment_intent.payment_failed",
	KindChargeRefunded:   "charge.refunded",
	KindTransferPaid:     "transfer.paid",
	KindTransferFailed:   "transfer.failed",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// ParseKind resolves a gateway event type. Anything unknown is KindUnhandled.
func ParseKind(eventType string) Kind {
	return kindsByName[eventType]
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unhandled"
}

// Outcome is the processor's answer to one delivery.
type Outcome string

const (
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
)

// Result is returned by Processor.Handle and is the webhook response body.
// The gateway-facing field names follow the provider's snake_case.
type Result struct {
	Status  Outcome `json:"status"`
	EventID string  `json:"event_id,omitempty"`
}

// Event is the stored record of one gateway event.
type Event struct {
	EventID            string     `json:"eventId"`
	EventType          string     `json:"eventType"`
	RawPayload         []byte     `json:"-"`
	Processed          bool       `json:"processed"`
	Processing         bool       `json:"processing"`
	ProcessingAttempts int        `json:"processingAttempts"`
	ReclaimCount       int        `json:"reclaimCount"`
	LeaseToken         string     `json:"-"`
	LeaseExpiresAt     *time.Time `json:"leaseExpiresAt,omitempty"`
	ProcessedAt        *time.Time `json:"processedAt,omitempty"`
	LastError          string     `json:"lastError,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Filter narrows event listings.
type Filter string

const (
	FilterAll        Filter = ""
	FilterProcessed  Filter = "processed"
	FilterFailed     Filter = "failed"
	FilterProcessing Filter = "processing"
)

// Valid reports whether f is a known filter.
func (f Filter) Valid() bool {
	switch f {
	case FilterAll, FilterProcessed, FilterFailed, FilterProcessing:
		return true
	}
	return false
}

func (f Filter) match(e *Event) bool {
	switch f {
	case FilterProcessed:
		return e.Processed
	case FilterFailed:
		return !e.Processed && !e.Processing && e.LastError != ""
	case FilterProcessing:
		return e.Processing
	}
	return true
}

// Store persists webhook events. Every state change after Claim is
// conditional on the caller's lease token; a false return means the lease
// was lost and nothing was written.
type Store interface {
	// Record inserts the event, or increments processing_attempts when the
	// id is already known. It returns the stored row.
	Record(ctx context.Context, eventID, eventType string, raw []byte) (*Event, error)

	// Claim starts processing under token when the event is neither
	// processed nor in flight.
	Claim(ctx context.Context, eventID, token string, lease time.Duration) (bool, error)
	Extend(ctx context.Context, eventID, token string, lease time.Duration) (bool, error)
	MarkProcessed(ctx context.Context, eventID, token string) (bool, error)
	MarkFailed(ctx context.Context, eventID, token, lastError string) (bool, error)

	// ListStale returns in-flight events whose lease has expired.
	ListStale(ctx context.Context, limit int) ([]*Event, error)
	// Reclaim swaps an expired lease for a new one and increments
	// reclaim_count. Only one caller can win for a given old token.
	Reclaim(ctx context.Context, eventID, oldToken, newToken string, lease time.Duration) (bool, error)
	// ReleaseFailed gives up an expired lease so redelivery can retry.
	ReleaseFailed(ctx context.Context, eventID, oldToken, lastError string) (bool, error)

	Get(ctx context.Context, eventID string) (*Event, error)
	List(ctx context.Context, filter Filter, limit int) ([]*Event, error)
}
