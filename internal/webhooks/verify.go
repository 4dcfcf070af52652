package webhooks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Verifier checks Stripe webhook signatures. The signed content is
// "<timestamp>.<body>" under HMAC-SHA256; deliveries older than the
// tolerance are rejected.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier. An empty secret disables verification,
// which is only acceptable in development.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Disabled reports whether signatures are skipped.
func (v *Verifier) Disabled() bool {
	return v == nil || v.secret == ""
}

// Verify authenticates payload against the Stripe-Signature header.
func (v *Verifier) Verify(payload []byte, header string) error {
	if v.Disabled() {
		return nil
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// parseEnvelope decodes the event envelope and requires an id and a type.
func parseEnvelope(payload []byte) (*stripe.Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	return &evt, nil
}
