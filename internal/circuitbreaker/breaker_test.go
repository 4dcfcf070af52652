package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	assert.True(t, b.Allow("transfer"), "still closed before threshold")

	b.RecordFailure("transfer")
	assert.False(t, b.Allow("transfer"))
	assert.Equal(t, StateOpen, b.State("transfer"))

	assert.True(t, b.Allow("refund"), "keys are independent")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := New(1, time.Minute)
	b.now = func() time.Time { return now }

	b.RecordFailure("payout")
	assert.False(t, b.Allow("payout"))

	now = now.Add(time.Minute)
	assert.True(t, b.Allow("payout"), "one trial request after open duration")
	assert.Equal(t, StateHalfOpen, b.State("payout"))
	assert.False(t, b.Allow("payout"), "second call rejected while probing")

	b.RecordSuccess("payout")
	assert.Equal(t, StateClosed, b.State("payout"))
	assert.True(t, b.Allow("payout"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	b := New(1, time.Second)
	b.now = func() time.Time { return now }

	b.RecordFailure("k")
	now = now.Add(2 * time.Second)
	require.True(t, b.Allow("k"))

	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
}

func TestBreaker_Execute(t *testing.T) {
	b := New(2, time.Minute)
	boom := errors.New("boom")
	userErr := errors.New("validation")
	onlyBoom := func(err error) bool { return errors.Is(err, boom) }

	assert.ErrorIs(t, b.Execute("k", onlyBoom, func() error { return userErr }), userErr)
	assert.ErrorIs(t, b.Execute("k", onlyBoom, func() error { return userErr }), userErr)
	assert.Equal(t, StateClosed, b.State("k"), "non-countable errors do not trip")

	_ = b.Execute("k", onlyBoom, func() error { return boom })
	_ = b.Execute("k", onlyBoom, func() error { return boom })

	called := false
	err := b.Execute("k", onlyBoom, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
