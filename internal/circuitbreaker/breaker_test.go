package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(threshold, open)
	b.now = clk.Now
	return b, clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	assert.True(t, b.Allow("escrow_store"))
	assert.Equal(t, StateClosed, b.State("escrow_store"))
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("escrow_store")
	b.RecordFailure("escrow_store")
	require.True(t, b.Allow("escrow_store"), "should still allow before threshold")

	b.RecordFailure("escrow_store")
	assert.False(t, b.Allow("escrow_store"))
	assert.Equal(t, StateOpen, b.State("escrow_store"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	require.False(t, b.Allow("ledger"))

	clk.Advance(time.Second)
	require.True(t, b.Allow("ledger"), "should allow one probe")
	assert.Equal(t, StateHalfOpen, b.State("ledger"))
	assert.False(t, b.Allow("ledger"), "second call while probing must be rejected")

	b.RecordSuccess("ledger")
	assert.Equal(t, StateClosed, b.State("ledger"))
	assert.True(t, b.Allow("ledger"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)

	b.RecordFailure("ledger")
	clk.Advance(time.Second)
	require.True(t, b.Allow("ledger"))

	b.RecordFailure("ledger")
	assert.Equal(t, StateOpen, b.State("ledger"))
}

func TestBreaker_KeysIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)
	b.RecordFailure("escrow_store")
	assert.False(t, b.Allow("escrow_store"))
	assert.True(t, b.Allow("ledger"))
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)
	ioErr := errors.New("connection refused")
	notFound := errors.New("not found")
	isFailure := func(err error) bool { return errors.Is(err, ioErr) }

	// Domain errors do not trip the breaker.
	for i := 0; i < 5; i++ {
		err := b.Execute("escrow_store", func() error { return notFound }, isFailure)
		require.ErrorIs(t, err, notFound)
	}
	assert.Equal(t, StateClosed, b.State("escrow_store"))

	_ = b.Execute("escrow_store", func() error { return ioErr }, isFailure)
	_ = b.Execute("escrow_store", func() error { return ioErr }, isFailure)

	called := false
	err := b.Execute("escrow_store", func() error { called = true; return nil }, isFailure)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
