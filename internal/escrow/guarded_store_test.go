package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teklifbul/escrowd/internal/circuitbreaker"
)

// flakyStore fails every call with an I/O error while down is set.
type flakyStore struct {
	*MemoryStore
	down  bool
	calls int
}

func (f *flakyStore) Load(ctx context.Context, id string) (*Escrow, error) {
	f.calls++
	if f.down {
		return nil, &StoreError{Op: "load", Err: errors.New("connection refused")}
	}
	return f.MemoryStore.Load(ctx, id)
}

func TestGuardedStore_OpensOnIOFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), down: true}
	g := NewGuardedStore(inner, circuitbreaker.New(2, time.Hour))

	for i := 0; i < 2; i++ {
		_, err := g.Load(ctx, "esc_1")
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, g.State())

	_, err := g.Load(ctx, "esc_1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls, "open breaker does not reach the store")
}

func TestGuardedStore_DomainErrorsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	g := NewGuardedStore(NewMemoryStore(), circuitbreaker.New(1, time.Hour))

	for i := 0; i < 3; i++ {
		_, err := g.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, g.State())

	e := newEscrow("esc_1", nil, nil, epoch)
	require.NoError(t, g.Insert(ctx, e))
	assert.ErrorIs(t, g.Insert(ctx, e), ErrAlreadyExists)
	assert.ErrorIs(t, g.CompareAndSwap(ctx, "esc_1", 9, e), ErrConflict)
	assert.Equal(t, circuitbreaker.StateClosed, g.State())

	list, err := g.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
