package escrow

import (
	"context"
	"errors"

	"github.com/teklifbul/escrowd/internal/circuitbreaker"
)

const breakerKey = "escrow-store"

// GuardedStore wraps a Store with a circuit breaker. After repeated I/O
// failures it fails fast with StoreUnavailable until the cooldown elapses.
// Domain outcomes (not found, conflict, already exists) never trip it.
type GuardedStore struct {
	inner   Store
	breaker *circuitbreaker.Breaker
}

// NewGuardedStore wraps inner with breaker.
func NewGuardedStore(inner Store, breaker *circuitbreaker.Breaker) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: breaker}
}

func (g *GuardedStore) Load(ctx context.Context, id string) (*Escrow, error) {
	var e *Escrow
	err := g.run("load", func() (err error) {
		e, err = g.inner.Load(ctx, id)
		return err
	})
	return e, err
}

func (g *GuardedStore) Insert(ctx context.Context, e *Escrow) error {
	return g.run("insert", func() error { return g.inner.Insert(ctx, e) })
}

func (g *GuardedStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int, next *Escrow) error {
	return g.run("compare-and-swap", func() error {
		return g.inner.CompareAndSwap(ctx, id, expectedVersion, next)
	})
}

func (g *GuardedStore) List(ctx context.Context, after string, limit int) ([]*Escrow, error) {
	var out []*Escrow
	err := g.run("list", func() (err error) {
		out, err = g.inner.List(ctx, after, limit)
		return err
	})
	return out, err
}

// State reports the breaker state for health output.
func (g *GuardedStore) State() circuitbreaker.State {
	return g.breaker.State(breakerKey)
}

func (g *GuardedStore) run(op string, fn func() error) error {
	err := g.breaker.Execute(breakerKey, fn, isStoreFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &StoreError{Op: op, Err: err}
	}
	return err
}

func isStoreFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable)
}
