//go:build integration

package escrow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/teklifbul/escrowd/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	demand := "dem_1"
	e := newEscrow("esc_pg_1", &demand, nil, time.Now())
	require.NoError(t, store.Insert(ctx, e))
	assert.ErrorIs(t, store.Insert(ctx, e), ErrAlreadyExists)

	got, err := store.Load(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = store.Load(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_CompareAndSwap(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	e := newEscrow("esc_pg_2", nil, nil, time.Now())
	require.NoError(t, store.Insert(ctx, e))

	next := e.Clone()
	_, d, err := Apply(next.Status, ActionBankOK, ActorBank, Meta{"reference": "TX-1", "nested": map[string]any{"n": 1.5}})
	require.NoError(t, err)
	appendEntry(next, d, time.Now())

	require.NoError(t, store.CompareAndSwap(ctx, e.ID, 1, next))
	assert.ErrorIs(t, store.CompareAndSwap(ctx, e.ID, 1, next), ErrConflict)
	assert.ErrorIs(t, store.CompareAndSwap(ctx, "esc_missing", 1, next), ErrNotFound)

	got, err := store.Load(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, next, got)
	require.NoError(t, CheckInvariants(got))
}

func TestPostgresStore_ManagerRace(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	m := testManager(NewPostgresStore(db), NewPostgresLedger(db))

	e, err := m.Create(ctx, nil, nil)
	require.NoError(t, err)
	transition(t, m, e.ID, ActionBankOK, ActorBank)

	var g errgroup.Group
	var shipErr, disputeErr error
	g.Go(func() error {
		_, shipErr = m.Transition(ctx, TransitionRequest{EscrowID: e.ID, Action: ActionShipDocs, Actor: ActorSeller})
		return nil
	})
	g.Go(func() error {
		_, disputeErr = m.Transition(ctx, TransitionRequest{EscrowID: e.ID, Action: ActionDispute, Actor: ActorBuyer})
		return nil
	})
	_ = g.Wait()

	require.NoError(t, disputeErr)
	if shipErr != nil {
		assert.ErrorIs(t, shipErr, ErrTerminalState)
	}
	got, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDispute, got.Status)
	require.NoError(t, CheckInvariants(got))
}

func TestPostgresStore_ListPages(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Insert(ctx, newEscrow(fmt.Sprintf("esc_l%d", i), nil, nil, time.Now())))
	}
	page, err := store.List(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Len(t, page[0].Audit, 1)

	page, err = store.List(ctx, page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "esc_l2", page[0].ID)
}
