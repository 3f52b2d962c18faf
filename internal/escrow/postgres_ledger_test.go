//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teklifbul/escrowd/internal/testutil"
)

func TestPostgresLedger_ReserveCommitReplay(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	l := NewPostgresLedger(db)
	k := testKey("pg-k1")

	reserved, _, err := l.Reserve(ctx, k)
	require.NoError(t, err)
	assert.True(t, reserved)

	result := newEscrow("esc_1", nil, nil, time.Now())
	require.NoError(t, l.Commit(ctx, k, result))

	reserved, prior, err := l.Reserve(ctx, k)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, result, prior)

	_, _, err = l.Reserve(ctx, Key{Value: "pg-k1", EscrowID: "esc_2", Action: ActionBankOK})
	assert.ErrorIs(t, err, ErrIdempotencyMismatch)

	n, err := l.Purge(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPostgresLedger_ReleaseAndTakeOver(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	l := NewPostgresLedger(db).WithReservationTTL(50 * time.Millisecond)
	k := testKey("pg-k2")

	_, _, err := l.Reserve(ctx, k)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, k))
	reserved, _, err := l.Reserve(ctx, k)
	require.NoError(t, err)
	assert.True(t, reserved, "released key can be reserved again")

	// Holder never commits; a later delivery takes the stale reservation over.
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	reserved, _, err = l.Reserve(waitCtx, k)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestPostgresLedger_WaiterTimesOut(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	l := NewPostgresLedger(db)
	k := testKey("pg-k3")

	_, _, err := l.Reserve(context.Background(), k)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = l.Reserve(ctx, k)
	assert.ErrorIs(t, err, ErrIdempotencyInFlight)
}
