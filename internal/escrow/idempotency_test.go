package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		meta     Meta
		want     string
		keyed    bool
	}{
		{"explicit wins", "hdr-1", Meta{"externalRef": "x"}, "hdr-1", true},
		{"externalRef", "", Meta{"externalRef": "tx9", "bankRef": "b"}, "esc_1:bank-ok:tx9", true},
		{"bankRef fallback", "", Meta{"bankRef": "b7"}, "esc_1:bank-ok:b7", true},
		{"reference fallback", "", Meta{"reference": "r3"}, "esc_1:bank-ok:r3", true},
		{"blank ref ignored", "", Meta{"externalRef": "  ", "reference": "r3"}, "esc_1:bank-ok:r3", true},
		{"non-string ref ignored", "", Meta{"externalRef": 42}, "", false},
		{"no reference", "", Meta{"note": "hi"}, "", false},
		{"nil meta", "", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, keyed := DeriveKey(tt.explicit, "esc_1", ActionBankOK, tt.meta)
			assert.Equal(t, tt.keyed, keyed)
			assert.Equal(t, tt.want, key.Value)
			if keyed {
				assert.Equal(t, "esc_1", key.EscrowID)
				assert.Equal(t, ActionBankOK, key.Action)
			}
		})
	}
}

func testKey(v string) Key {
	return Key{Value: v, EscrowID: "esc_1", Action: ActionBankOK}
}

func TestMemoryLedger_ReserveCommitReplay(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)
	k := testKey("k1")

	reserved, prior, err := l.Reserve(ctx, k)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, prior)

	result := newEscrow("esc_1", nil, nil, epoch)
	require.NoError(t, l.Commit(ctx, k, result))

	reserved, prior, err = l.Reserve(ctx, k)
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, prior)
	assert.Equal(t, result.Version, prior.Version)

	prior.Status = StatusDispute
	_, again, err := l.Reserve(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingFunds, again.Status, "stored result is not aliased")
}

func TestMemoryLedger_ScopeMismatch(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)

	_, _, err := l.Reserve(ctx, testKey("k1"))
	require.NoError(t, err)

	_, _, err = l.Reserve(ctx, Key{Value: "k1", EscrowID: "esc_2", Action: ActionBankOK})
	assert.ErrorIs(t, err, ErrIdempotencyMismatch)
	_, _, err = l.Reserve(ctx, Key{Value: "k1", EscrowID: "esc_1", Action: ActionDispute})
	assert.ErrorIs(t, err, ErrIdempotencyMismatch)
}

func TestMemoryLedger_ReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)
	k := testKey("k1")

	_, _, err := l.Reserve(ctx, k)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, k))

	reserved, _, err := l.Reserve(ctx, k)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestMemoryLedger_ReleaseNeverErasesCommit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)
	k := testKey("k1")

	_, _, _ = l.Reserve(ctx, k)
	require.NoError(t, l.Commit(ctx, k, newEscrow("esc_1", nil, nil, epoch)))
	require.NoError(t, l.Release(ctx, k))

	reserved, prior, err := l.Reserve(ctx, k)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.NotNil(t, prior)
}

func TestMemoryLedger_WaiterAdoptsResult(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)
	k := testKey("k1")

	_, _, err := l.Reserve(ctx, k)
	require.NoError(t, err)

	type outcome struct {
		reserved bool
		prior    *Escrow
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		r, p, err := l.Reserve(ctx, k)
		done <- outcome{r, p, err}
	}()

	select {
	case <-done:
		t.Fatal("waiter returned before the holder committed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, l.Commit(ctx, k, newEscrow("esc_1", nil, nil, epoch)))
	got := <-done
	require.NoError(t, got.err)
	assert.False(t, got.reserved)
	require.NotNil(t, got.prior)
	assert.Equal(t, "esc_1", got.prior.ID)
}

func TestMemoryLedger_WaiterTimesOut(t *testing.T) {
	l := NewMemoryLedger(0)
	k := testKey("k1")
	_, _, err := l.Reserve(context.Background(), k)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = l.Reserve(ctx, k)
	assert.ErrorIs(t, err, ErrIdempotencyInFlight)
}

func TestMemoryLedger_ExactlyOneReserves(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)
	k := testKey("k1")

	var (
		mu       sync.Mutex
		reserved int
	)
	g, gctx := errgroup.WithContext(ctx)
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			<-start
			r, _, err := l.Reserve(gctx, k)
			if err != nil {
				return err
			}
			if r {
				mu.Lock()
				reserved++
				mu.Unlock()
				return l.Commit(gctx, k, newEscrow("esc_1", nil, nil, epoch))
			}
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, reserved)
}

func TestMemoryLedger_Retention(t *testing.T) {
	ctx := context.Background()
	now := epoch
	l := NewMemoryLedger(time.Hour)
	l.now = func() time.Time { return now }
	k := testKey("k1")

	_, _, _ = l.Reserve(ctx, k)
	require.NoError(t, l.Commit(ctx, k, newEscrow("esc_1", nil, nil, epoch)))

	now = now.Add(30 * time.Minute)
	reserved, _, err := l.Reserve(ctx, k)
	require.NoError(t, err)
	assert.False(t, reserved)

	now = now.Add(time.Hour)
	reserved, _, err = l.Reserve(ctx, k)
	require.NoError(t, err)
	assert.True(t, reserved, "expired keys may be reused")
}
