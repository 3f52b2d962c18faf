package escrow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teklifbul/escrowd/internal/logging"
	"github.com/teklifbul/escrowd/internal/metrics"
)

type recordingPurger struct {
	mu     sync.Mutex
	calls  int
	before time.Time
}

func (p *recordingPurger) Purge(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.before = before
	return 2, nil
}

func (p *recordingPurger) snapshot() (int, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.before
}

func TestVerifier_SweepFindsInconsistentRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// More than one page of healthy escrows.
	for i := 0; i < verifyPageSize+5; i++ {
		require.NoError(t, store.Insert(ctx, newEscrow(fmt.Sprintf("esc_%04d", i), nil, nil, epoch)))
	}
	bad := newEscrow("esc_zzz", nil, nil, epoch)
	bad.Version = 3
	require.NoError(t, store.Insert(ctx, bad))

	verifiedBefore := testutil.ToFloat64(metrics.EscrowsVerifiedTotal)
	mismatchBefore := testutil.ToFloat64(metrics.EscrowReplayMismatchesTotal)

	v := NewVerifier(store, time.Minute, logging.Discard())
	found, err := v.Sweep(ctx)
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, "esc_zzz", found[0].EscrowID)
	assert.False(t, found[0].Consistent)
	assert.Equal(t, float64(verifyPageSize+6), testutil.ToFloat64(metrics.EscrowsVerifiedTotal)-verifiedBefore)
	assert.Equal(t, mismatchBefore+1, testutil.ToFloat64(metrics.EscrowReplayMismatchesTotal))
}

func TestVerifier_StartStop(t *testing.T) {
	store := NewMemoryStore()
	purger := &recordingPurger{}
	v := NewVerifier(store, 5*time.Millisecond, logging.Discard()).WithPurger(purger, time.Hour)

	done := make(chan struct{})
	go func() {
		v.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return v.Running() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		calls, _ := purger.snapshot()
		return calls > 0
	}, time.Second, time.Millisecond)
	v.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("verifier did not stop")
	}
	assert.False(t, v.Running())
	_, before := purger.snapshot()
	assert.WithinDuration(t, time.Now().Add(-time.Hour), before, time.Minute)
}
