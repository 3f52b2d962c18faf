package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teklifbul/escrowd/internal/metrics"
)

const verifyPageSize = 100

// Purger removes committed idempotency keys older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Verifier periodically replays every escrow's audit trail and reports any
// record whose status or version disagrees with it. It only reads.
type Verifier struct {
	store     Store
	interval  time.Duration
	logger    *slog.Logger
	purger    Purger
	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewVerifier creates a consistency verifier that runs every interval.
func NewVerifier(store Store, interval time.Duration, logger *slog.Logger) *Verifier {
	return &Verifier{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithPurger also purges idempotency keys older than retention on each sweep.
func (v *Verifier) WithPurger(p Purger, retention time.Duration) *Verifier {
	v.purger = p
	v.retention = retention
	return v
}

// Running reports whether the verifier loop is actively running.
func (v *Verifier) Running() bool {
	return v.running.Load()
}

// Start begins the verification loop. Call in a goroutine.
func (v *Verifier) Start(ctx context.Context) {
	v.running.Store(true)
	defer v.running.Store(false)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stop:
			return
		case <-ticker.C:
			v.safeSweep(ctx)
		}
	}
}

// Stop signals the verifier to stop. It is safe to call more than once.
func (v *Verifier) Stop() {
	v.stopOnce.Do(func() { close(v.stop) })
}

func (v *Verifier) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("panic in escrow verifier", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := v.Sweep(ctx); err != nil {
		v.logger.Warn("escrow verification sweep failed", "error", err)
	}
	if v.purger != nil && v.retention > 0 {
		n, err := v.purger.Purge(ctx, time.Now().Add(-v.retention))
		if err != nil {
			v.logger.Warn("idempotency purge failed", "error", err)
		} else if n > 0 {
			v.logger.Info("purged idempotency keys", "count", n)
		}
	}
}

// Sweep verifies every escrow once and returns the inconsistent ones.
func (v *Verifier) Sweep(ctx context.Context) ([]*Verification, error) {
	var (
		bad   []*Verification
		after string
	)
	for {
		page, err := v.store.List(ctx, after, verifyPageSize)
		if err != nil {
			return bad, err
		}
		for _, e := range page {
			metrics.EscrowsVerifiedTotal.Inc()
			res := verifyRecord(e)
			if !res.Consistent {
				metrics.EscrowReplayMismatchesTotal.Inc()
				v.logger.Error("escrow disagrees with its audit trail",
					"escrow_id", e.ID, "status", e.Status, "version", e.Version, "problem", res.Problem)
				bad = append(bad, res)
			}
		}
		if len(page) < verifyPageSize {
			return bad, nil
		}
		after = page[len(page)-1].ID
	}
}
