package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Key identifies one external event. It is scoped to a single escrow and
// action; presenting the same Value for a different pair is a mismatch.
type Key struct {
	Value    string
	EscrowID string
	Action   Action
}

// externalRefFields are the meta fields that carry an external reference,
// in order of preference.
var externalRefFields = []string{"externalRef", "bankRef", "reference"}

// DeriveKey returns the idempotency key for a transition. An explicit key
// wins. Otherwise the first external reference found in meta is combined
// with the escrow id and action. Transitions with neither are not deduplicated.
func DeriveKey(explicit, escrowID string, action Action, meta Meta) (Key, bool) {
	if explicit != "" {
		return Key{Value: explicit, EscrowID: escrowID, Action: action}, true
	}
	for _, field := range externalRefFields {
		if ref := meta.String(field); ref != "" {
			return Key{
				Value:    fmt.Sprintf("%s:%s:%s", escrowID, action, ref),
				EscrowID: escrowID,
				Action:   action,
			}, true
		}
	}
	return Key{}, false
}

func (k Key) matches(escrowID string, action Action) bool {
	return k.EscrowID == escrowID && k.Action == action
}

// Ledger records which idempotency keys have been applied.
//
// Reserve is atomic with respect to concurrent callers presenting the same
// key: exactly one gets reserved=true. Others wait until the holder commits
// (and receive its result as prior) or releases (and contend again), or
// until ctx is done.
type Ledger interface {
	Reserve(ctx context.Context, key Key) (reserved bool, prior *Escrow, err error)
	Commit(ctx context.Context, key Key, result *Escrow) error
	Release(ctx context.Context, key Key) error
}

// MemoryLedger is an in-process Ledger for single-instance deployments and tests.
type MemoryLedger struct {
	mu        sync.Mutex
	entries   map[string]*ledgerEntry
	retention time.Duration
	now       func() time.Time
}

type ledgerEntry struct {
	key         Key
	result      *Escrow
	committedAt time.Time
	done        chan struct{} // closed on commit or release
}

// NewMemoryLedger creates an in-memory ledger. Committed keys older than
// retention are forgotten; zero retains them forever.
func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	return &MemoryLedger{
		entries:   make(map[string]*ledgerEntry),
		retention: retention,
		now:       time.Now,
	}
}

func (l *MemoryLedger) Reserve(ctx context.Context, key Key) (bool, *Escrow, error) {
	for {
		l.mu.Lock()
		ent, ok := l.entries[key.Value]
		if ok && ent.result != nil && l.expired(ent) {
			delete(l.entries, key.Value)
			ok = false
		}
		if !ok {
			l.entries[key.Value] = &ledgerEntry{key: key, done: make(chan struct{})}
			l.mu.Unlock()
			return true, nil, nil
		}
		if !ent.key.matches(key.EscrowID, key.Action) {
			l.mu.Unlock()
			return false, nil, ErrIdempotencyMismatch
		}
		if ent.result != nil {
			prior := ent.result.Clone()
			l.mu.Unlock()
			return false, prior, nil
		}
		done := ent.done
		l.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return false, nil, fmt.Errorf("%w: %v", ErrIdempotencyInFlight, ctx.Err())
		}
	}
}

func (l *MemoryLedger) Commit(_ context.Context, key Key, result *Escrow) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.entries[key.Value]
	if !ok {
		ent = &ledgerEntry{key: key, done: make(chan struct{})}
		l.entries[key.Value] = ent
	}
	if ent.result != nil {
		return nil
	}
	ent.result = result.Clone()
	ent.committedAt = l.now()
	close(ent.done)
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.entries[key.Value]
	if !ok || ent.result != nil {
		return nil
	}
	delete(l.entries, key.Value)
	close(ent.done)
	return nil
}

func (l *MemoryLedger) expired(ent *ledgerEntry) bool {
	return l.retention > 0 && l.now().Sub(ent.committedAt) > l.retention
}

// Shared ledgers re-read an in-flight key at growing intervals within these bounds.
const (
	minPollInterval = 5 * time.Millisecond
	maxPollInterval = 200 * time.Millisecond
)

// poll calls check with growing pauses until it reports done or ctx ends.
func poll(ctx context.Context, check func() (bool, error)) error {
	interval := minPollInterval
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrIdempotencyInFlight, ctx.Err())
		}
		done, err := check()
		if err != nil || done {
			return err
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %v", ErrIdempotencyInFlight, ctx.Err())
		case <-t.C:
		}
		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}
