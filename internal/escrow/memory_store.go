package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/teklifbul/escrowd/internal/syncutil"
)

// MemoryStore is an in-memory escrow store for single-instance deployments
// and tests. Reads are lock-free; writes to one id are serialized so the
// version check and the write are atomic. Different ids never contend beyond
// shard collisions.
type MemoryStore struct {
	records sync.Map // id → *Escrow
	writes  *syncutil.KeyedMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{writes: syncutil.NewKeyedMutex(syncutil.DefaultShards)}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Escrow, error) {
	v, ok := m.records.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Escrow).Clone(), nil
}

func (m *MemoryStore) Insert(_ context.Context, e *Escrow) error {
	if _, loaded := m.records.LoadOrStore(e.ID, e.Clone()); loaded {
		return ErrAlreadyExists
	}
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int, next *Escrow) error {
	unlock, err := m.writes.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	v, ok := m.records.Load(id)
	if !ok {
		return ErrNotFound
	}
	if v.(*Escrow).Version != expectedVersion {
		return ErrConflict
	}
	m.records.Store(id, next.Clone())
	return nil
}

func (m *MemoryStore) List(_ context.Context, after string, limit int) ([]*Escrow, error) {
	var ids []string
	m.records.Range(func(k, _ any) bool {
		if id := k.(string); id > after {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*Escrow, 0, len(ids))
	for _, id := range ids {
		if v, ok := m.records.Load(id); ok {
			out = append(out, v.(*Escrow).Clone())
		}
	}
	return out, nil
}
