package escrow

import "context"

// Store persists escrow records with optimistic concurrency.
//
// CompareAndSwap replaces the record for id only if its stored version still
// equals expectedVersion, returning ErrConflict otherwise. The status, version
// and any newly appended audit entries become visible together or not at all.
type Store interface {
	Load(ctx context.Context, id string) (*Escrow, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int, next *Escrow) error
	Insert(ctx context.Context, e *Escrow) error
	// List returns up to limit escrows with id greater than after, ordered by id.
	List(ctx context.Context, after string, limit int) ([]*Escrow, error)
}
