package escrow

import (
	"fmt"
	"time"
)

// timestampPrecision matches what PostgreSQL stores, so a record reads back
// exactly as it was written.
const timestampPrecision = time.Microsecond

// appendEntry finalizes d onto e's trail and updates status and version to
// match. The entry time never moves backwards relative to the previous entry,
// so ordering follows sequence even under clock skew.
func appendEntry(e *Escrow, d Draft, now time.Time) AuditEntry {
	at := now.UTC().Truncate(timestampPrecision)
	if last, ok := e.Last(); ok && at.Before(last.At) {
		at = last.At
	}
	entry := AuditEntry{
		Sequence:        len(e.Audit),
		At:              at,
		By:              d.By,
		Action:          d.Action,
		Meta:            d.Meta,
		ResultingStatus: d.ResultingStatus,
	}
	e.Audit = append(e.Audit, entry)
	e.Status = entry.ResultingStatus
	e.Version = len(e.Audit)
	return entry
}

// newEscrow builds the version 1 record holding the creation entry.
func newEscrow(id string, demandID, bidID *string, now time.Time) *Escrow {
	e := &Escrow{
		ID:        id,
		DemandID:  cloneString(demandID),
		BidID:     cloneString(bidID),
		CreatedAt: now.UTC().Truncate(timestampPrecision),
	}
	appendEntry(e, Draft{
		By:              ActorSystem,
		Action:          ActionCreate,
		Meta:            Meta{},
		ResultingStatus: StatusAwaitingFunds,
	}, now)
	return e
}

// Replay folds trail from entry 0 and returns the status it produces.
// Every entry after the first must be a legal move from its predecessor's
// resulting status, sequences must be gapless, and times must not decrease.
func Replay(trail []AuditEntry) (Status, error) {
	if len(trail) == 0 {
		return "", fmt.Errorf("%w: empty trail", ErrCorruptTrail)
	}
	first := trail[0]
	if first.Sequence != 0 || first.Action != ActionCreate || first.ResultingStatus != StatusAwaitingFunds {
		return "", fmt.Errorf("%w: entry 0 is not a creation", ErrCorruptTrail)
	}

	status := first.ResultingStatus
	for i := 1; i < len(trail); i++ {
		entry := trail[i]
		if entry.Sequence != i {
			return "", fmt.Errorf("%w: entry %d has sequence %d", ErrCorruptTrail, i, entry.Sequence)
		}
		if entry.At.Before(trail[i-1].At) {
			return "", fmt.Errorf("%w: entry %d is older than its predecessor", ErrCorruptTrail, i)
		}
		next, _, err := Apply(status, entry.Action, entry.By, nil)
		if err != nil {
			return "", fmt.Errorf("%w: entry %d: %v", ErrCorruptTrail, i, err)
		}
		if next != entry.ResultingStatus {
			return "", fmt.Errorf("%w: entry %d records %s, replay gives %s", ErrCorruptTrail, i, entry.ResultingStatus, next)
		}
		status = next
	}
	return status, nil
}

// CheckInvariants verifies that e agrees with its own audit trail.
func CheckInvariants(e *Escrow) error {
	replayed, err := Replay(e.Audit)
	if err != nil {
		return err
	}
	if e.Version != len(e.Audit) {
		return fmt.Errorf("%w: version %d, trail length %d", ErrCorruptTrail, e.Version, len(e.Audit))
	}
	if e.Status != replayed {
		return fmt.Errorf("%w: status %s, replay gives %s", ErrCorruptTrail, e.Status, replayed)
	}
	return nil
}
