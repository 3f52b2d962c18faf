package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresLedger is a Ledger stored in the escrow_idempotency table.
// Reservations use INSERT ... ON CONFLICT DO NOTHING. A pending row older than
// the reservation TTL is taken over, which recovers keys held by a crashed instance.
type PostgresLedger struct {
	db             *sql.DB
	reservationTTL time.Duration
}

// NewPostgresLedger creates a PostgreSQL-backed ledger.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, reservationTTL: DefaultReservationTTL}
}

// WithReservationTTL overrides DefaultReservationTTL.
func (l *PostgresLedger) WithReservationTTL(ttl time.Duration) *PostgresLedger {
	l.reservationTTL = ttl
	return l
}

func (l *PostgresLedger) Reserve(ctx context.Context, key Key) (bool, *Escrow, error) {
	var (
		reserved bool
		prior    *Escrow
	)
	err := poll(ctx, func() (bool, error) {
		res, err := l.db.ExecContext(ctx, `
			INSERT INTO escrow_idempotency (key, escrow_id, action, state, reserved_at)
			VALUES ($1, $2, $3, 'pending', now())
			ON CONFLICT (key) DO NOTHING`,
			key.Value, key.EscrowID, string(key.Action),
		)
		if err != nil {
			return false, storeErr("reserve idempotency key", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reserved = true
			return true, nil
		}

		var (
			escrowID, action, state string
			result                  []byte
			stale                   bool
		)
		err = l.db.QueryRowContext(ctx, `
			SELECT escrow_id, action, state, result, reserved_at < now() - $2::interval
			FROM escrow_idempotency WHERE key = $1`,
			key.Value, fmt.Sprintf("%d milliseconds", l.reservationTTL.Milliseconds()),
		).Scan(&escrowID, &action, &state, &result, &stale)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil // released between insert and select
		}
		if err != nil {
			return false, storeErr("load idempotency key", err)
		}
		if escrowID != key.EscrowID || Action(action) != key.Action {
			return false, ErrIdempotencyMismatch
		}
		if state == ledgerStateDone {
			prior = &Escrow{}
			if err := json.Unmarshal(result, prior); err != nil {
				return false, storeErr("decode idempotency result", err)
			}
			return true, nil
		}
		if stale {
			ok, err := l.takeOver(ctx, key)
			if err != nil {
				return false, err
			}
			reserved = ok
			return ok, nil
		}
		return false, nil
	})
	if err != nil {
		return false, nil, err
	}
	return reserved, prior, nil
}

// takeOver claims a stale pending reservation. Only one contender wins.
func (l *PostgresLedger) takeOver(ctx context.Context, key Key) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE escrow_idempotency SET reserved_at = now()
		WHERE key = $1 AND state = 'pending' AND reserved_at < now() - $2::interval`,
		key.Value, fmt.Sprintf("%d milliseconds", l.reservationTTL.Milliseconds()),
	)
	if err != nil {
		return false, storeErr("take over idempotency key", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (l *PostgresLedger) Commit(ctx context.Context, key Key, result *Escrow) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO escrow_idempotency (key, escrow_id, action, state, result, reserved_at, committed_at)
		VALUES ($1, $2, $3, 'done', $4, now(), now())
		ON CONFLICT (key) DO UPDATE SET state = 'done', result = EXCLUDED.result, committed_at = now()
		WHERE escrow_idempotency.state = 'pending'`,
		key.Value, key.EscrowID, string(key.Action), raw,
	)
	return storeErr("commit idempotency key", err)
}

func (l *PostgresLedger) Release(ctx context.Context, key Key) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM escrow_idempotency WHERE key = $1 AND state = 'pending'`, key.Value)
	return storeErr("release idempotency key", err)
}

// Purge deletes committed keys older than before and returns how many were removed.
func (l *PostgresLedger) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM escrow_idempotency WHERE state = 'done' AND committed_at < $1`, before)
	if err != nil {
		return 0, storeErr("purge idempotency keys", err)
	}
	return res.RowsAffected()
}
