package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PostgresStore persists escrows in the escrows and escrow_audit tables.
// CompareAndSwap updates the escrow row conditioned on its version and
// inserts the new audit rows in the same transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, status, version, demand_id, bid_id, created_at`

func (p *PostgresStore) Load(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("load escrow", err)
	}

	trails, err := p.loadAudit(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	e.Audit = visibleTrail(trails[id], e.Version)
	return e, nil
}

func (p *PostgresStore) Insert(ctx context.Context, e *Escrow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (id, status, version, demand_id, bid_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		e.ID, string(e.Status), e.Version, nullString(e.DemandID), nullString(e.BidID), e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return storeErr("insert escrow", err)
	}
	if err := insertAudit(ctx, tx, e.ID, e.Audit); err != nil {
		return err
	}
	return storeErr("commit insert", tx.Commit())
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int, next *Escrow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin swap", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET status = $3, version = $4, updated_at = now()
		WHERE id = $1 AND version = $2`,
		id, expectedVersion, string(next.Status), next.Version,
	)
	if err != nil {
		return storeErr("swap escrow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("swap escrow", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists); err != nil {
			return storeErr("swap escrow", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	if expectedVersion < len(next.Audit) {
		if err := insertAudit(ctx, tx, id, next.Audit[expectedVersion:]); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
	}
	return storeErr("commit swap", tx.Commit())
}

func (p *PostgresStore) List(ctx context.Context, after string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, storeErr("list escrows", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		out []*Escrow
		ids []string
	)
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, storeErr("list escrows", err)
		}
		out = append(out, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list escrows", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	trails, err := p.loadAudit(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, e := range out {
		e.Audit = visibleTrail(trails[e.ID], e.Version)
	}
	return out, nil
}

// Ping checks database connectivity for readiness probes.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) loadAudit(ctx context.Context, ids []string) (map[string][]AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT escrow_id, sequence, at, by_actor, action, meta, resulting_status
		FROM escrow_audit WHERE escrow_id = ANY($1)
		ORDER BY escrow_id, sequence`, pq.Array(ids))
	if err != nil {
		return nil, storeErr("load audit", err)
	}
	defer func() { _ = rows.Close() }()

	trails := make(map[string][]AuditEntry, len(ids))
	for rows.Next() {
		var (
			escrowID, by, action, status string
			metaJSON                     []byte
			entry                        AuditEntry
		)
		if err := rows.Scan(&escrowID, &entry.Sequence, &entry.At, &by, &action, &metaJSON, &status); err != nil {
			return nil, storeErr("scan audit", err)
		}
		entry.By = Actor(by)
		entry.Action = Action(action)
		entry.ResultingStatus = Status(status)
		entry.At = entry.At.UTC()
		if err := json.Unmarshal(metaJSON, &entry.Meta); err != nil {
			return nil, storeErr("decode audit meta", err)
		}
		trails[escrowID] = append(trails[escrowID], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load audit", err)
	}
	return trails, nil
}

// visibleTrail drops audit rows beyond version. The escrow row and its audit
// rows are read in separate statements, so a concurrent commit may add rows
// the escrow row does not yet reflect.
func visibleTrail(trail []AuditEntry, version int) []AuditEntry {
	if len(trail) > version {
		return trail[:version]
	}
	return trail
}

func insertAudit(ctx context.Context, tx *sql.Tx, escrowID string, entries []AuditEntry) error {
	for _, entry := range entries {
		meta := entry.Meta
		if meta == nil {
			meta = Meta{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return &ValidationError{Field: "meta", Message: err.Error()}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_audit (escrow_id, sequence, at, by_actor, action, meta, resulting_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			escrowID, entry.Sequence, entry.At, string(entry.By), string(entry.Action), metaJSON, string(entry.ResultingStatus),
		)
		if err != nil {
			return storeErr("insert audit", err)
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	var (
		e               Escrow
		status          string
		demandID, bidID sql.NullString
	)
	if err := s.Scan(&e.ID, &status, &e.Version, &demandID, &bidID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.CreatedAt = e.CreatedAt.UTC()
	if demandID.Valid {
		e.DemandID = &demandID.String
	}
	if bidID.Valid {
		e.BidID = &bidID.String
	}
	return &e, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
