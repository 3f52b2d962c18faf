package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/teklifbul/escrowd/internal/idgen"
	"github.com/teklifbul/escrowd/internal/logging"
	"github.com/teklifbul/escrowd/internal/metrics"
	"github.com/teklifbul/escrowd/internal/retry"
	"github.com/teklifbul/escrowd/internal/traces"
)

const (
	DefaultMaxAttempts     = 5
	DefaultRetryBaseDelay  = 5 * time.Millisecond
	DefaultRetryMaxDelay   = 100 * time.Millisecond
	DefaultIdempotencyWait = 10 * time.Second

	// maxCreateAttempts bounds id regeneration when Insert reports a collision.
	maxCreateAttempts = 3
	maxReferenceLen   = 128

	// flightIOBudget is the store and ledger I/O allowance of one keyed
	// transition on top of its idempotency wait and retry backoff.
	flightIOBudget = 10 * time.Second
	// reservationMargin keeps a shared ledger reservation alive past the
	// holder's deadline so a late write cannot overlap a takeover.
	reservationMargin = 5 * time.Second
)

// TransitionRequest asks the manager to apply one action to one escrow.
type TransitionRequest struct {
	EscrowID       string
	Action         Action
	Actor          Actor
	Meta           Meta
	IdempotencyKey string // optional; derived from Meta when empty
}

// Verification is the outcome of replaying one escrow's audit trail.
type Verification struct {
	EscrowID   string `json:"escrowId"`
	Status     Status `json:"status"`
	Version    int    `json:"version"`
	Replayed   Status `json:"replayed,omitempty"`
	Consistent bool   `json:"consistent"`
	Problem    string `json:"problem,omitempty"`
}

// Manager orchestrates the transition engine, audit trail, idempotency
// ledger and store. It is the only entry point callers use and performs no
// background work of its own.
type Manager struct {
	store    Store
	ledger   Ledger
	ids      idgen.Generator
	logger   *slog.Logger
	now      func() time.Time
	policy   retry.Policy
	idemWait time.Duration
	flight   singleflight.Group
}

// NewManager creates a lifecycle manager. A nil ledger disables deduplication.
func NewManager(store Store, ledger Ledger, ids idgen.Generator) *Manager {
	return &Manager{
		store:  store,
		ledger: ledger,
		ids:    ids,
		logger: slog.Default(),
		now:    time.Now,
		policy: retry.Policy{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultRetryBaseDelay,
			MaxDelay:    DefaultRetryMaxDelay,
		},
		idemWait: DefaultIdempotencyWait,
	}
}

// WithLogger sets the fallback logger used when the request context carries none.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// WithClock overrides the time source for audit timestamps.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithRetryPolicy sets the bounded retry applied to compare-and-swap conflicts.
func (m *Manager) WithRetryPolicy(p retry.Policy) *Manager {
	m.policy = p
	return m
}

// WithIdempotencyWait bounds how long a duplicate waits for an in-flight original.
func (m *Manager) WithIdempotencyWait(d time.Duration) *Manager {
	m.idemWait = d
	return m
}

// Create allocates a new escrow in awaiting_funds with its creation entry.
func (m *Manager) Create(ctx context.Context, demandID, bidID *string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create")
	defer func() { traces.End(span, err) }()

	if err := validateReference("demandId", demandID); err != nil {
		return nil, err
	}
	if err := validateReference("bidId", bidID); err != nil {
		return nil, err
	}

	var e *Escrow
	err = retry.Do(ctx, retry.Policy{MaxAttempts: maxCreateAttempts}, func(int) error {
		e = newEscrow(m.ids.NewID(), demandID, bidID, m.now())
		err := m.store.Insert(ctx, e)
		if err == nil || errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return retry.Permanent(err)
	})
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Err
	}
	if err != nil {
		logging.L(ctx, m.logger).Error("escrow create failed", "error", err)
		return nil, err
	}

	span.SetAttributes(traces.EscrowID(e.ID))
	metrics.EscrowCreatedTotal.Inc()
	logging.L(ctx, m.logger).Info("escrow created", "escrow_id", e.ID, "status", e.Status, "version", e.Version)
	return e, nil
}

// Get returns the escrow with its full audit trail.
func (m *Manager) Get(ctx context.Context, id string) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Get", traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	return m.store.Load(ctx, id)
}

// Transition applies req.Action to the escrow.
//
// When the request carries an idempotency key (explicit or derived from an
// external reference in Meta) and that key was already applied, the stored
// result is returned and nothing is appended. Otherwise the escrow is loaded,
// the action validated against its current status, and the new record written
// conditioned on the version read. A conflicting concurrent write causes the
// whole validate-then-write cycle to run again, up to the retry policy bound.
func (m *Manager) Transition(ctx context.Context, req TransitionRequest) (_ *Escrow, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "escrow.Transition",
		traces.EscrowID(req.EscrowID),
		traces.Action(string(req.Action)),
		traces.Actor(string(req.Actor)),
	)
	result := "applied"
	defer func() {
		if err != nil {
			result = resultLabel(err)
		}
		metrics.ObserveTransition(string(req.Action), result, time.Since(start))
		traces.End(span, err)
	}()

	if err := validateTransition(req); err != nil {
		return nil, err
	}

	key, keyed := DeriveKey(req.IdempotencyKey, req.EscrowID, req.Action, req.Meta)
	if !keyed || m.ledger == nil {
		return m.apply(ctx, req)
	}
	span.SetAttributes(traces.IdempotencyKey(key.Value))

	// Duplicates within this process share one ledger round trip. The flight
	// key includes the scope so a mismatched reuse still reaches the ledger.
	// The flight outlives whichever caller started it: joiners adopt its
	// result, so it runs detached under its own deadline.
	flightKey := key.Value + "\x00" + key.EscrowID + "\x00" + string(key.Action)
	ch := m.flight.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.flightTimeout())
		defer cancel()
		e, replayed, err := m.transitionOnce(fctx, req, key)
		return flightResult{escrow: e, replayed: replayed}, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		fr := res.Val.(flightResult)
		if fr.replayed {
			result = "replayed"
		}
		return fr.escrow.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flightTimeout bounds one keyed transition: the wait for an in-flight
// original, every retry backoff, and store I/O.
func (m *Manager) flightTimeout() time.Duration {
	step := m.policy.MaxDelay
	if step < m.policy.BaseDelay {
		step = m.policy.BaseDelay
	}
	attempts := m.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return m.idemWait + time.Duration(attempts)*step + flightIOBudget
}

// ReservationTTL is the minimum lifetime a shared ledger must give a pending
// reservation. The holder's work ends before it lapses, so a takeover never
// runs alongside the original.
func (m *Manager) ReservationTTL() time.Duration {
	return m.flightTimeout() + reservationMargin
}

type flightResult struct {
	escrow   *Escrow
	replayed bool
}

// transitionOnce runs one keyed transition under a ledger reservation.
func (m *Manager) transitionOnce(ctx context.Context, req TransitionRequest, key Key) (*Escrow, bool, error) {
	log := logging.L(ctx, m.logger).With("escrow_id", req.EscrowID, "action", req.Action, "idempotency_key", key.Value)

	waitCtx, cancel := context.WithTimeout(ctx, m.idemWait)
	reserved, prior, err := m.ledger.Reserve(waitCtx, key)
	cancel()
	if err != nil {
		log.Warn("idempotency reservation failed", "error", err)
		return nil, false, err
	}
	if !reserved {
		metrics.EscrowIdempotentReplaysTotal.Inc()
		log.Info("duplicate transition replayed", "version", prior.Version, "status", prior.Status)
		return prior, true, nil
	}

	e, err := m.apply(ctx, req)
	if err != nil {
		if rerr := m.ledger.Release(context.WithoutCancel(ctx), key); rerr != nil {
			log.Error("idempotency release failed", "error", rerr)
		}
		return nil, false, err
	}
	// The transition is durable at this point. A failed commit leaves the
	// reservation pending until it expires; the caller still gets the result.
	if err := m.ledger.Commit(context.WithoutCancel(ctx), key, e); err != nil {
		log.Error("idempotency commit failed", "error", err, "version", e.Version)
	}
	return e, false, nil
}

// apply runs the optimistic validate-then-write loop.
func (m *Manager) apply(ctx context.Context, req TransitionRequest) (*Escrow, error) {
	log := logging.L(ctx, m.logger).With("escrow_id", req.EscrowID, "action", req.Action, "actor", req.Actor)

	var (
		updated  *Escrow
		attempts int
	)
	err := retry.Do(ctx, m.policy, func(attempt int) error {
		attempts = attempt
		current, err := m.store.Load(ctx, req.EscrowID)
		if err != nil {
			return retry.Permanent(err)
		}

		_, draft, err := Apply(current.Status, req.Action, req.Actor, req.Meta)
		if err != nil {
			return retry.Permanent(err)
		}

		next := current.Clone()
		appendEntry(next, draft, m.now())
		err = m.store.CompareAndSwap(ctx, req.EscrowID, current.Version, next)
		if errors.Is(err, ErrConflict) {
			metrics.EscrowCASConflictsTotal.Inc()
			log.Debug("version conflict, re-evaluating", "attempt", attempt, "version", current.Version)
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		updated = next
		return nil
	})

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		log.Warn("transition gave up after conflicts", "attempt", exhausted.Attempts)
		return nil, fmt.Errorf("%w: escrow %s after %d attempts", ErrConcurrencyExhausted, req.EscrowID, exhausted.Attempts)
	}
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			log.Error("transition failed", "error", err, "attempt", attempts)
		} else {
			log.Info("transition rejected", "error", err)
		}
		return nil, err
	}

	trace.SpanFromContext(ctx).SetAttributes(
		traces.Status(string(updated.Status)),
		traces.Version(updated.Version),
		traces.Attempts(attempts),
	)
	log.Info("escrow transitioned", "status", updated.Status, "version", updated.Version, "attempt", attempts)
	return updated, nil
}

// Verify replays the escrow's audit trail and compares it with the stored record.
func (m *Manager) Verify(ctx context.Context, id string) (*Verification, error) {
	e, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return verifyRecord(e), nil
}

func verifyRecord(e *Escrow) *Verification {
	v := &Verification{EscrowID: e.ID, Status: e.Status, Version: e.Version}
	if replayed, err := Replay(e.Audit); err == nil {
		v.Replayed = replayed
	}
	if err := CheckInvariants(e); err != nil {
		v.Problem = err.Error()
		return v
	}
	v.Consistent = true
	return v
}

func validateTransition(req TransitionRequest) error {
	if req.EscrowID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if req.Action == "" {
		return &ValidationError{Field: "action", Message: "is required"}
	}
	if !req.Action.Requestable() {
		return &ValidationError{Field: "action", Message: "unknown action " + string(req.Action)}
	}
	if req.Actor == "" {
		return &ValidationError{Field: "actor", Message: "is required"}
	}
	if !req.Actor.Valid() {
		return &ValidationError{Field: "actor", Message: "unknown actor " + string(req.Actor)}
	}
	return nil
}

func validateReference(field string, v *string) error {
	if v != nil && len(*v) > maxReferenceLen {
		return &ValidationError{Field: field, Message: fmt.Sprintf("exceeds %d characters", maxReferenceLen)}
	}
	return nil
}

// resultLabel maps an error to the result label of escrow_transitions_total.
func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal"
	case errors.Is(err, ErrTerminalState):
		return "terminal"
	case errors.Is(err, ErrConcurrencyExhausted):
		return "exhausted"
	case errors.Is(err, ErrIdempotencyMismatch):
		return "mismatch"
	case errors.Is(err, ErrIdempotencyInFlight):
		return "in_flight"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
