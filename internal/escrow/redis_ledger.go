package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisLedgerKeyPrefix = "escrowd:idem:"

	// DefaultReservationTTL bounds how long a pending reservation survives a
	// crashed holder before another delivery may take it over.
	DefaultReservationTTL = 30 * time.Second
)

// releaseScript deletes a key only while it still holds a pending reservation,
// so a late Release can never erase a committed result.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local ok, rec = pcall(cjson.decode, v)
if ok and rec["state"] == "pending" then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type ledgerRecord struct {
	EscrowID string  `json:"escrowId"`
	Action   Action  `json:"action"`
	State    string  `json:"state"` // "pending" or "done"
	Result   *Escrow `json:"result,omitempty"`
}

const (
	ledgerStatePending = "pending"
	ledgerStateDone    = "done"
)

// RedisLedger is a Ledger shared by every instance connected to the same Redis.
// Reservations use SET NX; waiters poll until the key is committed or released.
type RedisLedger struct {
	client         *redis.Client
	retention      time.Duration
	reservationTTL time.Duration
}

// NewRedisLedger creates a Redis-backed ledger. Committed keys expire after retention.
func NewRedisLedger(client *redis.Client, retention time.Duration) *RedisLedger {
	return &RedisLedger{
		client:         client,
		retention:      retention,
		reservationTTL: DefaultReservationTTL,
	}
}

// WithReservationTTL overrides DefaultReservationTTL.
func (l *RedisLedger) WithReservationTTL(ttl time.Duration) *RedisLedger {
	l.reservationTTL = ttl
	return l
}

func (l *RedisLedger) Reserve(ctx context.Context, key Key) (bool, *Escrow, error) {
	pending, err := json.Marshal(ledgerRecord{EscrowID: key.EscrowID, Action: key.Action, State: ledgerStatePending})
	if err != nil {
		return false, nil, fmt.Errorf("encode reservation: %w", err)
	}
	redisKey := redisLedgerKeyPrefix + key.Value

	var (
		reserved bool
		prior    *Escrow
	)
	err = poll(ctx, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, redisKey, pending, l.reservationTTL).Result()
		if err != nil {
			return false, storeErr("redis reserve", err)
		}
		if ok {
			reserved = true
			return true, nil
		}

		raw, err := l.client.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return false, nil // released or expired between SETNX and GET
		}
		if err != nil {
			return false, storeErr("redis get reservation", err)
		}
		var rec ledgerRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return false, storeErr("redis decode reservation", err)
		}
		if rec.EscrowID != key.EscrowID || rec.Action != key.Action {
			return false, ErrIdempotencyMismatch
		}
		if rec.State == ledgerStateDone {
			prior = rec.Result
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return false, nil, err
	}
	return reserved, prior, nil
}

func (l *RedisLedger) Commit(ctx context.Context, key Key, result *Escrow) error {
	raw, err := json.Marshal(ledgerRecord{
		EscrowID: key.EscrowID,
		Action:   key.Action,
		State:    ledgerStateDone,
		Result:   result,
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return storeErr("redis commit", l.client.Set(ctx, redisLedgerKeyPrefix+key.Value, raw, l.retention).Err())
}

func (l *RedisLedger) Release(ctx context.Context, key Key) error {
	err := releaseScript.Run(ctx, l.client, []string{redisLedgerKeyPrefix + key.Value}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return storeErr("redis release", err)
}
