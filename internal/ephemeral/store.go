// Package ephemeral provides the non-durable tracking state behind
// admission and the rules engine: replay markers, rate counters, sliding
// windows, and alert cooldowns. The contract is a narrow interface so tests
// and alternative backends don't drag in a concrete driver.
package ephemeral

import (
	"context"
	"strconv"
	"time"
)

// Store is the ephemeral KV + sorted-set contract. All operations are
// individually atomic; the backing store must survive process restarts for
// at least the longest TTL in use (4 h for sliding windows).
type Store interface {
	// SetIfAbsent atomically creates key with the given TTL. Returns true
	// if the key was created, false if it already existed.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Increment atomically increments the counter at key and returns the
	// new value. The TTL is applied only when the increment created the
	// key, so the window does not slide on every hit.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// WindowAdd inserts member at the given timestamp into the sorted set
	// at key, prunes entries older than cutoff, refreshes the TTL, and
	// returns the count of entries in [from, ts]. Insert, prune and count
	// execute as one atomic script. Re-adding an existing member is a
	// no-op on cardinality, which keeps re-evaluation idempotent.
	WindowAdd(ctx context.Context, key, member string, ts, from, cutoff time.Time, ttl time.Duration) (int64, error)

	// WindowCount returns the number of entries in [from, to] without
	// mutating the set.
	WindowCount(ctx context.Context, key string, from, to time.Time) (int64, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error
}

// Key shapes shared by admission and rules. Kept in one place so the
// keyspace layout is greppable.
const (
	replayPrefix    = "replay:"
	ratePrefix      = "rate:"
	windowPrefix    = "sw:"
	alertCntPrefix  = "alert-count:"
	rulesSeenPrefix = "rules-seen:"
)

// ReplayKey marks an event id as seen (TTL ~1 h).
func ReplayKey(eventID string) string { return replayPrefix + eventID }

// RateKey counts events for a session in a wall-clock minute.
func RateKey(sessionID string, unixMinute int64) string {
	return ratePrefix + sessionID + ":" + strconv.FormatInt(unixMinute, 10)
}

// WindowKey is the per-(session,type) sliding-window sorted set.
func WindowKey(sessionID, eventType string) string {
	return windowPrefix + sessionID + ":" + eventType
}

// AlertCountKey gates alert emission per (session,type): the key's TTL is
// the cooldown, and only the increment that creates it emits.
func AlertCountKey(sessionID, eventType string) string {
	return alertCntPrefix + sessionID + ":" + eventType
}

// RulesSeenKey guards the async path against re-evaluating an event id.
func RulesSeenKey(eventID string) string { return rulesSeenPrefix + eventID }
