package queue

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	// ErrLockConflict is returned by finalization methods when the item's
	// lock token no longer matches, meaning another process already mutated
	// the item. Finalization with a stale token must be a no-op.
	ErrLockConflict = errors.New("queue item lock token mismatch")
)

// Store defines the durable queue operations.
//
// ClaimBatch is the only operation that requires cross-invocation mutual
// exclusion: two concurrent calls must never return overlapping item sets.
// All finalization methods are conditional on the lock token assigned at
// claim time and return ErrLockConflict when the guard fails.
type Store interface {
	// ClaimBatch atomically transitions up to limit eligible items
	// (status=pending, next_attempt_at <= now) to processing, assigning a
	// fresh lock token to each. Items are returned in ascending
	// (next_attempt_at, created_at) order. An empty result is not an error.
	ClaimBatch(ctx context.Context, limit int) ([]*Item, error)

	// MarkSent finalizes a delivered item: status=sent, lock released,
	// last error cleared.
	MarkSent(ctx context.Context, id, lockToken string) error

	// MarkDead finalizes an item that permanently failed or exhausted its
	// retry budget.
	MarkDead(ctx context.Context, id, lockToken string, attempts int, lastError string) error

	// Requeue returns an item to pending after a transient failure, with
	// the attempt count incremented and the next eligibility time set.
	Requeue(ctx context.Context, id, lockToken string, attempts int, nextAttemptAt time.Time, lastError string) error

	// Release returns a claimed item to pending without recording an
	// attempt, resetting its eligibility to now. Used when a run gives an
	// item back undispatched (dry run, run budget exceeded).
	Release(ctx context.Context, id, lockToken string) error

	// RequeueStale returns items stuck in processing longer than threshold
	// back to pending, clearing their lock. Recovers items orphaned by a
	// crashed run.
	RequeueStale(ctx context.Context, threshold time.Duration) (int64, error)

	// Enqueue inserts a new pending item.
	Enqueue(ctx context.Context, item *Item) error

	// Stats returns item counts by status.
	Stats(ctx context.Context) (*Stats, error)
}
