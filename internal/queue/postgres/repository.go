// Package postgres provides the PostgreSQL implementation of the queue store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailflow/internal/queue"
)

// Repository implements queue.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ClaimBatch atomically reserves up to limit eligible items. The inner
// SELECT takes row locks with SKIP LOCKED so concurrent claimers never
// block on or return the same rows, and the status guard in the WHERE
// clause makes the pending->processing transition a compare-and-swap.
func (r *Repository) ClaimBatch(ctx context.Context, limit int) ([]*queue.Item, error) {
	query := `
		WITH claimed AS (
			UPDATE email_queue
			SET status = 'processing', lock_token = gen_random_uuid(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM email_queue
				WHERE status = 'pending' AND next_attempt_at <= NOW()
				ORDER BY next_attempt_at, created_at
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, recipient, template_ref, payload, status, attempts, max_attempts,
			          next_attempt_at, lock_token, last_error, created_at, updated_at
		)
		SELECT * FROM claimed ORDER BY next_attempt_at, created_at
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	items := make([]*queue.Item, 0, limit)
	for rows.Next() {
		var item queue.Item
		var lockToken *string
		err := rows.Scan(
			&item.ID,
			&item.Recipient,
			&item.TemplateRef,
			&item.Payload,
			&item.Status,
			&item.Attempts,
			&item.MaxAttempts,
			&item.NextAttemptAt,
			&lockToken,
			&item.LastError,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		if lockToken != nil {
			item.LockToken = *lockToken
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}

	return items, nil
}

// MarkSent finalizes a delivered item. The lock token guard turns a replay
// with a stale token into a zero-row update, reported as ErrLockConflict.
func (r *Repository) MarkSent(ctx context.Context, id, lockToken string) error {
	query := `
		UPDATE email_queue
		SET status = 'sent', lock_token = NULL, last_error = '', updated_at = NOW()
		WHERE id = $1 AND lock_token = $2 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, lockToken)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrLockConflict
	}
	return nil
}

// MarkDead finalizes a permanently failed or retry-exhausted item.
func (r *Repository) MarkDead(ctx context.Context, id, lockToken string, attempts int, lastError string) error {
	query := `
		UPDATE email_queue
		SET status = 'dead', lock_token = NULL, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND lock_token = $2 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, lockToken, attempts, lastError)
	if err != nil {
		return fmt.Errorf("mark dead: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrLockConflict
	}
	return nil
}

// Requeue returns a transiently failed item to pending with backoff.
func (r *Repository) Requeue(ctx context.Context, id, lockToken string, attempts int, nextAttemptAt time.Time, lastError string) error {
	query := `
		UPDATE email_queue
		SET status = 'pending', lock_token = NULL, attempts = $3, next_attempt_at = $4,
		    last_error = $5, updated_at = NOW()
		WHERE id = $1 AND lock_token = $2 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, lockToken, attempts, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrLockConflict
	}
	return nil
}

// Release returns an undispatched item to pending without recording an
// attempt. Eligibility resets to now: the item can be picked up by the very
// next pass.
func (r *Repository) Release(ctx context.Context, id, lockToken string) error {
	query := `
		UPDATE email_queue
		SET status = 'pending', lock_token = NULL, next_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND lock_token = $2 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id, lockToken)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrLockConflict
	}
	return nil
}

// RequeueStale recovers items stuck in processing since before the
// threshold, typically left behind by a run that was killed mid-batch.
func (r *Repository) RequeueStale(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	query := `
		UPDATE email_queue
		SET status = 'pending', lock_token = NULL, next_attempt_at = NOW(), updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`
	result, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return result.RowsAffected(), nil
}

// Enqueue inserts a new pending item. A zero ID gets a generated UUID and a
// zero NextAttemptAt means immediately eligible.
func (r *Repository) Enqueue(ctx context.Context, item *queue.Item) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = queue.StatusPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 3
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = time.Now()
	}

	query := `
		INSERT INTO email_queue (id, recipient, template_ref, payload, status, attempts, max_attempts, next_attempt_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '')
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		item.ID,
		item.Recipient,
		item.TemplateRef,
		item.Payload,
		item.Status,
		item.Attempts,
		item.MaxAttempts,
		item.NextAttemptAt,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Stats returns item counts by status.
func (r *Repository) Stats(ctx context.Context) (*queue.Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'dead')
		FROM email_queue
	`
	var stats queue.Stats
	err := r.db.QueryRow(ctx, query).Scan(&stats.Pending, &stats.Processing, &stats.Sent, &stats.Dead)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &stats, nil
}
