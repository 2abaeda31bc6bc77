package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProcessorConfig contains processing pass configuration.
type ProcessorConfig struct {
	BatchSize   int
	MaxAttempts int
	Parallelism int
	RunBudget   time.Duration
	Backoff     BackoffPolicy
}

// DefaultProcessorConfig returns default processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:   100,
		MaxAttempts: 3,
		Parallelism: 5,
		RunBudget:   30 * time.Second,
		Backoff: BackoffPolicy{
			BaseDelay: 1 * time.Second,
			MaxDelay:  5 * time.Minute,
		},
	}
}

// Processor drains one batch of the email queue per Run invocation.
// It holds no mutable state across runs: all coordination between
// concurrent invocations flows through the store's conditional updates.
type Processor struct {
	config  ProcessorConfig
	store   Store
	gateway Gateway

	now func() time.Time
}

// NewProcessor creates a queue processor.
func NewProcessor(config ProcessorConfig, store Store, gateway Gateway) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultProcessorConfig().BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultProcessorConfig().MaxAttempts
	}
	if config.Parallelism <= 0 {
		config.Parallelism = DefaultProcessorConfig().Parallelism
	}
	return &Processor{
		config:  config,
		store:   store,
		gateway: gateway,
		now:     time.Now,
	}
}

// RunOptions are per-invocation overrides.
type RunOptions struct {
	// BatchSize overrides the configured claim limit when positive.
	BatchSize int
	// DryRun claims and immediately releases items without dispatching.
	DryRun bool
}

// Anomaly records an item whose finalization did not go as expected.
type Anomaly struct {
	ItemID string `json:"itemId"`
	Reason string `json:"reason"`
}

// Summary accounts for the fate of every item claimed in one pass:
// Sent + Requeued + Dead + len(Anomalies) == Claimed.
type Summary struct {
	Claimed   int       `json:"claimed"`
	Sent      int       `json:"sent"`
	Requeued  int       `json:"requeued"`
	Dead      int       `json:"dead"`
	Anomalies []Anomaly `json:"anomalies"`
}

// runResult accumulates the summary across concurrent item dispatches.
type runResult struct {
	mu      sync.Mutex
	summary Summary
}

func (r *runResult) sent()     { r.mu.Lock(); r.summary.Sent++; r.mu.Unlock() }
func (r *runResult) requeued() { r.mu.Lock(); r.summary.Requeued++; r.mu.Unlock() }
func (r *runResult) dead()     { r.mu.Lock(); r.summary.Dead++; r.mu.Unlock() }

func (r *runResult) anomaly(itemID, reason string) {
	r.mu.Lock()
	r.summary.Anomalies = append(r.summary.Anomalies, Anomaly{ItemID: itemID, Reason: reason})
	r.mu.Unlock()
}

// Run executes exactly one processing pass: claim a bounded batch, dispatch
// each item with bounded parallelism, finalize, and return the summary.
// It returns an error only when the claim itself fails; per-item failures
// are contained and reported through the summary.
func (p *Processor) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	start := p.now()

	var deadline time.Time
	if p.config.RunBudget > 0 {
		deadline = start.Add(p.config.RunBudget)
	}

	limit := p.config.BatchSize
	if opts.BatchSize > 0 {
		limit = opts.BatchSize
	}

	items, err := p.store.ClaimBatch(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	recordClaimed(len(items))

	result := &runResult{summary: Summary{
		Claimed:   len(items),
		Anomalies: make([]Anomaly, 0),
	}}

	if len(items) > 0 {
		slog.Debug("processing batch", "claimed", len(items), "dry_run", opts.DryRun)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.config.Parallelism)

		for _, item := range items {
			g.Go(func() error {
				// Items left over once the budget is exceeded (or the
				// invocation is cancelled) are given back undispatched so
				// a later pass can pick them up.
				if opts.DryRun || gctx.Err() != nil || (!deadline.IsZero() && p.now().After(deadline)) {
					p.release(ctx, item, result)
					return nil
				}
				p.dispatch(gctx, item, result)
				return nil
			})
		}

		// Item goroutines never return errors; failures are recorded in
		// the summary.
		_ = g.Wait()
	}

	recordRunDuration(time.Since(start))

	summary := result.summary
	slog.Info("processing pass complete",
		"claimed", summary.Claimed,
		"sent", summary.Sent,
		"requeued", summary.Requeued,
		"dead", summary.Dead,
		"anomalies", len(summary.Anomalies),
		"duration", time.Since(start),
	)

	return &summary, nil
}

// dispatch sends one item and maps the outcome to a state transition.
// One item's failure never affects another's processing.
func (p *Processor) dispatch(ctx context.Context, item *Item, result *runResult) {
	sendStart := time.Now()
	outcome := p.gateway.Send(ctx, item)
	recordSendDuration(time.Since(sendStart))

	switch outcome.Kind {
	case OutcomeDelivered:
		if err := p.store.MarkSent(ctx, item.ID, item.LockToken); err != nil {
			p.finalizeAnomaly(item, "mark sent", err, result)
			return
		}
		result.sent()
		recordDisposition("sent")

	case OutcomePermanent:
		if err := p.store.MarkDead(ctx, item.ID, item.LockToken, item.Attempts+1, outcome.Reason); err != nil {
			p.finalizeAnomaly(item, "mark dead", err, result)
			return
		}
		result.dead()
		recordDisposition("dead")
		slog.Warn("permanent delivery failure",
			"item_id", item.ID,
			"reason", outcome.Reason,
		)

	default:
		// OutcomeTransient, plus anything unexpected: favor retry over
		// silent loss.
		p.retry(ctx, item, outcome.Reason, result)
	}
}

// retry handles a transient failure: requeue with backoff, or dead once the
// attempt ceiling is reached.
func (p *Processor) retry(ctx context.Context, item *Item, reason string, result *runResult) {
	attempts := item.Attempts + 1

	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.config.MaxAttempts
	}

	slog.Warn("transient delivery failure",
		"item_id", item.ID,
		"attempt", attempts,
		"max_attempts", maxAttempts,
		"reason", reason,
	)

	if attempts >= maxAttempts {
		if err := p.store.MarkDead(ctx, item.ID, item.LockToken, attempts, "max attempts exceeded: "+reason); err != nil {
			p.finalizeAnomaly(item, "mark dead", err, result)
			return
		}
		result.dead()
		recordDisposition("dead")
		return
	}

	nextAttemptAt := p.config.Backoff.NextAttemptAt(p.now(), attempts)
	if err := p.store.Requeue(ctx, item.ID, item.LockToken, attempts, nextAttemptAt, reason); err != nil {
		p.finalizeAnomaly(item, "requeue", err, result)
		return
	}
	result.requeued()
	recordDisposition("requeued")

	slog.Info("item scheduled for retry",
		"item_id", item.ID,
		"attempt", attempts,
		"next_attempt_at", nextAttemptAt,
	)
}

// release returns an undispatched item to pending without charging an
// attempt.
func (p *Processor) release(ctx context.Context, item *Item, result *runResult) {
	if err := p.store.Release(ctx, item.ID, item.LockToken); err != nil {
		p.finalizeAnomaly(item, "release", err, result)
		return
	}
	result.requeued()
	recordDisposition("released")
}

// finalizeAnomaly records a finalization failure. A lock conflict means an
// external process already mutated the item; the item is left as-is for the
// next reconciliation pass.
func (p *Processor) finalizeAnomaly(item *Item, op string, err error, result *runResult) {
	reason := op + ": " + err.Error()
	if errors.Is(err, ErrLockConflict) {
		reason = op + ": lock token mismatch"
		slog.Error("finalization conflict, item left for reconciliation",
			"item_id", item.ID,
			"op", op,
		)
	} else {
		slog.Error("finalization failed",
			"item_id", item.ID,
			"op", op,
			"error", err,
		)
	}
	result.anomaly(item.ID, reason)
	recordDisposition("anomaly")
}
