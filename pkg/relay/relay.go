package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/restaurant-platform/outbox-relay/pkg/config"
	"github.com/restaurant-platform/outbox-relay/pkg/metrics"
	"github.com/restaurant-platform/outbox-relay/pkg/store"
)

// Dispatcher publishes one claimed message and records its terminal status.
type Dispatcher interface {
	Dispatch(ctx context.Context, message *store.OutboxMessage) error
}

// Relay owns the two periodic sweeps of the outbox table: the primary
// dispatch sweep (claim a batch of PENDING messages and publish them) and the
// slower retry sweep (re-queue FAILED messages with retry budget left, move
// the rest to DEAD_LETTERED). Multiple relay instances may run against the
// same store; the claim semantics keep their batches disjoint.
type Relay struct {
	repo       store.OutBoxRepository
	dispatcher Dispatcher
	logger     zerolog.Logger

	pollInterval  time.Duration
	batchSize     int
	retryInterval time.Duration
	maxAttempts   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(repo store.OutBoxRepository, d Dispatcher, cfg *config.Settings, logger zerolog.Logger) *Relay {
	return &Relay{
		repo:          repo,
		dispatcher:    d,
		logger:        logger,
		pollInterval:  cfg.Poll.Interval,
		batchSize:     cfg.Poll.BatchSize,
		retryInterval: cfg.Retry.Interval,
		maxAttempts:   cfg.Retry.MaxAttempts,
	}
}

// Start launches the dispatch and retry loops. They run until Stop is called
// or ctx is canceled.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.runDispatchLoop(ctx)
	go r.runRetryLoop(ctx)

	r.logger.Info().
		Dur("poll_interval", r.pollInterval).
		Int("batch_size", r.batchSize).
		Dur("retry_interval", r.retryInterval).
		Int("max_attempts", r.maxAttempts).
		Msg("outbox relay started")
}

// Stop cancels both loops and blocks until they exit. A batch that was
// already claimed is dispatched to terminal status before the loop returns,
// so shutdown does not strand PROCESSING rows.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info().Msg("outbox relay stopped")
}

func (r *Relay) runDispatchLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.dispatchSweep(ctx)
		}
	}
}

func (r *Relay) runRetryLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.retrySweep(ctx)
		}
	}
}

// dispatchSweep claims one batch and dispatches it sequentially. Sequential,
// oldest-first dispatch is what preserves per-aggregate ordering on top of
// the broker's per-key partitioning. Errors never escape: a failed claim
// abandons the tick, a failed dispatch has already been recorded as FAILED by
// the dispatcher.
func (r *Relay) dispatchSweep(ctx context.Context) {
	start := time.Now()

	messages, err := r.repo.ClaimBatch(ctx, r.batchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to claim outbox batch")
		return
	}
	if len(messages) == 0 {
		return
	}

	// Once claimed, the batch is finished even if shutdown begins mid-sweep.
	dispatchCtx := context.WithoutCancel(ctx)
	for i := range messages {
		// Errors are already logged and recorded by the dispatcher.
		_ = r.dispatcher.Dispatch(dispatchCtx, &messages[i])
	}

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	r.logger.Info().
		Int("claimed", len(messages)).
		Dur("took", time.Since(start)).
		Msg("dispatch sweep finished")
}

// retrySweep demotes exhausted messages to DEAD_LETTERED, then resets the
// remaining FAILED messages to PENDING so the next dispatch sweep picks them
// up. Dead-lettering runs first so a message never oscillates after its
// budget is spent.
func (r *Relay) retrySweep(ctx context.Context) {
	deadLettered, err := r.repo.MarkDeadLettered(ctx, r.maxAttempts)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to dead-letter exhausted messages")
		return
	}
	if deadLettered > 0 {
		metrics.MessagesDeadLettered.Add(float64(deadLettered))
		r.logger.Warn().
			Int64("count", deadLettered).
			Int("max_attempts", r.maxAttempts).
			Msg("messages moved to dead letter")
	}

	candidates, err := r.repo.FindRetryCandidates(ctx, r.maxAttempts, r.batchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to find retry candidates")
		return
	}

	requeued := 0
	for i := range candidates {
		msg := &candidates[i]
		if err := r.repo.UpdateStatus(ctx, msg.ID, store.StatusPending, false); err != nil {
			r.logger.Error().Err(err).
				Str("message_id", msg.ID).
				Int("retry_count", msg.RetryCount).
				Msg("failed to re-queue message")
			continue
		}
		requeued++
		metrics.MessagesRetried.Inc()
	}

	if requeued > 0 {
		r.logger.Info().Int("requeued", requeued).Msg("retry sweep finished")
	}

	r.refreshBacklogGauges(ctx)
}

func (r *Relay) refreshBacklogGauges(ctx context.Context) {
	for _, status := range store.Statuses {
		count, err := r.repo.CountByStatus(ctx, status)
		if err != nil {
			r.logger.Debug().Err(err).Str("status", string(status)).Msg("failed to count backlog")
			continue
		}
		metrics.Backlog.WithLabelValues(string(status)).Set(float64(count))
	}
}
