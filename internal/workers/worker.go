// Package workers runs the pull-based loops that drive both pipeline
// stages: claim a batch from a queue, process it, ack on success, release on
// failure. Redelivery after a visibility timeout and redrive to the failure
// queue live in the queue repo; the loops here stay oblivious to retry
// bookkeeping.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/repos"
	"github.com/biostack-io/bundle-indexer/internal/services"
	"github.com/biostack-io/bundle-indexer/internal/types"
)

// Options bound one worker pool's behavior.
type Options struct {
	Queue        string
	Concurrency  int
	BatchSize    int
	Visibility   time.Duration
	MaxReceives  int
	RetryDelay   time.Duration
	PollInterval time.Duration
}

func (o *Options) fill() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.MaxReceives <= 0 {
		o.MaxReceives = 4
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
}

// BatchHandler processes one claimed batch as a unit. An error releases the
// whole batch for redelivery.
type BatchHandler func(ctx context.Context, msgs []*types.QueueMessage) error

// Worker polls one queue and hands claimed batches to its handler.
type Worker struct {
	log     *logger.Logger
	queues  repos.QueueRepo
	notify  services.EventNotifier
	opts    Options
	handler BatchHandler
}

func New(baseLog *logger.Logger, queues repos.QueueRepo, notify services.EventNotifier, opts Options, handler BatchHandler) *Worker {
	opts.fill()
	return &Worker{
		log:     baseLog.With("worker", opts.Queue),
		queues:  queues,
		notify:  notify,
		opts:    opts,
		handler: handler,
	}
}

// Start launches the worker pool on the group. Each worker runs one batch to
// completion before claiming the next; there is no work-in-progress to
// reason about across claims.
func (w *Worker) Start(ctx context.Context, g *errgroup.Group) {
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(w.opts.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					w.poll(ctx)
				}
			}
		})
	}
}

func (w *Worker) poll(ctx context.Context) {
	for {
		claimed, redriven, err := w.queues.Claim(ctx, nil, w.opts.Queue, w.opts.BatchSize, w.opts.Visibility, w.opts.MaxReceives)
		if err != nil {
			w.log.Warn("Claim failed", "error", err)
			return
		}
		for _, msg := range redriven {
			w.log.Error("Message moved to failure queue",
				"message_id", msg.ID,
				"receives", msg.Receives,
				"last_error", msg.LastError)
			w.notify.MessageRedriven(ctx, w.opts.Queue, msg)
		}
		if len(claimed) == 0 {
			return
		}
		w.process(ctx, claimed)
	}
}

func (w *Worker) process(ctx context.Context, msgs []*types.QueueMessage) {
	err := w.runHandler(ctx, msgs)
	if err != nil {
		w.log.Warn("Batch failed, releasing for redelivery",
			"messages", len(msgs),
			"error", err)
		if rerr := w.queues.Release(ctx, nil, messageIDs(msgs), w.opts.RetryDelay, err.Error()); rerr != nil {
			// Left inflight; the visibility timeout redelivers it.
			w.log.Warn("Release failed", "error", rerr)
		}
		return
	}
	if aerr := w.queues.Ack(ctx, nil, messageIDs(msgs)); aerr != nil {
		// The messages redeliver and reprocess; idempotency of both
		// stages makes that safe.
		w.log.Warn("Ack failed", "error", aerr)
	}
}

// runHandler isolates handler panics so a poisoned message cannot take the
// worker down; it burns a receive and redrives like any other failure.
func (w *Worker) runHandler(ctx context.Context, msgs []*types.QueueMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, msgs)
}

// NotificationHandler adapts the contribute stage to the notification
// queue: one message, one bundle.
func NotificationHandler(contribute services.ContributionService) BatchHandler {
	return func(ctx context.Context, msgs []*types.QueueMessage) error {
		for _, msg := range msgs {
			var n types.Notification
			if err := json.Unmarshal(msg.Body, &n); err != nil {
				return fmt.Errorf("decode notification %s: %w", msg.ID, err)
			}
			if err := contribute.ProcessNotification(ctx, n); err != nil {
				return err
			}
		}
		return nil
	}
}

// DocumentHandler adapts the aggregate stage to the documents queue. The
// claimed batch becomes one ProcessRefs call; batching amortizes the
// read-all-contributions cost without changing any result.
func DocumentHandler(aggregation services.AggregationService) BatchHandler {
	return func(ctx context.Context, msgs []*types.QueueMessage) error {
		refs := make([]types.DocumentRef, 0, len(msgs))
		for _, msg := range msgs {
			var ref types.DocumentRef
			if err := json.Unmarshal(msg.Body, &ref); err != nil {
				return fmt.Errorf("decode document ref %s: %w", msg.ID, err)
			}
			refs = append(refs, ref)
		}
		return aggregation.ProcessRefs(ctx, refs)
	}
}

func messageIDs(msgs []*types.QueueMessage) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
