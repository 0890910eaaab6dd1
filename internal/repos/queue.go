package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/types"
)

// Queue names. Two physically separate queues decouple the pipeline stages:
// aggregation for an entity only triggers once all of a bundle's
// contributions are durably written and its entity references enqueued.
const (
	QueueNotifications = "notifications"
	QueueDocuments     = "documents"
)

// FailQueue names the failure queue a message redrives to after exhausting
// its receives.
func FailQueue(queue string) string { return queue + "_fail" }

type QueueRepo interface {
	Enqueue(ctx context.Context, tx *gorm.DB, queue string, bodies []datatypes.JSON) error
	// Claim receives up to n visible messages from a queue, making them
	// inflight and invisible for the visibility timeout. A message seen
	// more than maxReceives times is moved to the failure queue instead
	// of being delivered; such redriven messages are returned separately
	// so callers can surface them.
	Claim(ctx context.Context, tx *gorm.DB, queue string, n int, visibility time.Duration, maxReceives int) (claimed, redriven []*types.QueueMessage, err error)
	// Ack deletes successfully processed messages.
	Ack(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error
	// Release returns failed messages to their queue after a delay,
	// recording the error for inspection.
	Release(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, delay time.Duration, cause string) error
	// Stats counts messages per queue and status.
	Stats(ctx context.Context, tx *gorm.DB) (map[string]map[string]int64, error)
}

type queueRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueRepo(db *gorm.DB, baseLog *logger.Logger) QueueRepo {
	return &queueRepo{
		db:  db,
		log: baseLog.With("repo", "QueueRepo"),
	}
}

func (r *queueRepo) Enqueue(ctx context.Context, tx *gorm.DB, queue string, bodies []datatypes.JSON) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(bodies) == 0 {
		return nil
	}
	now := time.Now()
	msgs := make([]*types.QueueMessage, 0, len(bodies))
	for _, body := range bodies {
		msgs = append(msgs, &types.QueueMessage{
			ID:        uuid.New(),
			Queue:     queue,
			Status:    types.QueueStatusQueued,
			VisibleAt: now,
			Body:      body,
		})
	}
	return transaction.WithContext(ctx).Create(&msgs).Error
}

func (r *queueRepo) Claim(ctx context.Context, tx *gorm.DB, queue string, n int, visibility time.Duration, maxReceives int) ([]*types.QueueMessage, []*types.QueueMessage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	var claimed, redriven []*types.QueueMessage
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var msgs []*types.QueueMessage
		q := txx.
			Where("queue = ? AND status IN ? AND visible_at <= ?",
				queue,
				[]string{types.QueueStatusQueued, types.QueueStatusInflight},
				now).
			Order("created_at ASC").
			Limit(n)
		// Inflight rows past their visibility window count as expired
		// and are redelivered here.
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&msgs).Error; err != nil {
			return err
		}
		for _, m := range msgs {
			m.Receives++
			if m.Receives > maxReceives {
				m.Queue = FailQueue(queue)
				m.Status = types.QueueStatusFailed
				if err := txx.Model(&types.QueueMessage{}).
					Where("id = ?", m.ID).
					Updates(map[string]interface{}{
						"queue":      m.Queue,
						"status":     m.Status,
						"receives":   m.Receives,
						"updated_at": now,
					}).Error; err != nil {
					return err
				}
				redriven = append(redriven, m)
				continue
			}
			m.Status = types.QueueStatusInflight
			m.VisibleAt = now.Add(visibility)
			if err := txx.Model(&types.QueueMessage{}).
				Where("id = ?", m.ID).
				Updates(map[string]interface{}{
					"status":     m.Status,
					"receives":   m.Receives,
					"visible_at": m.VisibleAt,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
			claimed = append(claimed, m)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return claimed, redriven, nil
}

func (r *queueRepo) Ack(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&types.QueueMessage{}).Error
}

func (r *queueRepo) Release(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, delay time.Duration, cause string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.QueueMessage{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":     types.QueueStatusQueued,
			"visible_at": now.Add(delay),
			"last_error": cause,
			"updated_at": now,
		}).Error
}

func (r *queueRepo) Stats(ctx context.Context, tx *gorm.DB) (map[string]map[string]int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	type row struct {
		Queue  string
		Status string
		N      int64
	}
	var rows []row
	if err := transaction.WithContext(ctx).
		Model(&types.QueueMessage{}).
		Select("queue, status, COUNT(*) AS n").
		Group("queue").Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]map[string]int64)
	for _, r := range rows {
		if out[r.Queue] == nil {
			out[r.Queue] = make(map[string]int64)
		}
		out[r.Queue][r.Status] = r.N
	}
	return out, nil
}
