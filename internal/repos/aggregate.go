package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/types"
)

type AggregateRepo interface {
	// Upsert overwrites the aggregate for an entity unconditionally.
	// Last recompute wins; every recompute derives from the same durable
	// contribution set, so there is nothing to coordinate.
	Upsert(ctx context.Context, tx *gorm.DB, a *types.Aggregate) error
	GetByEntity(ctx context.Context, tx *gorm.DB, catalog, entityType, entityID string) (*types.Aggregate, error)
	// DeleteByEntity removes an aggregate whose contribution set has
	// emptied out (every bundle tombstoned).
	DeleteByEntity(ctx context.Context, tx *gorm.DB, catalog, entityType, entityID string) error
}

type aggregateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAggregateRepo(db *gorm.DB, baseLog *logger.Logger) AggregateRepo {
	return &aggregateRepo{
		db:  db,
		log: baseLog.With("repo", "AggregateRepo"),
	}
}

func (r *aggregateRepo) Upsert(ctx context.Context, tx *gorm.DB, a *types.Aggregate) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return transaction.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "catalog"}, {Name: "entity_type"}, {Name: "entity_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"num_contributions", "sources", "contents", "updated_at",
		}),
	}).Create(a).Error
}

func (r *aggregateRepo) GetByEntity(ctx context.Context, tx *gorm.DB, catalog, entityType, entityID string) (*types.Aggregate, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var agg types.Aggregate
	err := transaction.WithContext(ctx).
		Where("catalog = ? AND entity_type = ? AND entity_id = ?", catalog, entityType, entityID).
		Limit(1).
		Find(&agg).Error
	if err != nil {
		return nil, err
	}
	if agg.ID == uuid.Nil {
		return nil, nil
	}
	return &agg, nil
}

func (r *aggregateRepo) DeleteByEntity(ctx context.Context, tx *gorm.DB, catalog, entityType, entityID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("catalog = ? AND entity_type = ? AND entity_id = ?", catalog, entityType, entityID).
		Delete(&types.Aggregate{}).Error
}
