package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/types"
)

type ReplicaRepo interface {
	// Upsert writes a content-addressed replica. When the hash already
	// exists for the entity, the stored hub IDs are unioned with the new
	// ones; contents are identical by construction and left alone.
	Upsert(ctx context.Context, tx *gorm.DB, rep *types.Replica) error
	GetByEntity(ctx context.Context, tx *gorm.DB, catalog, entityType, entityID string) ([]*types.Replica, error)
}

type replicaRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewReplicaRepo(db *gorm.DB, baseLog *logger.Logger) ReplicaRepo {
	return &replicaRepo{
		db:  db,
		log: baseLog.With("repo", "ReplicaRepo"),
	}
}

func (r *replicaRepo) Upsert(ctx context.Context, tx *gorm.DB, rep *types.Replica) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var existing types.Replica
		err := txx.
			Where("catalog = ? AND entity_type = ? AND entity_id = ? AND content_hash = ?",
				rep.Catalog, rep.EntityType, rep.EntityID, rep.ContentHash).
			Limit(1).
			Find(&existing).Error
		if err != nil {
			return err
		}
		if existing.ID == uuid.Nil {
			if rep.ID == uuid.Nil {
				rep.ID = uuid.New()
			}
			return txx.Create(rep).Error
		}
		merged, err := unionHubIDs(existing.HubIDs, rep.HubIDs)
		if err != nil {
			return err
		}
		return txx.Model(&types.Replica{}).
			Where("id = ?", existing.ID).
			Update("hub_ids", merged).Error
	})
}

func (r *replicaRepo) GetByEntity(ctx context.Context, tx *gorm.DB, catalog, entityType, entityID string) ([]*types.Replica, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Replica
	if err := transaction.WithContext(ctx).
		Where("catalog = ? AND entity_type = ? AND entity_id = ?", catalog, entityType, entityID).
		Order("content_hash ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func unionHubIDs(a, b datatypes.JSON) (datatypes.JSON, error) {
	set := map[string]struct{}{}
	for _, raw := range []datatypes.JSON{a, b} {
		if len(raw) == 0 {
			continue
		}
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, fmt.Errorf("decode hub_ids: %w", err)
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}
	merged := make([]string, 0, len(set))
	for id := range set {
		merged = append(merged, id)
	}
	sort.Strings(merged)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}
