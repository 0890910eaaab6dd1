package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/biostack-io/bundle-indexer/internal/aggregate"
	"github.com/biostack-io/bundle-indexer/internal/config"
	"github.com/biostack-io/bundle-indexer/internal/document"
	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/repos"
	"github.com/biostack-io/bundle-indexer/internal/transform"
	"github.com/biostack-io/bundle-indexer/internal/types"
)

// AggregationService runs the aggregate stage: for each referenced entity,
// re-read the full current contribution set and recompute the aggregate from
// scratch. Recomputation is a pure function of stored state, so concurrent
// or repeated triggers are harmless.
type AggregationService interface {
	ProcessRefs(ctx context.Context, refs []types.DocumentRef) error
}

type aggregationService struct {
	db               *gorm.DB
	log              *logger.Logger
	cfg              *config.Config
	models           map[string]transform.Model
	contributionRepo repos.ContributionRepo
	aggregateRepo    repos.AggregateRepo
	notify           EventNotifier
}

func NewAggregationService(
	db *gorm.DB,
	log *logger.Logger,
	cfg *config.Config,
	models map[string]transform.Model,
	contributionRepo repos.ContributionRepo,
	aggregateRepo repos.AggregateRepo,
	notify EventNotifier,
) AggregationService {
	return &aggregationService{
		db:               db,
		log:              log.With("service", "AggregationService"),
		cfg:              cfg,
		models:           models,
		contributionRepo: contributionRepo,
		aggregateRepo:    aggregateRepo,
		notify:           notify,
	}
}

// ProcessRefs recomputes each referenced entity once. References are
// deduplicated in first-receive order: recompute reads current state, so a
// delete-then-recreate pair for the same entity collapses into one correct
// recompute.
func (s *aggregationService) ProcessRefs(ctx context.Context, refs []types.DocumentRef) error {
	seen := make(map[types.DocumentRef]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		if err := s.aggregateEntity(ctx, ref); err != nil {
			return fmt.Errorf("aggregate %s/%s: %w", ref.EntityType, ref.EntityID, err)
		}
	}
	return nil
}

func (s *aggregationService) aggregateEntity(ctx context.Context, ref types.DocumentRef) error {
	cat, ok := s.cfg.Catalog(ref.Catalog)
	if !ok {
		return fmt.Errorf("unknown catalog %q", ref.Catalog)
	}
	model, ok := s.models[cat.Model]
	if !ok {
		return fmt.Errorf("catalog %q references unknown model %q", cat.Name, cat.Model)
	}
	tr, ok := model.TransformerFor(document.EntityType(ref.EntityType))
	if !ok {
		return fmt.Errorf("model %q has no transformer for entity type %q", model.Name, ref.EntityType)
	}
	if tr.Aggregator(document.EntityType(ref.EntityType)) == nil {
		// Entity type excluded from aggregation, e.g. 1:1 with its
		// bundle.
		s.log.Debug("Entity type not aggregated", "entity_type", ref.EntityType)
		return nil
	}

	rows, err := s.contributionRepo.GetByEntity(ctx, nil, ref.Catalog, ref.EntityType, ref.EntityID)
	if err != nil {
		return fmt.Errorf("read contributions: %w", err)
	}
	live := make([]*types.Contribution, 0, len(rows))
	for _, row := range rows {
		if !row.Deleted {
			live = append(live, row)
		}
	}
	if len(live) == 0 {
		// Every contributing bundle is tombstoned; the entity no
		// longer exists.
		if err := s.aggregateRepo.DeleteByEntity(ctx, nil, ref.Catalog, ref.EntityType, ref.EntityID); err != nil {
			return fmt.Errorf("delete emptied aggregate: %w", err)
		}
		s.notify.EntityAggregated(ctx, ref, 0)
		return nil
	}

	contents, err := s.merge(tr, live)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("marshal aggregate contents: %w", err)
	}
	sources, err := json.Marshal(distinctSources(live))
	if err != nil {
		return err
	}
	agg := &types.Aggregate{
		Catalog:          ref.Catalog,
		EntityType:       ref.EntityType,
		EntityID:         ref.EntityID,
		NumContributions: len(live),
		Sources:          datatypes.JSON(sources),
		Contents:         datatypes.JSON(raw),
	}
	if err := s.aggregateRepo.Upsert(ctx, nil, agg); err != nil {
		return fmt.Errorf("write aggregate: %w", err)
	}
	s.log.Debug("Aggregate written",
		"index", document.IndexName(ref.Catalog, document.EntityType(ref.EntityType), true),
		"entity_id", ref.EntityID,
		"contributions", len(live))
	s.notify.EntityAggregated(ctx, ref, len(live))
	return nil
}

// merge folds the live contributions into one contents document, one inner
// entity type at a time. Contributions arrive from the store in
// deterministic (bundle, version) order, which pins down the result bytes
// for the order-sensitive accumulators.
func (s *aggregationService) merge(tr transform.Transformer, live []*types.Contribution) (map[string]any, error) {
	inner := make(map[string][]aggregate.Entity)
	for _, row := range live {
		var contents map[string]any
		if err := json.Unmarshal(row.Contents, &contents); err != nil {
			return nil, fmt.Errorf("decode contribution %s/%s: %w", row.BundleUUID, row.EntityID, err)
		}
		for key, val := range contents {
			list, ok := val.([]any)
			if !ok {
				return nil, fmt.Errorf("contribution %s: contents key %q is not a list", row.BundleUUID, key)
			}
			for _, item := range list {
				entity, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("contribution %s: %q holds a non-document", row.BundleUUID, key)
				}
				inner[key] = append(inner[key], entity)
			}
		}
	}

	keys := make([]string, 0, len(inner))
	for key := range inner {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	merged := make(map[string]any, len(keys))
	for _, key := range keys {
		agg := tr.Aggregator(document.EntityType(key))
		if agg == nil {
			continue
		}
		docs, err := agg.Aggregate(inner[key])
		if err != nil {
			return nil, fmt.Errorf("inner entity type %q: %w", key, err)
		}
		merged[key] = docs
	}
	return merged, nil
}

func distinctSources(live []*types.Contribution) []string {
	set := make(map[string]struct{})
	for _, row := range live {
		set[row.SourceID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
