package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/biostack-io/bundle-indexer/internal/config"
	"github.com/biostack-io/bundle-indexer/internal/document"
	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/plugin"
	"github.com/biostack-io/bundle-indexer/internal/repos"
	"github.com/biostack-io/bundle-indexer/internal/transform"
	"github.com/biostack-io/bundle-indexer/internal/types"
)

// DefaultMaxPartitionSize bounds how many contributions one transform
// invocation may cover before the bundle is split into prefix partitions.
const DefaultMaxPartitionSize = 512

// ContributionService runs the contribute stage: fetch the notified bundle,
// run every transformer of the catalog's model, durably write all resulting
// contributions and replicas, and only then enqueue the affected entities
// for aggregation.
type ContributionService interface {
	ProcessNotification(ctx context.Context, n types.Notification) error
}

type contributionService struct {
	db               *gorm.DB
	log              *logger.Logger
	cfg              *config.Config
	models           map[string]transform.Model
	repository       plugin.RepositoryPlugin
	contributionRepo repos.ContributionRepo
	replicaRepo      repos.ReplicaRepo
	queueRepo        repos.QueueRepo
	notify           EventNotifier
	maxPartitionSize int
}

func NewContributionService(
	db *gorm.DB,
	log *logger.Logger,
	cfg *config.Config,
	models map[string]transform.Model,
	repository plugin.RepositoryPlugin,
	contributionRepo repos.ContributionRepo,
	replicaRepo repos.ReplicaRepo,
	queueRepo repos.QueueRepo,
	notify EventNotifier,
	maxPartitionSize int,
) ContributionService {
	if maxPartitionSize <= 0 {
		maxPartitionSize = DefaultMaxPartitionSize
	}
	return &contributionService{
		db:               db,
		log:              log.With("service", "ContributionService"),
		cfg:              cfg,
		models:           models,
		repository:       repository,
		contributionRepo: contributionRepo,
		replicaRepo:      replicaRepo,
		queueRepo:        queueRepo,
		notify:           notify,
		maxPartitionSize: maxPartitionSize,
	}
}

func (s *contributionService) ProcessNotification(ctx context.Context, n types.Notification) error {
	cat, ok := s.cfg.Catalog(n.Catalog)
	if !ok {
		return fmt.Errorf("unknown catalog %q", n.Catalog)
	}
	model, ok := s.models[cat.Model]
	if !ok {
		return fmt.Errorf("catalog %q references unknown model %q", cat.Name, cat.Model)
	}
	src, ok := cat.Source(n.SourceID)
	if !ok {
		return fmt.Errorf("catalog %q has no source %q", cat.Name, n.SourceID)
	}
	bundleUUID, err := uuid.Parse(n.Match.BundleUUID)
	if err != nil {
		return fmt.Errorf("parse bundle uuid %q: %w", n.Match.BundleUUID, err)
	}
	fqid := document.BundleFQID{
		UUID:     bundleUUID,
		Version:  n.Match.BundleVersion,
		SourceID: n.SourceID,
	}
	writeVersion, err := fqid.WriteVersion()
	if err != nil {
		return err
	}
	// A deletion names the same bundle version it nullifies, so its write
	// version would tie the stored contribution and lose the conditional
	// put. The tombstone takes the reserved odd slot above the live
	// version; any newer bundle version still supersedes the tombstone.
	if n.Deleted {
		writeVersion++
	}

	bundle, err := s.repository.FetchBundle(ctx, *src, fqid)
	if err != nil {
		return fmt.Errorf("fetch bundle %s: %w", fqid, err)
	}
	bundle.Deleted = n.Deleted

	// Transform everything before writing anything: a failure in any
	// transformer aborts the whole bundle with nothing half-written.
	results, err := s.transformBundle(model, bundle)
	if err != nil {
		return fmt.Errorf("transform bundle %s: %w", fqid, err)
	}

	written := 0
	entities := make([]document.EntityReference, 0, len(results))
	seen := make(map[document.EntityReference]struct{})
	for _, res := range results {
		if res.Contribution != nil {
			if err := s.writeContribution(ctx, n, res.Contribution, writeVersion); err != nil {
				return err
			}
			written++
			ref := res.Contribution.Coordinates.Entity
			if _, dup := seen[ref]; !dup {
				seen[ref] = struct{}{}
				entities = append(entities, ref)
			}
		}
		if res.Replica != nil {
			if err := s.writeReplica(ctx, n, res.Replica); err != nil {
				return err
			}
		}
	}

	// Enqueue only after every contribution is durable, so aggregation
	// can never observe a partially written bundle.
	if err := s.enqueueEntities(ctx, n.Catalog, entities); err != nil {
		return fmt.Errorf("enqueue entities of %s: %w", fqid, err)
	}

	s.log.Info("Bundle contributed",
		"catalog", n.Catalog,
		"bundle", fqid.String(),
		"deleted", n.Deleted,
		"contributions", written,
		"entities", len(entities))
	s.notify.BundleContributed(ctx, n, written)
	return nil
}

func (s *contributionService) transformBundle(model transform.Model, bundle *transform.Bundle) ([]transform.Result, error) {
	var out []transform.Result
	for _, tr := range model.Transformers {
		partitions := []transform.BundlePartition{{}}
		if tr.Estimate(bundle, transform.BundlePartition{}) > s.maxPartitionSize {
			partitions = transform.Partitions(1)
		}
		for _, p := range partitions {
			results, err := tr.Transform(bundle, p)
			if err != nil {
				return nil, fmt.Errorf("transformer %s, partition %s: %w", tr.EntityType(), p, err)
			}
			out = append(out, results...)
		}
	}
	return out, nil
}

func (s *contributionService) writeContribution(ctx context.Context, n types.Notification, c *document.Contribution, writeVersion int64) error {
	contents, err := json.Marshal(c.Contents)
	if err != nil {
		return fmt.Errorf("marshal contribution %s: %w", c.Coordinates, err)
	}
	row := &types.Contribution{
		Catalog:       n.Catalog,
		EntityType:    string(c.Coordinates.Entity.EntityType),
		EntityID:      c.Coordinates.Entity.EntityID,
		BundleUUID:    c.Coordinates.Bundle.UUID.String(),
		BundleVersion: c.Coordinates.Bundle.Version,
		SourceID:      c.Coordinates.Bundle.SourceID,
		Version:       writeVersion,
		Deleted:       c.Coordinates.Deleted,
		Contents:      datatypes.JSON(contents),
	}
	err = s.contributionRepo.Put(ctx, nil, row)
	if errors.Is(err, repos.ErrVersionConflict) {
		// The store already holds this bundle at an equal or newer
		// version; expected on redelivery, nothing to do.
		s.log.Debug("Contribution write superseded by stored version", "coordinates", c.Coordinates.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("write contribution %s: %w", c.Coordinates, err)
	}
	return nil
}

func (s *contributionService) writeReplica(ctx context.Context, n types.Notification, r *document.Replica) error {
	contents, err := json.Marshal(r.Contents)
	if err != nil {
		return fmt.Errorf("marshal replica %s: %w", r.Coordinates.ContentHash, err)
	}
	hubs, err := json.Marshal(r.HubIDs)
	if err != nil {
		return fmt.Errorf("marshal replica hubs %s: %w", r.Coordinates.ContentHash, err)
	}
	row := &types.Replica{
		Catalog:     n.Catalog,
		EntityType:  string(r.Coordinates.Entity.EntityType),
		EntityID:    r.Coordinates.Entity.EntityID,
		ContentHash: r.Coordinates.ContentHash,
		ReplicaType: r.ReplicaType,
		Contents:    datatypes.JSON(contents),
		HubIDs:      datatypes.JSON(hubs),
	}
	if err := s.replicaRepo.Upsert(ctx, nil, row); err != nil {
		return fmt.Errorf("write replica %s: %w", r.Coordinates.ContentHash, err)
	}
	return nil
}

func (s *contributionService) enqueueEntities(ctx context.Context, catalog string, entities []document.EntityReference) error {
	bodies := make([]datatypes.JSON, 0, len(entities))
	for _, ref := range entities {
		raw, err := json.Marshal(types.DocumentRef{
			Catalog:    catalog,
			EntityType: string(ref.EntityType),
			EntityID:   ref.EntityID,
		})
		if err != nil {
			return err
		}
		bodies = append(bodies, datatypes.JSON(raw))
	}
	return s.queueRepo.Enqueue(ctx, nil, repos.QueueDocuments, bodies)
}
