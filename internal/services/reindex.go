package services

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/biostack-io/bundle-indexer/internal/config"
	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/plugin"
	"github.com/biostack-io/bundle-indexer/internal/repos"
	"github.com/biostack-io/bundle-indexer/internal/types"
)

// ReindexService lists every bundle of a catalog's sources and enqueues a
// synthetic notification for each. Because contributions are versioned and
// aggregation is a full recompute, reindexing over live data converges on
// the same state as a fresh index.
type ReindexService interface {
	Reindex(ctx context.Context, catalog, prefix string) (int, error)
}

type reindexService struct {
	log        *logger.Logger
	cfg        *config.Config
	repository plugin.RepositoryPlugin
	queueRepo  repos.QueueRepo
}

func NewReindexService(
	log *logger.Logger,
	cfg *config.Config,
	repository plugin.RepositoryPlugin,
	queueRepo repos.QueueRepo,
) ReindexService {
	return &reindexService{
		log:        log.With("service", "ReindexService"),
		cfg:        cfg,
		repository: repository,
		queueRepo:  queueRepo,
	}
}

// Reindex enqueues one notification per listed bundle and returns how many
// it queued. An optional prefix narrows the listing to bundles whose UUID
// starts with it, which lets operators reindex a slice at a time.
func (s *reindexService) Reindex(ctx context.Context, catalog, prefix string) (int, error) {
	cat, ok := s.cfg.Catalog(catalog)
	if !ok {
		return 0, fmt.Errorf("unknown catalog %q", catalog)
	}
	queued := 0
	for i := range cat.Sources {
		src := cat.Sources[i]
		fqids, err := s.repository.ListBundles(ctx, src, prefix)
		if err != nil {
			return queued, fmt.Errorf("list bundles of source %q: %w", src.ID, err)
		}
		bodies := make([]datatypes.JSON, 0, len(fqids))
		for _, fqid := range fqids {
			raw, err := json.Marshal(types.Notification{
				Match: types.NotificationMatch{
					BundleUUID:    fqid.UUID.String(),
					BundleVersion: fqid.Version,
				},
				SourceID: src.ID,
				Catalog:  catalog,
			})
			if err != nil {
				return queued, err
			}
			bodies = append(bodies, datatypes.JSON(raw))
		}
		if err := s.queueRepo.Enqueue(ctx, nil, repos.QueueNotifications, bodies); err != nil {
			return queued, fmt.Errorf("enqueue notifications for source %q: %w", src.ID, err)
		}
		queued += len(bodies)
		s.log.Info("Source queued for reindex",
			"catalog", catalog,
			"source", src.ID,
			"bundles", len(bodies))
	}
	return queued, nil
}
