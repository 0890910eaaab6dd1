package services

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/biostack-io/bundle-indexer/internal/config"
	"github.com/biostack-io/bundle-indexer/internal/db"
	"github.com/biostack-io/bundle-indexer/internal/document"
	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/plugin"
	"github.com/biostack-io/bundle-indexer/internal/repos"
	"github.com/biostack-io/bundle-indexer/internal/transform"
	"github.com/biostack-io/bundle-indexer/internal/transform/dcp"
	"github.com/biostack-io/bundle-indexer/internal/types"
)

// testPipeline wires both stages against sqlite and an in-memory bundle
// repository, with the documents queue in between, exactly as in
// production minus the worker loops.
type testPipeline struct {
	gdb           *gorm.DB
	repo          *plugin.InMemory
	contribute    ContributionService
	aggregation   AggregationService
	queues        repos.QueueRepo
	contributions repos.ContributionRepo
	aggregates    repos.AggregateRepo
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	gdb, err := db.NewSqliteMemory()
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	log := logger.NewNop()
	cfg := &config.Config{Catalogs: []config.Catalog{{
		Name:    "test",
		Model:   "dcp",
		Sources: []config.Source{{ID: "src-1"}},
	}}}
	models := map[string]transform.Model{"dcp": dcp.Model()}
	repo := plugin.NewInMemory()
	contributionRepo := repos.NewContributionRepo(gdb, log)
	aggregateRepo := repos.NewAggregateRepo(gdb, log)
	replicaRepo := repos.NewReplicaRepo(gdb, log)
	queueRepo := repos.NewQueueRepo(gdb, log)
	return &testPipeline{
		gdb:           gdb,
		repo:          repo,
		contribute:    NewContributionService(gdb, log, cfg, models, repo, contributionRepo, replicaRepo, queueRepo, NopNotifier{}, 0),
		aggregation:   NewAggregationService(gdb, log, cfg, models, contributionRepo, aggregateRepo, NopNotifier{}),
		queues:        queueRepo,
		contributions: contributionRepo,
		aggregates:    aggregateRepo,
	}
}

// notify runs the contribute stage for one bundle and then drains the
// documents queue through the aggregate stage.
func (p *testPipeline) notify(t *testing.T, b *transform.Bundle, deleted bool) {
	t.Helper()
	ctx := context.Background()
	p.repo.Put(b)
	err := p.contribute.ProcessNotification(ctx, types.Notification{
		Match: types.NotificationMatch{
			BundleUUID:    b.FQID.UUID.String(),
			BundleVersion: b.FQID.Version,
		},
		SourceID: "src-1",
		Catalog:  "test",
		Deleted:  deleted,
	})
	if err != nil {
		t.Fatalf("process notification: %v", err)
	}
	p.drain(t)
}

func (p *testPipeline) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		claimed, redriven, err := p.queues.Claim(ctx, nil, repos.QueueDocuments, 100, time.Minute, 10)
		if err != nil {
			t.Fatalf("claim documents: %v", err)
		}
		if len(redriven) != 0 {
			t.Fatalf("unexpected redriven messages: %d", len(redriven))
		}
		if len(claimed) == 0 {
			return
		}
		refs := make([]types.DocumentRef, 0, len(claimed))
		ids := make([]uuid.UUID, 0, len(claimed))
		for _, m := range claimed {
			var ref types.DocumentRef
			if err := json.Unmarshal(m.Body, &ref); err != nil {
				t.Fatalf("decode document ref: %v", err)
			}
			refs = append(refs, ref)
			ids = append(ids, m.ID)
		}
		if err := p.aggregation.ProcessRefs(ctx, refs); err != nil {
			t.Fatalf("process refs: %v", err)
		}
		if err := p.queues.Ack(ctx, nil, ids); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
}

func pipelineBundle(t *testing.T, uuidStr, version, fileUUID string, fileSize int64, donorID, donorSex string) *transform.Bundle {
	t.Helper()
	return &transform.Bundle{
		FQID: document.BundleFQID{
			UUID:     uuid.MustParse(uuidStr),
			Version:  version,
			SourceID: "src-1",
		},
		Manifest: []transform.ManifestEntry{
			{Name: "project.json", UUID: "meta-1", Indexed: true},
			{Name: fileUUID + ".fastq.gz", UUID: fileUUID, Size: fileSize, Format: "fastq", SHA256: "hash-" + fileUUID},
		},
		MetadataFiles: map[string]json.RawMessage{
			"project.json": json.RawMessage(`{"document_id":"proj-1","short_name":"Atlas","title":"Tissue atlas"}`),
			"donor_1.json": json.RawMessage(`{"document_id":"` + donorID + `","species":"Homo sapiens","sex":"` + donorSex + `","development_stage":"adult"}`),
		},
	}
}

func (p *testPipeline) projectAggregate(t *testing.T) *types.Aggregate {
	t.Helper()
	agg, err := p.aggregates.GetByEntity(context.Background(), nil, "test", "projects", "proj-1")
	if err != nil {
		t.Fatalf("read aggregate: %v", err)
	}
	return agg
}

func decodeContents(t *testing.T, agg *types.Aggregate) map[string]any {
	t.Helper()
	var contents map[string]any
	if err := json.Unmarshal(agg.Contents, &contents); err != nil {
		t.Fatalf("decode aggregate contents: %v", err)
	}
	return contents
}

func fastqBucket(t *testing.T, contents map[string]any) map[string]any {
	t.Helper()
	files, ok := contents["files"].([]any)
	if !ok {
		t.Fatalf("aggregate has no files summary: %#v", contents)
	}
	for _, raw := range files {
		bucket := raw.(map[string]any)
		if bucket["format"] == "fastq" {
			return bucket
		}
	}
	t.Fatalf("no fastq bucket in %#v", files)
	return nil
}

func TestPipeline_ProjectAggregatesAcrossBundles(t *testing.T) {
	p := newTestPipeline(t)
	b1 := pipelineBundle(t, "aaaaaaaa-0000-0000-0000-000000000001", "2024-03-01T120000.000000Z", "f-1", 1000, "don-1", "female")
	b2 := pipelineBundle(t, "aaaaaaaa-0000-0000-0000-000000000002", "2024-03-02T120000.000000Z", "f-2", 300, "don-2", "male")
	p.notify(t, b1, false)
	p.notify(t, b2, false)

	agg := p.projectAggregate(t)
	if agg == nil {
		t.Fatal("project aggregate missing")
	}
	if agg.NumContributions != 2 {
		t.Fatalf("expected 2 contributions, got %d", agg.NumContributions)
	}
	contents := decodeContents(t, agg)

	bucket := fastqBucket(t, contents)
	if got := bucket["count"].(float64); got != 2 {
		t.Fatalf("expected 2 fastq files, got %v", got)
	}
	if got := bucket["size"].(float64); got != 1300 {
		t.Fatalf("expected total fastq size 1300, got %v", got)
	}

	donors := contents["donors"].([]any)[0].(map[string]any)
	if got := donors["count"].(float64); got != 2 {
		t.Fatalf("expected 2 donors, got %v", got)
	}
	sex := donors["sex"].(map[string]any)
	if sex["female"].(float64) != 1 || sex["male"].(float64) != 1 {
		t.Fatalf("unexpected sex histogram: %#v", sex)
	}

	// Bundle entities are 1:1 with their bundle and never aggregated.
	bagg, err := p.aggregates.GetByEntity(context.Background(), nil, "test", "bundles", b1.FQID.UUID.String())
	if err != nil {
		t.Fatalf("read bundle aggregate: %v", err)
	}
	if bagg != nil {
		t.Fatal("bundle entity should have no aggregate")
	}
}

func TestPipeline_ReprocessingIsIdempotent(t *testing.T) {
	p := newTestPipeline(t)
	b1 := pipelineBundle(t, "aaaaaaaa-0000-0000-0000-000000000001", "2024-03-01T120000.000000Z", "f-1", 1000, "don-1", "female")
	p.notify(t, b1, false)
	first := p.projectAggregate(t)

	// Redelivery of the same notification reruns both stages in full.
	p.notify(t, b1, false)
	second := p.projectAggregate(t)

	if second.NumContributions != 1 {
		t.Fatalf("reprocessing inflated contributions to %d", second.NumContributions)
	}
	if !bytes.Equal(first.Contents, second.Contents) {
		t.Fatalf("reprocessing changed aggregate:\n%s\n%s", first.Contents, second.Contents)
	}

	rows, err := p.contributions.GetByEntity(context.Background(), nil, "test", "projects", "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 stored contribution, got %d", len(rows))
	}
}

func TestPipeline_DeletionNullifiesBundle(t *testing.T) {
	p := newTestPipeline(t)
	b1 := pipelineBundle(t, "aaaaaaaa-0000-0000-0000-000000000001", "2024-03-01T120000.000000Z", "f-1", 1000, "don-1", "female")
	b2 := pipelineBundle(t, "aaaaaaaa-0000-0000-0000-000000000002", "2024-03-02T120000.000000Z", "f-2", 300, "don-2", "male")
	p.notify(t, b1, false)
	p.notify(t, b2, false)

	p.notify(t, b1, true)
	agg := p.projectAggregate(t)
	if agg == nil {
		t.Fatal("project aggregate missing after partial deletion")
	}
	if agg.NumContributions != 1 {
		t.Fatalf("expected 1 live contribution, got %d", agg.NumContributions)
	}
	contents := decodeContents(t, agg)
	bucket := fastqBucket(t, contents)
	if got := bucket["size"].(float64); got != 300 {
		t.Fatalf("tombstoned bundle still counted: size %v", got)
	}

	// The tombstoned bundle's file entity has no live contributions left.
	fagg, err := p.aggregates.GetByEntity(context.Background(), nil, "test", "files", "f-1")
	if err != nil {
		t.Fatal(err)
	}
	if fagg != nil {
		t.Fatal("file aggregate should be gone after its only bundle was deleted")
	}

	p.notify(t, b2, true)
	if agg := p.projectAggregate(t); agg != nil {
		t.Fatal("project aggregate should be gone after all bundles were deleted")
	}
}

func TestPipeline_ReplayConvergesAndCannotResurrect(t *testing.T) {
	p := newTestPipeline(t)
	b1 := pipelineBundle(t, "aaaaaaaa-0000-0000-0000-000000000001", "2024-03-01T120000.000000Z", "f-1", 1000, "don-1", "female")
	b2 := pipelineBundle(t, "aaaaaaaa-0000-0000-0000-000000000002", "2024-03-02T120000.000000Z", "f-2", 300, "don-2", "male")
	p.notify(t, b1, false)
	p.notify(t, b2, false)
	p.notify(t, b1, true)
	settled := p.projectAggregate(t)

	// At-least-once delivery: replay the entire history, including the
	// stale live notification for the deleted bundle.
	p.notify(t, b1, false)
	p.notify(t, b2, false)
	p.notify(t, b1, true)

	replayed := p.projectAggregate(t)
	if replayed.NumContributions != settled.NumContributions {
		t.Fatalf("replay changed contribution count: %d vs %d",
			replayed.NumContributions, settled.NumContributions)
	}
	if !bytes.Equal(settled.Contents, replayed.Contents) {
		t.Fatalf("replay changed aggregate:\n%s\n%s", settled.Contents, replayed.Contents)
	}
}
