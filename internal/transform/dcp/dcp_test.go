package dcp

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/biostack-io/bundle-indexer/internal/aggregate"
	"github.com/biostack-io/bundle-indexer/internal/document"
	"github.com/biostack-io/bundle-indexer/internal/transform"
)

func testBundle(t *testing.T) *transform.Bundle {
	t.Helper()
	// Document IDs are deliberately mixed: some hex-like, some not, so
	// partitioned runs must cover IDs from any alphabet.
	meta := map[string]string{
		"project.json":  `{"document_id":"aaaa1111","short_name":"HumanBrain","title":"Human brain atlas","laboratory":["Lab A"],"institutions":["Inst X"]}`,
		"donor_1.json":  `{"document_id":"bbbb2222","species":"Homo sapiens","sex":"female","development_stage":"adult"}`,
		"donor_2.json":  `{"document_id":"zz-donor-2","species":"Homo sapiens","sex":"male","development_stage":"adult"}`,
		"sample_1.json": `{"document_id":"cccc3333","organ":"brain","preservation":"fresh"}`,
	}
	files := map[string]json.RawMessage{}
	for k, v := range meta {
		files[k] = json.RawMessage(v)
	}
	return &transform.Bundle{
		FQID: document.BundleFQID{
			UUID:     uuid.MustParse("11111111-2222-3333-4444-555555555555"),
			Version:  "2024-03-01T120000.000000Z",
			SourceID: "src-1",
		},
		Manifest: []transform.ManifestEntry{
			{Name: "project.json", UUID: "9999", Indexed: true},
			{Name: "r1.fastq.gz", UUID: "dddd4444", Size: 1000, Format: "fastq", SHA256: "ab12"},
			{Name: "aln.bam", UUID: "zz-bam-5555", Size: 2000, Format: "bam", SHA256: "cd34"},
		},
		MetadataFiles: files,
	}
}

func transformAll(t *testing.T, tr transform.Transformer, b *transform.Bundle, p transform.BundlePartition) []transform.Result {
	t.Helper()
	out, err := tr.Transform(b, p)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	return out
}

func TestProjectTransformer_OneContributionWithInnerEntities(t *testing.T) {
	b := testBundle(t)
	results := transformAll(t, &projectTransformer{}, b, transform.BundlePartition{})
	if len(results) != 1 {
		t.Fatalf("expected 1 project contribution, got %d", len(results))
	}
	c := results[0].Contribution
	if c.Coordinates.Entity.EntityID != "aaaa1111" {
		t.Fatalf("unexpected entity: %#v", c.Coordinates.Entity)
	}
	if got := len(c.Contents["files"].([]any)); got != 2 {
		t.Fatalf("expected 2 inner files, got %d", got)
	}
	if c.Coordinates.Deleted {
		t.Fatal("contribution should not be a tombstone")
	}
}

func TestProjectTransformer_TombstoneFlagPropagates(t *testing.T) {
	b := testBundle(t)
	b.Deleted = true
	results := transformAll(t, &projectTransformer{}, b, transform.BundlePartition{})
	if !results[0].Contribution.Coordinates.Deleted {
		t.Fatal("deleted flag did not propagate to coordinates")
	}
}

func TestFileTransformer_EmitsContributionAndReplicaPerDataFile(t *testing.T) {
	b := testBundle(t)
	results := transformAll(t, &fileTransformer{}, b, transform.BundlePartition{})
	if len(results) != 2 {
		t.Fatalf("expected 2 file results, got %d", len(results))
	}
	for _, r := range results {
		if r.Replica == nil {
			t.Fatalf("file result missing replica: %#v", r)
		}
		if r.Replica.Coordinates.ContentHash == "" {
			t.Fatal("replica has no content hash")
		}
		if len(r.Replica.HubIDs) != 1 || r.Replica.HubIDs[0] != "aaaa1111" {
			t.Fatalf("unexpected hub ids: %#v", r.Replica.HubIDs)
		}
	}
}

func TestPartitioning_UnionEqualsWholeBundle(t *testing.T) {
	b := testBundle(t)
	for _, tr := range Model().Transformers {
		whole := transformAll(t, tr, b, transform.BundlePartition{})
		var union []transform.Result
		for _, p := range transform.Partitions(1) {
			if p.Prefix == "" {
				continue
			}
			union = append(union, transformAll(t, tr, b, p)...)
		}
		if len(union) != len(whole) {
			t.Fatalf("%s: union over partitions has %d results, whole bundle has %d",
				tr.EntityType(), len(union), len(whole))
		}
		seen := map[string]bool{}
		for _, r := range whole {
			seen[r.Contribution.Coordinates.String()] = true
		}
		for _, r := range union {
			if !seen[r.Contribution.Coordinates.String()] {
				t.Fatalf("%s: partitioned run produced extra %s",
					tr.EntityType(), r.Contribution.Coordinates)
			}
		}
	}
}

func TestParseBundle_MalformedProjectAbortsWholeBundle(t *testing.T) {
	b := testBundle(t)
	b.MetadataFiles["project.json"] = json.RawMessage(`{"document_id":`)
	for _, tr := range Model().Transformers {
		if _, err := tr.Transform(b, transform.BundlePartition{}); err == nil {
			t.Fatalf("%s: expected parse error", tr.EntityType())
		}
	}
}

func TestBundleTransformer_NoAggregator(t *testing.T) {
	tr := &bundleTransformer{}
	if tr.Aggregator(EntityBundles) != nil {
		t.Fatal("bundle entities must be excluded from aggregation")
	}
}

func TestFileSummary_DeclaredNumberTypeSumsSizeOncePerFile(t *testing.T) {
	// size carries no explicit accumulator; the declared field type must
	// resolve it to a document-keyed distinct sum.
	docs, err := fileSummaryAggregator().Aggregate([]aggregate.Entity{
		{aggregate.DocumentIDField: "f1", "format": "fastq", "size": float64(100)},
		{aggregate.DocumentIDField: "f1", "format": "fastq", "size": float64(100)},
		{aggregate.DocumentIDField: "f2", "format": "fastq", "size": float64(50)},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one fastq bucket, got %#v", docs)
	}
	if docs[0]["size"] != int64(150) {
		t.Fatalf("duplicate file inflated size: %#v", docs[0])
	}
	if docs[0]["count"] != int64(2) {
		t.Fatalf("unexpected file count: %#v", docs[0])
	}
}

func TestFieldTypes_CoverEmittedScalarFields(t *testing.T) {
	b := testBundle(t)
	for _, tr := range Model().Transformers {
		declared := tr.FieldTypes()
		if len(declared) == 0 {
			t.Fatalf("%s: no field types declared", tr.EntityType())
		}
		prefix := string(tr.EntityType()) + "."
		owns := false
		for path := range declared {
			if len(path) > len(prefix) && path[:len(prefix)] == prefix {
				owns = true
			}
		}
		if !owns {
			t.Fatalf("%s: declares no fields under its own entity type: %#v",
				tr.EntityType(), declared)
		}
		for _, r := range transformAll(t, tr, b, transform.BundlePartition{}) {
			if r.Contribution == nil {
				continue
			}
			docs, ok := r.Contribution.Contents[string(tr.EntityType())].([]any)
			if !ok {
				t.Fatalf("%s: contribution carries no documents of its own type", tr.EntityType())
			}
			for _, raw := range docs {
				for field, v := range raw.(map[string]any) {
					if field == "document_id" {
						continue
					}
					ft, ok := declared[prefix+field]
					if !ok {
						continue
					}
					if _, isNum := v.(int64); isNum && ft != transform.FieldTypeNumber {
						t.Fatalf("%s: field %q emits a number but is declared %s",
							tr.EntityType(), field, ft)
					}
				}
			}
		}
	}
}

func TestEstimates_BoundTransformOutput(t *testing.T) {
	b := testBundle(t)
	for _, tr := range Model().Transformers {
		p := transform.BundlePartition{}
		got := len(transformAll(t, tr, b, p))
		if est := tr.Estimate(b, p); got > est {
			t.Fatalf("%s: estimate %d below actual %d", tr.EntityType(), est, got)
		}
	}
}
