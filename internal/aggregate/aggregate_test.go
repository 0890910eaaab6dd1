package aggregate

import (
	"encoding/json"
	"math/rand"
	"reflect"
	"testing"

	"github.com/biostack-io/bundle-indexer/internal/accumulator"
)

func fileEntity(id, format string, size float64) Entity {
	return Entity{
		DocumentIDField: id,
		"format":        format,
		"size":          size,
		"count":         float64(1),
	}
}

func fileSummaryAggregator() *GroupingAggregator {
	g := NewGrouping("format")
	g.Field("format", func() accumulator.Accumulator { return accumulator.NewSingleValue() })
	g.Field("size", func() accumulator.Accumulator { return accumulator.NewDistinct(accumulator.NewSum()) })
	g.Field("count", func() accumulator.Accumulator { return accumulator.NewDistinct(accumulator.NewSum()) })
	g.Drop(DocumentIDField)
	return g
}

func TestSimpleAggregator_DefaultsToSet(t *testing.T) {
	a := NewSimple()
	docs, err := a.Aggregate([]Entity{
		{DocumentIDField: "d1", "organ": "brain"},
		{DocumentIDField: "d2", "organ": "blood"},
		{DocumentIDField: "d3", "organ": "brain"},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one merged doc, got %#v", docs)
	}
	organs := docs[0]["organ"].([]any)
	if !reflect.DeepEqual(organs, []any{"blood", "brain"}) {
		t.Fatalf("unexpected organs: %#v", organs)
	}
}

func TestSimpleAggregator_FieldRename(t *testing.T) {
	a := NewSimple()
	a.FieldAs(DocumentIDField, "count", func() accumulator.Accumulator {
		return accumulator.NewUniqueValueCount()
	})
	a.Drop("sex")
	docs, err := a.Aggregate([]Entity{
		{DocumentIDField: "donor-1", "sex": "female"},
		{DocumentIDField: "donor-2", "sex": "male"},
		{DocumentIDField: "donor-1", "sex": "female"},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if docs[0]["count"] != int64(2) {
		t.Fatalf("unexpected donor count: %#v", docs[0])
	}
	if _, ok := docs[0]["sex"]; ok {
		t.Fatalf("dropped field survived: %#v", docs[0])
	}
}

func TestSimpleAggregator_TypedDefaultsResolveNumbersToDistinctSum(t *testing.T) {
	a := NewSimple().Defaults(map[string]FieldType{"size": FieldTypeNumber})
	docs, err := a.Aggregate([]Entity{
		{DocumentIDField: "f1", "size": float64(100), "organ": "brain"},
		{DocumentIDField: "f1", "size": float64(100), "organ": "brain"}, // same fact, second bundle
		{DocumentIDField: "f2", "size": float64(50), "organ": "blood"},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if docs[0]["size"] != int64(150) {
		t.Fatalf("typed default did not sum distinct sizes: %#v", docs[0])
	}
	// Untyped fields still fall back on the capped set.
	organs := docs[0]["organ"].([]any)
	if !reflect.DeepEqual(organs, []any{"blood", "brain"}) {
		t.Fatalf("unexpected organs: %#v", organs)
	}
}

func TestGroupingAggregator_FileTypeSummaries(t *testing.T) {
	// Two contributions to a project: one lists a fastq and a bam, the
	// other lists another fastq. Buckets must come out fastq=2, bam=1.
	entities := []Entity{
		fileEntity("f1", "fastq", 100),
		fileEntity("f2", "bam", 200),
		fileEntity("f3", "fastq", 300),
	}
	docs, err := fileSummaryAggregator().Aggregate(entities)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 buckets, got %#v", docs)
	}
	byFormat := map[any]Entity{}
	for _, d := range docs {
		byFormat[d["format"]] = d
	}
	if byFormat["fastq"]["count"] != int64(2) || byFormat["bam"]["count"] != int64(1) {
		t.Fatalf("unexpected bucket counts: %#v", byFormat)
	}
	if byFormat["fastq"]["size"] != int64(400) {
		t.Fatalf("unexpected fastq size: %#v", byFormat["fastq"])
	}
}

func TestGroupingAggregator_OrderIndependentByteIdentical(t *testing.T) {
	entities := []Entity{
		fileEntity("f1", "fastq", 100),
		fileEntity("f2", "bam", 200),
		fileEntity("f3", "fastq", 300),
		fileEntity("f4", "vcf", 50),
		fileEntity("f1", "fastq", 100), // duplicate fact from a second bundle
	}
	base, err := fileSummaryAggregator().Aggregate(entities)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	want, err := json.Marshal(base)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		perm := rng.Perm(len(entities))
		shuffled := make([]Entity, len(entities))
		for i, j := range perm {
			shuffled[i] = entities[j]
		}
		docs, err := fileSummaryAggregator().Aggregate(shuffled)
		if err != nil {
			t.Fatalf("aggregate: %v", err)
		}
		got, err := json.Marshal(docs)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(got) != string(want) {
			t.Fatalf("permutation changed output:\n%s\nvs\n%s", got, want)
		}
	}
}

func TestSimpleAggregator_SingleValueViolationSurfaces(t *testing.T) {
	a := NewSimple()
	a.Field("genome", func() accumulator.Accumulator { return accumulator.NewSingleValue() })
	_, err := a.Aggregate([]Entity{
		{DocumentIDField: "d1", "genome": "GRCh38"},
		{DocumentIDField: "d2", "genome": "GRCh37"},
	})
	if err == nil {
		t.Fatal("expected divergent single-value error")
	}
}

func TestAggregate_EmptyInput(t *testing.T) {
	docs, err := NewSimple().Aggregate(nil)
	if err != nil || docs != nil {
		t.Fatalf("expected nil, nil for empty input, got %#v, %v", docs, err)
	}
}
