// Package aggregate turns the inner entity documents gathered from many
// contributions into the merged form stored on an aggregate. Aggregation is
// a full recompute over the current contribution set, never an incremental
// patch, which makes it idempotent and immune to lost updates from
// concurrent triggers.
package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/biostack-io/bundle-indexer/internal/accumulator"
)

// Entity is one inner document, e.g. one file's facts inside a project
// contribution.
type Entity = map[string]any

// DocumentIDField is the inner-document identity field. It keys
// deduplication across bundles: two bundles asserting facts about the same
// inner document feed accumulators under the same key.
const DocumentIDField = "document_id"

// DefaultSetSize caps default set fields.
const DefaultSetSize = 100

// FieldType classifies what a field holds. Transformers declare one per
// field path; aggregators use it to pick fallback accumulators for fields
// without an explicit spec.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeNumber FieldType = "number"
	FieldTypeBool   FieldType = "bool"
	FieldTypeDict   FieldType = "dict"
)

// Aggregator merges the inner entities of one type collected across an
// entity's contributions.
type Aggregator interface {
	Aggregate(entities []Entity) ([]Entity, error)
}

type fieldSpec struct {
	out     string
	factory accumulator.Factory
	drop    bool
}

// SimpleAggregator resolves an accumulator per field, feeds every entity's
// value for that field through it, and emits one merged document. Fields
// without an explicit spec fall back on the declared field types (see
// Defaults), or on a capped set.
type SimpleAggregator struct {
	fields map[string]fieldSpec
	types  map[string]FieldType
}

func NewSimple() *SimpleAggregator {
	return &SimpleAggregator{fields: make(map[string]fieldSpec)}
}

// Defaults seeds fallback accumulator resolution from declared field types:
// numeric fields fold as document-keyed distinct sums, everything else as a
// capped set. Explicit Field/FieldAs/Drop specs take precedence.
func (a *SimpleAggregator) Defaults(types map[string]FieldType) *SimpleAggregator {
	a.types = types
	return a
}

// Field assigns an accumulator factory to an input field.
func (a *SimpleAggregator) Field(name string, f accumulator.Factory) *SimpleAggregator {
	a.fields[name] = fieldSpec{out: name, factory: f}
	return a
}

// FieldAs assigns an accumulator factory and renames the field on output,
// e.g. document_id cardinality emitted as "count".
func (a *SimpleAggregator) FieldAs(in, out string, f accumulator.Factory) *SimpleAggregator {
	a.fields[in] = fieldSpec{out: out, factory: f}
	return a
}

// Drop excludes an input field from the merged document.
func (a *SimpleAggregator) Drop(name string) *SimpleAggregator {
	a.fields[name] = fieldSpec{drop: true}
	return a
}

func (a *SimpleAggregator) spec(field string) fieldSpec {
	if s, ok := a.fields[field]; ok {
		return s
	}
	if a.types[field] == FieldTypeNumber {
		// The same numeric fact can arrive from many bundles; keying the
		// sum by document counts it once.
		return fieldSpec{out: field, factory: func() accumulator.Accumulator {
			return accumulator.NewDistinct(accumulator.NewSum())
		}}
	}
	return fieldSpec{out: field, factory: func() accumulator.Accumulator {
		return accumulator.NewSet(DefaultSetSize)
	}}
}

func (a *SimpleAggregator) Aggregate(entities []Entity) ([]Entity, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	fieldSet := make(map[string]struct{})
	for _, e := range entities {
		for f := range e {
			fieldSet[f] = struct{}{}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	merged := make(Entity)
	for _, field := range fields {
		spec := a.spec(field)
		if spec.drop {
			continue
		}
		acc := spec.factory()
		for _, e := range entities {
			v, ok := e[field]
			if !ok {
				continue
			}
			if err := acc.Accumulate(entityKey(e), v); err != nil {
				return nil, fmt.Errorf("aggregate field %q: %w", field, err)
			}
		}
		merged[spec.out] = acc.Get()
	}
	return []Entity{merged}, nil
}

// GroupingAggregator first buckets entities by a group key, then runs the
// per-field resolution within each bucket and emits one sub-document per
// bucket, in sorted bucket order. Used when a parent entity holds a
// heterogeneous collection (e.g. files of different formats) that must be
// summarized separately rather than flattened.
type GroupingAggregator struct {
	*SimpleAggregator
	groupKey string
}

func NewGrouping(groupKey string) *GroupingAggregator {
	return &GroupingAggregator{SimpleAggregator: NewSimple(), groupKey: groupKey}
}

func (g *GroupingAggregator) Aggregate(entities []Entity) ([]Entity, error) {
	buckets := make(map[string][]Entity)
	for _, e := range entities {
		k := bucketKey(e[g.groupKey])
		buckets[k] = append(buckets[k], e)
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Entity
	for _, k := range keys {
		docs, err := g.SimpleAggregator.Aggregate(buckets[k])
		if err != nil {
			return nil, fmt.Errorf("aggregate bucket %q: %w", k, err)
		}
		out = append(out, docs...)
	}
	return out, nil
}

func entityKey(e Entity) string {
	if id, ok := e[DocumentIDField].(string); ok && id != "" {
		return id
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("%#v", e)
	}
	return string(b)
}

func bucketKey(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
