// Package transform defines the contract between a metadata model and the
// indexing pipeline: how one fetched bundle becomes per-entity contributions.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/biostack-io/bundle-indexer/internal/aggregate"
	"github.com/biostack-io/bundle-indexer/internal/document"
)

// ManifestEntry describes one file listed in a bundle manifest. Indexed
// entries are metadata files consumed by transformers; the rest are data
// files that become file entities.
type ManifestEntry struct {
	Name    string `json:"name"`
	UUID    string `json:"uuid"`
	Version string `json:"version"`
	Size    int64  `json:"size"`
	Format  string `json:"format"`
	SHA256  string `json:"sha256"`
	Indexed bool   `json:"indexed"`
}

// Bundle is one fetched bundle: identity, manifest and raw metadata files.
// Deleted carries the tombstone flag from the triggering notification.
type Bundle struct {
	FQID          document.BundleFQID
	Manifest      []ManifestEntry
	MetadataFiles map[string]json.RawMessage
	Deleted       bool
}

// BundlePartition bounds how much of a bundle one transform invocation
// covers. Inner documents are assigned to a partition by the hex digest of
// their document ID, so any ID alphabet covers the partition space: every ID
// falls in exactly one partition of a given prefix length, and the union of
// all partitions' contributions equals transforming the whole bundle at
// once. The zero value covers everything.
type BundlePartition struct {
	Prefix string
}

// Contains reports whether a document ID falls in this partition.
func (p BundlePartition) Contains(documentID string) bool {
	if p.Prefix == "" {
		return true
	}
	sum := sha256.Sum256([]byte(documentID))
	return strings.HasPrefix(hex.EncodeToString(sum[:]), p.Prefix)
}

func (p BundlePartition) String() string {
	if p.Prefix == "" {
		return "whole"
	}
	return "prefix:" + p.Prefix
}

// Partitions enumerates the 16^prefixLength partitions of a bundle.
// prefixLength 0 yields the single whole-bundle partition.
func Partitions(prefixLength int) []BundlePartition {
	if prefixLength <= 0 {
		return []BundlePartition{{}}
	}
	out := []BundlePartition{{}}
	for i := 0; i < prefixLength; i++ {
		next := make([]BundlePartition, 0, len(out)*16)
		for _, p := range out {
			for _, c := range "0123456789abcdef" {
				next = append(next, BundlePartition{Prefix: p.Prefix + string(c)})
			}
		}
		out = next
	}
	return out
}

// FieldType declares what a contribution field holds, for store-schema
// purposes and fallback accumulator selection.
type FieldType = aggregate.FieldType

const (
	FieldTypeString = aggregate.FieldTypeString
	FieldTypeNumber = aggregate.FieldTypeNumber
	FieldTypeBool   = aggregate.FieldTypeBool
	FieldTypeDict   = aggregate.FieldTypeDict
)

// FieldTypes maps dotted field paths ("files.size") to their types.
type FieldTypes map[string]FieldType

// DefaultsFor narrows the declared types to one inner entity's fields, keyed
// by bare field name, for seeding an aggregator's fallback accumulators.
func (ft FieldTypes) DefaultsFor(entityType document.EntityType) map[string]FieldType {
	prefix := string(entityType) + "."
	out := make(map[string]FieldType)
	for path, typ := range ft {
		if strings.HasPrefix(path, prefix) {
			out[strings.TrimPrefix(path, prefix)] = typ
		}
	}
	return out
}

// Result is one transformer output: a contribution, a replica, or both.
type Result struct {
	Contribution *document.Contribution
	Replica      *document.Replica
}

// Transformer turns one bundle partition into contributions for a single
// entity type. Transform must be a pure function of the bundle contents plus
// the deleted flag; an error aborts the whole bundle's contribution for this
// entity type with nothing half-written.
type Transformer interface {
	EntityType() document.EntityType
	FieldTypes() FieldTypes

	// Estimate is a cheap upper bound on how many contributions
	// Transform will produce for the partition, used for batching.
	Estimate(b *Bundle, p BundlePartition) int

	Transform(b *Bundle, p BundlePartition) ([]Result, error)

	// Aggregator returns the merge policy for one inner entity type of
	// this transformer's documents, or nil when that inner type carries
	// no aggregation. A nil aggregator for the transformer's own entity
	// type excludes the whole entity type from aggregate recomputation.
	Aggregator(entityType document.EntityType) aggregate.Aggregator
}

// Model is a named metadata model: the closed set of transformers that
// produce a catalog's documents.
type Model struct {
	Name         string
	Transformers []Transformer
}

// TransformerFor resolves the transformer owning an entity type.
func (m Model) TransformerFor(entityType document.EntityType) (Transformer, bool) {
	for _, t := range m.Transformers {
		if t.EntityType() == entityType {
			return t, true
		}
	}
	return nil, false
}
