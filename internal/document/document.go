package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType names a logical entity class within a metadata model, e.g.
// "projects", "files", "donors". Index naming and aggregator lookup key off
// of it.
type EntityType string

// EntityReference identifies one logical entity. Many bundles may contribute
// facts about the same entity.
type EntityReference struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
}

func (r EntityReference) String() string {
	return string(r.EntityType) + "/" + r.EntityID
}

// BundleFQID is the immutable identity of one version of one bundle from one
// source. Bundles themselves are opaque here; only the identity matters.
type BundleFQID struct {
	UUID     uuid.UUID `json:"uuid"`
	Version  string    `json:"version"`
	SourceID string    `json:"source_id"`
}

func (f BundleFQID) String() string {
	return f.UUID.String() + "." + f.Version
}

// bundleVersionFormat matches upstream bundle version strings such as
// "2023-05-01T120000.000000Z".
const bundleVersionFormat = "2006-01-02T150405.000000Z"

// VersionTime parses the bundle version timestamp. Contribution write
// versions derive from it so that reprocessing an older bundle version can
// never clobber a newer one.
func (f BundleFQID) VersionTime() (time.Time, error) {
	t, err := time.Parse(bundleVersionFormat, f.Version)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse bundle version %q: %w", f.Version, err)
	}
	return t, nil
}

// WriteVersion is the monotonically increasing version used for conditional
// contribution puts. Microseconds since epoch, doubled: a live write takes
// the even slot and a tombstone nullifying the same bundle version takes the
// odd slot above it, so a tombstone can never collide with a live write from
// a genuinely newer bundle version.
func (f BundleFQID) WriteVersion() (int64, error) {
	t, err := f.VersionTime()
	if err != nil {
		return 0, err
	}
	return 2 * t.UnixMicro(), nil
}

// ContributionCoordinates address one bundle's contribution to one entity.
// At most one live contribution exists per (entity, bundle) pair; writing a
// new one supersedes the prior. Deleted marks a tombstone that nullifies the
// bundle's effect on the entity without erasing history.
type ContributionCoordinates struct {
	Entity  EntityReference `json:"entity"`
	Bundle  BundleFQID      `json:"bundle"`
	Deleted bool            `json:"deleted"`
}

func (c ContributionCoordinates) String() string {
	kind := "contribution"
	if c.Deleted {
		kind = "tombstone"
	}
	return c.Entity.String() + "/" + c.Bundle.String() + "/" + kind
}

// Contribution is one bundle's assertion of facts about one entity. Contents
// maps inner entity type to a list of inner documents, plus scalar fields.
type Contribution struct {
	Coordinates ContributionCoordinates
	Contents    map[string]any
}

// ReplicaCoordinates address a content-hashed, deduplicated record. Many
// bundles producing byte-identical facts collapse onto one replica.
type ReplicaCoordinates struct {
	Entity      EntityReference `json:"entity"`
	ContentHash string          `json:"content_hash"`
}

// Replica is a content-addressed record plus the hub entity IDs that link
// back to it.
type Replica struct {
	Coordinates ReplicaCoordinates
	ReplicaType string
	Contents    map[string]any
	HubIDs      []string
}

// IndexName derives the store index for an entity type deterministically.
// Contribution and aggregate documents for the same entity type live in
// separate indices.
func IndexName(catalog string, entityType EntityType, aggregate bool) string {
	parts := []string{catalog, string(entityType)}
	if aggregate {
		parts = append(parts, "aggregate")
	}
	return strings.Join(parts, "_")
}
