package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Contribution is one bundle's stored assertion about one entity. The four
// coordinate columns form the identity: writing the same (catalog, entity,
// bundle) again supersedes the prior row, last write wins on Version.
// Deleted rows are tombstones, kept so recomputation can exclude the bundle.
type Contribution struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Catalog       string         `gorm:"size:64;uniqueIndex:idx_contribution_coords,priority:1" json:"catalog"`
	EntityType    string         `gorm:"size:64;uniqueIndex:idx_contribution_coords,priority:2" json:"entity_type"`
	EntityID      string         `gorm:"size:128;uniqueIndex:idx_contribution_coords,priority:3;index" json:"entity_id"`
	BundleUUID    string         `gorm:"size:36;uniqueIndex:idx_contribution_coords,priority:4" json:"bundle_uuid"`
	BundleVersion string         `gorm:"size:64" json:"bundle_version"`
	SourceID      string         `gorm:"size:128" json:"source_id"`
	Version       int64          `json:"version"`
	Deleted       bool           `json:"deleted"`
	Contents      datatypes.JSON `json:"contents"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Aggregate is the single merged document per entity. Disposable by design:
// it is overwritten wholesale on every recompute and can be rebuilt from the
// contribution set at any time.
type Aggregate struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Catalog          string         `gorm:"size:64;uniqueIndex:idx_aggregate_entity,priority:1" json:"catalog"`
	EntityType       string         `gorm:"size:64;uniqueIndex:idx_aggregate_entity,priority:2" json:"entity_type"`
	EntityID         string         `gorm:"size:128;uniqueIndex:idx_aggregate_entity,priority:3" json:"entity_id"`
	NumContributions int            `json:"num_contributions"`
	Sources          datatypes.JSON `json:"sources"`
	Contents         datatypes.JSON `json:"contents"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Replica is a content-addressed record: many bundles producing the same
// bytes collapse onto one row, accumulating hub IDs.
type Replica struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Catalog     string         `gorm:"size:64;uniqueIndex:idx_replica_hash,priority:1" json:"catalog"`
	EntityType  string         `gorm:"size:64;uniqueIndex:idx_replica_hash,priority:2" json:"entity_type"`
	EntityID    string         `gorm:"size:128;uniqueIndex:idx_replica_hash,priority:3" json:"entity_id"`
	ContentHash string         `gorm:"size:64;uniqueIndex:idx_replica_hash,priority:4" json:"content_hash"`
	ReplicaType string         `gorm:"size:64" json:"replica_type"`
	Contents    datatypes.JSON `json:"contents"`
	HubIDs      datatypes.JSON `json:"hub_ids"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Queue message statuses.
const (
	QueueStatusQueued   = "queued"
	QueueStatusInflight = "inflight"
	QueueStatusFailed   = "failed"
)

// QueueMessage is one message on one of the two pipeline queues (or their
// failure queues). A claimed message turns inflight and invisible until
// VisibleAt; if it is not acked by then it is redelivered. Receives counts
// deliveries for the redrive policy.
type QueueMessage struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Queue     string         `gorm:"size:64;index:idx_queue_visible" json:"queue"`
	Status    string         `gorm:"size:16;index:idx_queue_visible" json:"status"`
	Receives  int            `json:"receives"`
	VisibleAt time.Time      `gorm:"index:idx_queue_visible" json:"visible_at"`
	Body      datatypes.JSON `json:"body"`
	LastError string         `json:"last_error"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NotificationMatch names the bundle a notification is about.
type NotificationMatch struct {
	BundleUUID    string `json:"bundle_uuid"`
	BundleVersion string `json:"bundle_version"`
}

// Notification is the body of a message on the notifications queue: index
// (or, with Deleted, tombstone) one bundle in one catalog.
type Notification struct {
	Match    NotificationMatch `json:"match"`
	SourceID string            `json:"source_id"`
	Catalog  string            `json:"catalog"`
	Deleted  bool              `json:"deleted"`
}

// DocumentRef is the body of a message on the documents queue: recompute the
// aggregate for one entity.
type DocumentRef struct {
	Catalog    string `json:"catalog"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}
