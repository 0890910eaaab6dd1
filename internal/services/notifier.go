package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/types"
)

// Event kinds published to the health/observability collaborator.
const (
	EventBundleContributed = "bundle_contributed"
	EventEntityAggregated  = "entity_aggregated"
	EventMessageRedriven   = "message_redriven"
)

// Event is one structured pipeline event.
type Event struct {
	Kind      string         `json:"kind"`
	Catalog   string         `json:"catalog,omitempty"`
	Queue     string         `json:"queue,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventNotifier surfaces pipeline outcomes to an external collaborator. The
// pipeline never depends on delivery; a lost event costs visibility, not
// correctness.
type EventNotifier interface {
	BundleContributed(ctx context.Context, n types.Notification, contributions int)
	EntityAggregated(ctx context.Context, ref types.DocumentRef, contributions int)
	MessageRedriven(ctx context.Context, queue string, msg *types.QueueMessage)
	Close() error
}

type redisNotifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisNotifier connects to REDIS_ADDR and publishes events on
// REDIS_CHANNEL (default "indexer_events").
func NewRedisNotifier(log *logger.Logger) (EventNotifier, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
	if ch == "" {
		ch = "indexer_events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisNotifier{
		log:     log.With("service", "RedisNotifier"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (n *redisNotifier) publish(ctx context.Context, ev Event) {
	ev.Timestamp = time.Now().UTC()
	raw, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("Could not marshal event", "kind", ev.Kind, "error", err)
		return
	}
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		n.log.Warn("Could not publish event", "kind", ev.Kind, "error", err)
	}
}

func (n *redisNotifier) BundleContributed(ctx context.Context, notif types.Notification, contributions int) {
	n.publish(ctx, Event{
		Kind:    EventBundleContributed,
		Catalog: notif.Catalog,
		Detail: map[string]any{
			"bundle_uuid":    notif.Match.BundleUUID,
			"bundle_version": notif.Match.BundleVersion,
			"source_id":      notif.SourceID,
			"deleted":        notif.Deleted,
			"contributions":  contributions,
		},
	})
}

func (n *redisNotifier) EntityAggregated(ctx context.Context, ref types.DocumentRef, contributions int) {
	n.publish(ctx, Event{
		Kind:    EventEntityAggregated,
		Catalog: ref.Catalog,
		Detail: map[string]any{
			"entity_type":   ref.EntityType,
			"entity_id":     ref.EntityID,
			"contributions": contributions,
		},
	})
}

func (n *redisNotifier) MessageRedriven(ctx context.Context, queue string, msg *types.QueueMessage) {
	n.publish(ctx, Event{
		Kind:  EventMessageRedriven,
		Queue: queue,
		Detail: map[string]any{
			"message_id": msg.ID.String(),
			"receives":   msg.Receives,
			"last_error": msg.LastError,
			"body":       json.RawMessage(msg.Body),
		},
	})
}

func (n *redisNotifier) Close() error {
	if n == nil || n.rdb == nil {
		return nil
	}
	return n.rdb.Close()
}

// NopNotifier drops every event. Used when REDIS_ADDR is unset and in tests.
type NopNotifier struct{}

func (NopNotifier) BundleContributed(context.Context, types.Notification, int) {}
func (NopNotifier) EntityAggregated(context.Context, types.DocumentRef, int)   {}
func (NopNotifier) MessageRedriven(context.Context, string, *types.QueueMessage) {
}
func (NopNotifier) Close() error { return nil }
