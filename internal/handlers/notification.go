package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/biostack-io/bundle-indexer/internal/config"
	"github.com/biostack-io/bundle-indexer/internal/logger"
	"github.com/biostack-io/bundle-indexer/internal/repos"
	"github.com/biostack-io/bundle-indexer/internal/services"
	"github.com/biostack-io/bundle-indexer/internal/types"
)

// NotificationHandler accepts bundle event notifications and queues them for
// the contribute stage. Accepting means "durably queued", never "indexed":
// the response returns before any transform runs.
type NotificationHandler struct {
	log       *logger.Logger
	cfg       *config.Config
	queueRepo repos.QueueRepo
	reindex   services.ReindexService
}

func NewNotificationHandler(log *logger.Logger, cfg *config.Config, queueRepo repos.QueueRepo, reindex services.ReindexService) *NotificationHandler {
	return &NotificationHandler{
		log:       log.With("handler", "NotificationHandler"),
		cfg:       cfg,
		queueRepo: queueRepo,
		reindex:   reindex,
	}
}

type notificationRequest struct {
	BundleUUID    string `json:"bundle_uuid" binding:"required"`
	BundleVersion string `json:"bundle_version" binding:"required"`
	SourceID      string `json:"source_id" binding:"required"`
}

// POST /indexer/:catalog/notify
func (h *NotificationHandler) Notify(c *gin.Context) {
	h.enqueue(c, false)
}

// POST /indexer/:catalog/delete
func (h *NotificationHandler) Delete(c *gin.Context) {
	h.enqueue(c, true)
}

func (h *NotificationHandler) enqueue(c *gin.Context, deleted bool) {
	catalog := c.Param("catalog")
	cat, ok := h.cfg.Catalog(catalog)
	if !ok {
		RespondError(c, http.StatusNotFound, "unknown_catalog", fmt.Errorf("unknown catalog %q", catalog))
		return
	}
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_notification", err)
		return
	}
	if _, err := uuid.Parse(req.BundleUUID); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_bundle_uuid", err)
		return
	}
	if _, ok := cat.Source(req.SourceID); !ok {
		RespondError(c, http.StatusBadRequest, "unknown_source", fmt.Errorf("catalog %q has no source %q", catalog, req.SourceID))
		return
	}

	body, err := json.Marshal(types.Notification{
		Match: types.NotificationMatch{
			BundleUUID:    req.BundleUUID,
			BundleVersion: req.BundleVersion,
		},
		SourceID: req.SourceID,
		Catalog:  catalog,
		Deleted:  deleted,
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "marshal_failed", err)
		return
	}
	if err := h.queueRepo.Enqueue(c.Request.Context(), nil, repos.QueueNotifications, []datatypes.JSON{datatypes.JSON(body)}); err != nil {
		RespondError(c, http.StatusInternalServerError, "enqueue_failed", err)
		return
	}
	h.log.Info("Notification queued",
		"catalog", catalog,
		"bundle_uuid", req.BundleUUID,
		"bundle_version", req.BundleVersion,
		"deleted", deleted)
	RespondAccepted(c, gin.H{
		"catalog":        catalog,
		"bundle_uuid":    req.BundleUUID,
		"bundle_version": req.BundleVersion,
		"deleted":        deleted,
	})
}

// POST /indexer/:catalog/reindex?prefix=ab
func (h *NotificationHandler) Reindex(c *gin.Context) {
	catalog := c.Param("catalog")
	queued, err := h.reindex.Reindex(c.Request.Context(), catalog, c.Query("prefix"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "reindex_failed", err)
		return
	}
	RespondAccepted(c, gin.H{
		"catalog": catalog,
		"queued":  queued,
	})
}
