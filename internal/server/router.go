package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/biostack-io/bundle-indexer/internal/handlers"
	"github.com/biostack-io/bundle-indexer/internal/middleware"
)

type RouterConfig struct {
	HealthHandler       *handlers.HealthHandler
	NotificationHandler *handlers.NotificationHandler
	TokenMiddleware     *middleware.TokenMiddleware
	AllowOrigins        []string
	ReleaseMode         bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-Indexer-Token"},
	}))

	router.GET("/healthcheck", cfg.HealthHandler.HealthCheck)

	indexer := router.Group("/indexer")
	indexer.Use(cfg.TokenMiddleware.RequireToken())
	indexer.POST("/:catalog/notify", cfg.NotificationHandler.Notify)
	indexer.POST("/:catalog/delete", cfg.NotificationHandler.Delete)
	indexer.POST("/:catalog/reindex", cfg.NotificationHandler.Reindex)

	return router
}
