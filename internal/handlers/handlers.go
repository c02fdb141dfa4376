package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"geoanchor/internal/config"
	"geoanchor/internal/events"
	"geoanchor/internal/jobs"
	"geoanchor/internal/metrics"
	"geoanchor/internal/service"
	"geoanchor/internal/storage"
)

// CheckSource reports the last inference-service check. *jobs.Scheduler implements it.
type CheckSource interface {
	Status() (jobs.CheckStatus, bool)
}

type Dependencies struct {
	Store     *storage.DiskStore
	Publisher events.Publisher
	Ollama    service.OllamaAPI
	Check     CheckSource
	Metrics   *metrics.Metrics
}

type HandlerSet struct {
	log       zerolog.Logger
	cfg       *config.AppConfig
	uploads   *service.UploadService
	snapshots *service.CoordinateService
	inference *service.InferenceService
	check     CheckSource
	metrics   *metrics.Metrics
}

func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, deps Dependencies) HandlerSet {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	return HandlerSet{
		log:       log,
		cfg:       cfg,
		uploads:   service.NewUploadService(deps.Store, publisher, cfg.Storage, log),
		snapshots: service.NewCoordinateService(deps.Store, publisher, service.NewMillisClock(nil), log),
		inference: service.NewInferenceService(deps.Ollama, deps.Store, cfg.Ollama.Temperature, log),
		check:     deps.Check,
		metrics:   m,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	router.POST("/upload-image", h.UploadImage)
	router.POST("/save-coordinates", h.SaveCoordinates)
	router.GET("/coordinates/:file", h.GetCoordinates)

	ollama := router.Group("/ollama")
	ollama.GET("/models", h.ListModels)
	ollama.POST("/autolocate", h.AutoLocate)

	router.POST("/log", h.ClientLog)
}
