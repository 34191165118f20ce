package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/platelog/internal/api/handlers"
	"github.com/your-org/platelog/internal/api/ws"
	"github.com/your-org/platelog/internal/auth"
)

// Store is the database surface the API reads from.
type Store interface {
	handlers.AlarmReader
	handlers.VehicleLogStore
	handlers.ContextPinger
}

// ObjectStore serves stored plate crops.
type ObjectStore interface {
	handlers.CropReader
	handlers.ContextPinger
}

// TriggerPublisher queues sync runs.
type TriggerPublisher interface {
	handlers.SyncPublisher
	handlers.Pinger
}

type RouterConfig struct {
	APIKey   string
	DB       Store
	MinIO    ObjectStore
	Producer TriggerPublisher
	Hub      *ws.Hub
	// Location renders alarm and log times.
	Location *time.Location
	// TriggerWindow deduplicates sync triggers published close together.
	TriggerWindow time.Duration
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	var crops handlers.CropReader
	var minio handlers.ContextPinger
	if cfg.MinIO != nil {
		crops, minio = cfg.MinIO, cfg.MinIO
	}
	var publisher handlers.SyncPublisher
	var nats handlers.Pinger
	if cfg.Producer != nil {
		publisher, nats = cfg.Producer, cfg.Producer
	}

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, minio, nats)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	alarmH := handlers.NewAlarmHandler(cfg.DB, publisher, cfg.Location, cfg.TriggerWindow)
	v1.GET("/alarms", alarmH.List)
	v1.GET("/alarms/:id", alarmH.Get)
	v1.POST("/alarms/sync", alarmH.Sync)

	logH := handlers.NewVehicleLogHandler(cfg.DB, crops, cfg.Location)
	v1.GET("/vehicle-logs", logH.List)
	v1.GET("/vehicle-logs/:id", logH.Get)
	v1.GET("/vehicle-logs/:id/crop", logH.Crop)
	v1.PUT("/vehicle-logs/:id/plate", logH.UpdatePlate)

	return r
}
