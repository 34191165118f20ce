package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/platelog/internal/models"
	"github.com/your-org/platelog/pkg/dto"
)

type AlarmReader interface {
	GetAlarm(ctx context.Context, id int64) (*models.Alarm, error)
	ListAlarms(ctx context.Context, f models.AlarmFilter) ([]models.Alarm, int, error)
}

// SyncPublisher queues a sync request for the syncer process.
type SyncPublisher interface {
	PublishSyncTrigger(ctx context.Context, trigger models.SyncTrigger, window time.Duration) (bool, error)
}

type AlarmHandler struct {
	db     AlarmReader
	sync   SyncPublisher
	loc    *time.Location
	window time.Duration
}

// NewAlarmHandler builds the alarm endpoints. Triggers published within the
// same window are deduplicated by the stream.
func NewAlarmHandler(db AlarmReader, sync SyncPublisher, loc *time.Location, window time.Duration) *AlarmHandler {
	return &AlarmHandler{db: db, sync: sync, loc: loc, window: window}
}

func (h *AlarmHandler) List(c *gin.Context) {
	limit, offset := queryPage(c)
	f := models.AlarmFilter{
		DeviceSerial: c.Query("device_serial"),
		From:         queryTime(c, "from", h.loc, false),
		To:           queryTime(c, "to", h.loc, true),
		Limit:        limit,
		Offset:       offset,
	}

	alarms, total, err := h.db.ListAlarms(c.Request.Context(), f)
	if err != nil {
		slog.Error("list alarms", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.AlarmResponse, 0, len(alarms))
	for _, a := range alarms {
		resp = append(resp, dto.NewAlarmResponse(a, h.loc))
	}
	c.JSON(http.StatusOK, dto.AlarmListResponse{Alarms: resp, Total: total})
}

func (h *AlarmHandler) Get(c *gin.Context) {
	id, err := models.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alarm id"})
		return
	}

	a, err := h.db.GetAlarm(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if a == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "alarm not found"})
		return
	}
	c.JSON(http.StatusOK, dto.NewAlarmResponse(*a, h.loc))
}

// Sync asks the syncer to run now. The run itself happens asynchronously.
func (h *AlarmHandler) Sync(c *gin.Context) {
	if h.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync trigger unavailable"})
		return
	}

	now := time.Now().UTC()
	dup, err := h.sync.PublishSyncTrigger(c.Request.Context(), models.SyncTrigger{Source: "api", RequestedAt: now}, h.window)
	if err != nil {
		slog.Error("publish sync trigger", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, dto.SyncTriggerResponse{
		Queued:      !dup,
		Duplicate:   dup,
		RequestedAt: now.Format(time.RFC3339),
	})
}
