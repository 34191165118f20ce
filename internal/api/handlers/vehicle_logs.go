package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/your-org/platelog/internal/models"
	"github.com/your-org/platelog/internal/storage"
	"github.com/your-org/platelog/pkg/dto"
)

type VehicleLogStore interface {
	GetVehicleLog(ctx context.Context, id int64) (*models.VehicleLog, error)
	ListVehicleLogs(ctx context.Context, f models.VehicleLogFilter) ([]models.VehicleLog, int, error)
	UpdatePlateText(ctx context.Context, id int64, plate string) (*models.VehicleLog, error)
}

type CropReader interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

type VehicleLogHandler struct {
	db    VehicleLogStore
	crops CropReader
	loc   *time.Location
}

func NewVehicleLogHandler(db VehicleLogStore, crops CropReader, loc *time.Location) *VehicleLogHandler {
	return &VehicleLogHandler{db: db, crops: crops, loc: loc}
}

func (h *VehicleLogHandler) List(c *gin.Context) {
	limit, offset := queryPage(c)
	minConf, _ := strconv.ParseFloat(c.Query("min_confidence"), 64)

	f := models.VehicleLogFilter{
		Search:        strings.TrimSpace(c.Query("search")),
		From:          queryTime(c, "from", h.loc, false),
		To:            queryTime(c, "to", h.loc, true),
		MinConfidence: minConf,
		Limit:         limit,
		Offset:        offset,
	}

	logs, total, err := h.db.ListVehicleLogs(c.Request.Context(), f)
	if err != nil {
		slog.Error("list vehicle logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.VehicleLogResponse, 0, len(logs))
	for _, v := range logs {
		resp = append(resp, dto.NewVehicleLogResponse(v, h.loc))
	}
	c.JSON(http.StatusOK, dto.VehicleLogListResponse{VehicleLogs: resp, Total: total})
}

func (h *VehicleLogHandler) Get(c *gin.Context) {
	v, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewVehicleLogResponse(*v, h.loc))
}

// Crop proxies the stored plate crop from object storage.
func (h *VehicleLogHandler) Crop(c *gin.Context) {
	v, ok := h.lookup(c)
	if !ok {
		return
	}
	if v.CroppedImagePath == nil || *v.CroppedImagePath == "" || h.crops == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "crop not available"})
		return
	}

	data, err := h.crops.GetObject(c.Request.Context(), *v.CroppedImagePath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "crop not found"})
		return
	}
	if err != nil {
		slog.Error("get plate crop", "vehicle_log_id", v.ID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "crop unavailable"})
		return
	}

	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// UpdatePlate stores a manually corrected plate. Only plate_text changes.
func (h *VehicleLogHandler) UpdatePlate(c *gin.Context) {
	id, err := models.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vehicle log id"})
		return
	}

	var req dto.UpdatePlateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	plate := compactPlate(req.PlateText)
	if plate == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plate_text has no letters or digits"})
		return
	}

	v, err := h.db.UpdatePlateText(c.Request.Context(), id, plate)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if v == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "vehicle log not found"})
		return
	}

	slog.Info("plate corrected", "vehicle_log_id", id, "plate_text", plate)
	c.JSON(http.StatusOK, dto.NewVehicleLogResponse(*v, h.loc))
}

func (h *VehicleLogHandler) lookup(c *gin.Context) (*models.VehicleLog, bool) {
	id, err := models.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vehicle log id"})
		return nil, false
	}

	v, err := h.db.GetVehicleLog(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if v == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "vehicle log not found"})
		return nil, false
	}
	return v, true
}

// compactPlate upper-cases and keeps only letters and digits.
func compactPlate(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
