package dto

import (
	"strconv"
	"time"

	"github.com/your-org/platelog/internal/models"
)

type PlateCoords struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type VehicleLogResponse struct {
	ID           int64        `json:"id"`
	AlarmID      *int64       `json:"alarm_id,omitempty"`
	GateID       *int64       `json:"gate_id,omitempty"`
	Timestamp    string       `json:"timestamp"`
	OCRText      *string      `json:"ocr_text,omitempty"`
	PlateText    *string      `json:"plate_text,omitempty"`
	VehicleType  *string      `json:"vehicle_type,omitempty"`
	VehicleColor *string      `json:"vehicle_color,omitempty"`
	Direction    string       `json:"direction"`
	ImagePath    string       `json:"image_path"`
	ImageHash    *string      `json:"image_hash,omitempty"`
	Confidence   *float64     `json:"confidence,omitempty"`
	PlateCoords  *PlateCoords `json:"plate_coords,omitempty"`
	CropURL      string       `json:"crop_url,omitempty"`
	CreatedAt    string       `json:"created_at,omitempty"`
}

type VehicleLogListResponse struct {
	VehicleLogs []VehicleLogResponse `json:"vehicle_logs"`
	Total       int                  `json:"total"`
}

// UpdatePlateRequest is the body of PUT /v1/vehicle-logs/:id/plate.
type UpdatePlateRequest struct {
	PlateText string `json:"plate_text" binding:"required"`
}

// WSEvent is a WebSocket message for live vehicle log delivery.
type WSEvent struct {
	Type    string             `json:"type"` // vehicle_log_created
	AlarmID string             `json:"alarm_id,omitempty"`
	Data    VehicleLogResponse `json:"data"`
}

// NewVehicleLogResponse renders a vehicle log. Timestamps use loc.
func NewVehicleLogResponse(v models.VehicleLog, loc *time.Location) VehicleLogResponse {
	r := VehicleLogResponse{
		ID:           v.ID,
		AlarmID:      v.AlarmID,
		GateID:       v.GateID,
		Timestamp:    models.Local(v.Timestamp, loc).Format(time.RFC3339),
		OCRText:      v.OCRText,
		PlateText:    v.PlateText,
		VehicleType:  v.VehicleType,
		VehicleColor: v.VehicleColor,
		Direction:    string(v.Direction),
		ImagePath:    v.ImagePath,
		Confidence:   v.Confidence,
	}
	if v.ImageHash != nil {
		// hex keeps the 64-bit hash exact for JSON clients
		h := strconv.FormatUint(uint64(*v.ImageHash), 16)
		r.ImageHash = &h
	}
	if pc := v.PlateCoords; pc != nil {
		r.PlateCoords = &PlateCoords{X: pc.X, Y: pc.Y, Width: pc.Width, Height: pc.Height}
	}
	if v.CroppedImagePath != nil && *v.CroppedImagePath != "" {
		r.CropURL = "/v1/vehicle-logs/" + strconv.FormatInt(v.ID, 10) + "/crop"
	}
	if !v.CreatedAt.IsZero() {
		r.CreatedAt = v.CreatedAt.Format(time.RFC3339)
	}
	return r
}
