package models

import "time"

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ParseDirection maps free-form detector output onto a Direction. Unknown
// values default to DirectionIn.
func ParseDirection(s string) Direction {
	switch Direction(s) {
	case DirectionOut:
		return DirectionOut
	default:
		return DirectionIn
	}
}

// PlateCoords is the detector box, centre-based, in source image pixels.
type PlateCoords struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type VehicleLog struct {
	ID               int64        `json:"id" db:"id"`
	AlarmID          *int64       `json:"alarm_id,omitempty" db:"alarm_id"`
	GateID           *int64       `json:"gate_id,omitempty" db:"gate_id"`
	Timestamp        time.Time    `json:"timestamp" db:"timestamp"`
	OCRText          *string      `json:"ocr_text,omitempty" db:"ocr_text"`
	PlateText        *string      `json:"plate_text,omitempty" db:"plate_text"`
	VehicleType      *string      `json:"vehicle_type,omitempty" db:"vehicle_type"`
	VehicleColor     *string      `json:"vehicle_color,omitempty" db:"vehicle_color"`
	Direction        Direction    `json:"direction" db:"direction"`
	ImagePath        string       `json:"image_path" db:"image_path"`
	ImageHash        *int64       `json:"image_hash,omitempty" db:"image_hash"`
	Confidence       *float64     `json:"confidence,omitempty" db:"confidence"` // 0-100
	PlateCoords      *PlateCoords `json:"plate_coords,omitempty" db:"plate_coords"`
	CroppedImagePath *string      `json:"cropped_image_path,omitempty" db:"cropped_image_path"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// VehicleLogFilter selects vehicle logs for listing.
type VehicleLogFilter struct {
	Search        string
	From          time.Time
	To            time.Time
	MinConfidence float64
	Limit         int
	Offset        int
}

const EventVehicleLogCreated = "vehicle_log_created"

// VehicleLogEvent is published on the events stream when a log is written.
type VehicleLogEvent struct {
	Type       string      `json:"type"`
	AlarmID    string      `json:"alarm_id"`
	VehicleLog *VehicleLog `json:"vehicle_log"`
}

// SyncTrigger requests a sync run from outside the scheduler process.
type SyncTrigger struct {
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
}
