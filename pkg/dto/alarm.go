package dto

import (
	"encoding/json"
	"time"

	"github.com/your-org/platelog/internal/models"
)

type AlarmResponse struct {
	ID             int64           `json:"id"`
	AlarmID        string          `json:"alarm_id"`
	Name           string          `json:"alarm_name"`
	Type           int             `json:"alarm_type"`
	Time           int64           `json:"alarm_time"`
	LocalTime      string          `json:"alarm_time_local,omitempty"`
	ChannelNo      int             `json:"channel_no"`
	IsEncrypt      int             `json:"is_encrypt"`
	IsChecked      int             `json:"is_checked"`
	PreTime        int             `json:"pre_time"`
	DelayTime      int             `json:"delay_time"`
	DeviceSerial   string          `json:"device_serial"`
	RecState       int             `json:"rec_state"`
	PicURL         string          `json:"alarm_pic_url,omitempty"`
	RelationAlarms []string        `json:"relation_alarms,omitempty"`
	CustomerType   *string         `json:"customer_type,omitempty"`
	CustomerInfo   json.RawMessage `json:"customer_info,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

type AlarmListResponse struct {
	Alarms []AlarmResponse `json:"alarms"`
	Total  int             `json:"total"`
}

// SyncTriggerResponse is returned by POST /v1/alarms/sync.
type SyncTriggerResponse struct {
	Queued      bool   `json:"queued"`
	Duplicate   bool   `json:"duplicate"`
	RequestedAt string `json:"requested_at"`
}

// NewAlarmResponse renders a stored alarm. alarm_time_local uses loc.
func NewAlarmResponse(a models.Alarm, loc *time.Location) AlarmResponse {
	r := AlarmResponse{
		ID:             a.ID,
		AlarmID:        a.AlarmID,
		Name:           a.Name,
		Type:           a.Type,
		Time:           a.Time,
		ChannelNo:      a.ChannelNo,
		IsEncrypt:      a.IsEncrypt,
		IsChecked:      a.IsChecked,
		PreTime:        a.PreTime,
		DelayTime:      a.DelayTime,
		DeviceSerial:   a.DeviceSerial,
		RecState:       a.RecState,
		PicURL:         a.PicURL,
		RelationAlarms: a.RelationAlarms,
		CustomerType:   a.CustomerType,
		CustomerInfo:   a.CustomerInfo,
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
	if t := a.EventTime(); !t.IsZero() {
		r.LocalTime = models.Local(t, loc).Format(time.RFC3339)
	}
	return r
}
