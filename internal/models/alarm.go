package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Alarm is a stored camera alarm. Rows are immutable after insert.
type Alarm struct {
	ID             int64           `json:"id" db:"id"`
	AlarmID        string          `json:"alarm_id" db:"alarm_id"`
	Name           string          `json:"alarm_name" db:"alarm_name"`
	Type           int             `json:"alarm_type" db:"alarm_type"`
	Time           int64           `json:"alarm_time" db:"alarm_time"` // epoch ms
	ChannelNo      int             `json:"channel_no" db:"channel_no"`
	IsEncrypt      int             `json:"is_encrypt" db:"is_encrypt"`
	IsChecked      int             `json:"is_checked" db:"is_checked"`
	PreTime        int             `json:"pre_time" db:"pre_time"`
	DelayTime      int             `json:"delay_time" db:"delay_time"`
	DeviceSerial   string          `json:"device_serial" db:"device_serial"`
	RecState       int             `json:"rec_state" db:"rec_state"`
	PicURL         string          `json:"alarm_pic_url" db:"alarm_pic_url"`
	RelationAlarms RelationList    `json:"relation_alarms,omitempty" db:"relation_alarms"`
	CustomerType   *string         `json:"customer_type,omitempty" db:"customer_type"`
	CustomerInfo   json.RawMessage `json:"customer_info,omitempty" db:"customer_info"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// EventTime returns the alarm time in UTC, or the zero time when unknown.
func (a *Alarm) EventTime() time.Time {
	return MillisToTime(a.Time)
}

// MillisToTime converts epoch milliseconds to a UTC time. Zero maps to the zero time.
func MillisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Local renders t in loc, falling back to UTC when loc is nil.
func Local(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc)
}

// AlarmRecord is one entry of the alarm list API response.
type AlarmRecord struct {
	AlarmID        FlexString      `json:"alarmId"`
	AlarmName      string          `json:"alarmName"`
	AlarmType      int             `json:"alarmType"`
	AlarmTime      int64           `json:"alarmTime"`
	ChannelNo      int             `json:"channelNo"`
	IsEncrypt      int             `json:"isEncrypt"`
	IsChecked      int             `json:"isChecked"`
	PreTime        int             `json:"preTime"`
	DelayTime      int             `json:"delayTime"`
	DeviceSerial   string          `json:"deviceSerial"`
	RecState       int             `json:"recState"`
	AlarmPicURL    string          `json:"alarmPicUrl"`
	RelationAlarms RelationList    `json:"relationAlarms"`
	CustomerType   FlexString      `json:"customerType"`
	CustomerInfo   json.RawMessage `json:"customerInfo"`
}

// CustomerInfoJSON returns the customer info payload, or nil when it carries nothing.
func (r *AlarmRecord) CustomerInfoJSON() []byte {
	return nonEmptyJSON(r.CustomerInfo)
}

// CustomerTypePtr returns nil when the record has no customer type.
func (r *AlarmRecord) CustomerTypePtr() *string {
	if r.CustomerType == "" {
		return nil
	}
	s := string(r.CustomerType)
	return &s
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", `""`, "{}", "[]":
		return nil
	}
	return trimmed
}

// FlexString decodes a JSON string or number into a string. null decodes to "".
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// RelationList is the ordered list of related alarm ids. Entries may arrive
// as strings, numbers, or objects carrying an alarmId field.
type RelationList []string

func (r *RelationList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*r = nil
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("relation alarms: %w", err)
	}

	out := make(RelationList, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 {
			continue
		}
		switch item[0] {
		case '{':
			var obj struct {
				AlarmID FlexString `json:"alarmId"`
			}
			if err := json.Unmarshal(item, &obj); err != nil {
				return fmt.Errorf("relation alarm object: %w", err)
			}
			if obj.AlarmID != "" {
				out = append(out, string(obj.AlarmID))
			}
		default:
			var s FlexString
			if err := s.UnmarshalJSON(item); err != nil {
				return fmt.Errorf("relation alarm id: %w", err)
			}
			if s != "" {
				out = append(out, string(s))
			}
		}
	}
	*r = out
	return nil
}

// JSON encodes the list for a JSONB column. An empty list encodes to nil (NULL).
func (r RelationList) JSON() []byte {
	if len(r) == 0 {
		return nil
	}
	data, _ := json.Marshal([]string(r))
	return data
}

// ParseRelationList decodes a stored JSONB value.
func ParseRelationList(data []byte) (RelationList, error) {
	var r RelationList
	if len(data) == 0 {
		return nil, nil
	}
	if err := r.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	if len(r) == 0 {
		return nil, nil
	}
	return r, nil
}

// AlarmFilter selects alarms for listing.
type AlarmFilter struct {
	DeviceSerial string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// ParseID parses a numeric row id from a path parameter.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
