package alarmsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/your-org/platelog/internal/ezviz"
	"github.com/your-org/platelog/internal/models"
	"github.com/your-org/platelog/internal/storage"
	"github.com/your-org/platelog/internal/vision"
)

// memStore is an in-memory stand-in for the Postgres store.
type memStore struct {
	mu        sync.Mutex
	alarms    []models.Alarm
	logs      []models.VehicleLog
	insertErr error
	createErr map[string]error // keyed by image path
	raceIDs   map[string]bool  // ids that report ErrAlarmExists on insert
}

func newMemStore() *memStore {
	return &memStore{createErr: map[string]error{}, raceIDs: map[string]bool{}}
}

func (s *memStore) AlarmExists(_ context.Context, alarmID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alarms {
		if a.AlarmID == alarmID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) InsertAlarm(_ context.Context, rec models.AlarmRecord) (*models.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	if s.raceIDs[string(rec.AlarmID)] {
		return nil, storage.ErrAlarmExists
	}
	a := models.Alarm{
		ID:             int64(len(s.alarms) + 1),
		AlarmID:        string(rec.AlarmID),
		Time:           rec.AlarmTime,
		PicURL:         rec.AlarmPicURL,
		DeviceSerial:   rec.DeviceSerial,
		RelationAlarms: rec.RelationAlarms,
	}
	s.alarms = append(s.alarms, a)
	return &a, nil
}

func (s *memStore) GetAlarm(_ context.Context, id int64) (*models.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alarms {
		if a.ID == id {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListAlarmsForRescan(_ context.Context, fromID int64, limit int) ([]models.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Alarm
	for _, a := range s.alarms {
		if a.ID >= fromID && a.PicURL != "" && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) CreateVehicleLog(_ context.Context, v *models.VehicleLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createErr[v.ImagePath]; err != nil {
		return err
	}
	v.ID = int64(len(s.logs) + 1)
	s.logs = append(s.logs, *v)
	return nil
}

func (s *memStore) UpdateVehicleLog(_ context.Context, v *models.VehicleLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.logs {
		if s.logs[i].ID == v.ID {
			s.logs[i] = *v
			return nil
		}
	}
	return errors.New("not found")
}

func (s *memStore) GetVehicleLogByAlarm(_ context.Context, alarmID int64) (*models.VehicleLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].AlarmID != nil && *s.logs[i].AlarmID == alarmID {
			v := s.logs[i]
			return &v, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListVehicleLogsForReOCR(_ context.Context, fromID int64, limit int, croppedOnly bool) ([]models.VehicleLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VehicleLog
	for _, v := range s.logs {
		if v.ID < fromID || len(out) >= limit {
			continue
		}
		if croppedOnly && deref(v.CroppedImagePath) == "" {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *memStore) UpdateVehicleLogOCR(_ context.Context, id int64, ocrText, plateText, croppedPath *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.logs {
		if s.logs[i].ID == id {
			s.logs[i].OCRText = ocrText
			s.logs[i].PlateText = plateText
			s.logs[i].CroppedImagePath = croppedPath
			return nil
		}
	}
	return errors.New("not found")
}

func (s *memStore) ReferencedCrops(_ context.Context, keys []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := map[string]bool{}
	for _, k := range keys {
		for _, v := range s.logs {
			if deref(v.CroppedImagePath) == k {
				refs[k] = true
			}
		}
	}
	return refs, nil
}

func (s *memStore) alarmIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.alarms))
	for _, a := range s.alarms {
		ids = append(ids, a.AlarmID)
	}
	sort.Strings(ids)
	return ids
}

// pagedSource serves alarms in pages of the requested size.
type pagedSource struct {
	alarms    []models.AlarmRecord
	total     int // -1 hides the total
	err       error
	failAfter int // fail on this call number (1-based); 0 never
	calls     []ezviz.PageRequest
}

func (p *pagedSource) ListAlarms(_ context.Context, req ezviz.PageRequest) (*ezviz.AlarmPage, error) {
	p.calls = append(p.calls, req)
	if p.err != nil && (p.failAfter == 0 || len(p.calls) >= p.failAfter) {
		return nil, p.err
	}
	start := req.PageStart * req.PageSize
	end := min(start+req.PageSize, len(p.alarms))
	var page []models.AlarmRecord
	if start < len(p.alarms) {
		page = p.alarms[start:end]
	}
	return &ezviz.AlarmPage{Alarms: page, Total: p.total, Page: req.PageStart, Size: req.PageSize}, nil
}

// scriptedPipeline returns canned results per image URL.
type scriptedPipeline struct {
	mu      sync.Mutex
	results map[string]*vision.Result
	errs    map[string]error
	calls   []string
	crops   map[string][]byte
	ocr     map[string]string // crop content -> raw text
}

func newScriptedPipeline() *scriptedPipeline {
	return &scriptedPipeline{
		results: map[string]*vision.Result{},
		errs:    map[string]error{},
		crops:   map[string][]byte{},
		ocr:     map[string]string{},
	}
}

func (p *scriptedPipeline) Process(_ context.Context, url string) (*vision.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, url)
	if err := p.errs[url]; err != nil {
		return nil, err
	}
	if res, ok := p.results[url]; ok {
		cp := *res
		return &cp, nil
	}
	return &vision.Result{}, nil
}

func (p *scriptedPipeline) ReadPlate(_ context.Context, crop []byte) (string, string, bool) {
	raw := p.ocr[string(crop)]
	plate, ok := vision.NormalizePlate(raw)
	return raw, plate, ok
}

func (p *scriptedPipeline) LoadCrop(_ context.Context, key string) ([]byte, error) {
	data, ok := p.crops[key]
	if !ok {
		return nil, errors.New("no such crop")
	}
	return data, nil
}

type recordingPublisher struct {
	events []models.VehicleLogEvent
	err    error
}

func (r *recordingPublisher) PublishVehicleLog(_ context.Context, ev models.VehicleLogEvent) error {
	r.events = append(r.events, ev)
	return r.err
}

func detected(conf float64, plate string) *vision.Result {
	return &vision.Result{
		Detected:   true,
		Prediction: vision.Prediction{X: 100, Y: 100, Width: 40, Height: 20, Confidence: conf},
		CropKey:    "cropped_plates/plate_" + plate + ".jpg",
		OCRText:    plate,
		PlateText:  plate,
		HasPlate:   plate != "",
	}
}

func alarmRecord(id string, ms int64, url string) models.AlarmRecord {
	return models.AlarmRecord{AlarmID: models.FlexString(id), AlarmTime: ms, AlarmPicURL: url}
}

var cutoff = time.Date(2024, 12, 22, 0, 0, 0, 0, time.FixedZone("MYT", 8*3600))

const afterCutoff = int64(1766658257000)
