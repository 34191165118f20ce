// Package alarmsync turns upstream camera alarms into stored alarms and
// vehicle logs.
package alarmsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/your-org/platelog/internal/ezviz"
	"github.com/your-org/platelog/internal/models"
	"github.com/your-org/platelog/internal/observability"
	"github.com/your-org/platelog/internal/storage"
	"github.com/your-org/platelog/internal/vision"
)

// Per-alarm stages, used as log attributes and metric labels.
const (
	StageFetched     = "fetched"
	StageFiltered    = "filtered"
	StageDuplicate   = "duplicate"
	StageStored      = "stored"
	StageNoImage     = "no_image"
	StageNoPlate     = "no_plate"
	StageLogCreated  = "log_created"
	StageDedupCheck  = "dedup_check"
	StageStore       = "store"
	StageLogCreate   = "log_create"
	StageError       = "error"
	StageDetectFail  = "detection_failed"
	StageDownloadErr = "download_failed"
)

type AlarmSource interface {
	ListAlarms(ctx context.Context, req ezviz.PageRequest) (*ezviz.AlarmPage, error)
}

type AlarmStore interface {
	AlarmExists(ctx context.Context, alarmID string) (bool, error)
	InsertAlarm(ctx context.Context, rec models.AlarmRecord) (*models.Alarm, error)
}

type VehicleLogStore interface {
	CreateVehicleLog(ctx context.Context, v *models.VehicleLog) error
}

type ImagePipeline interface {
	Process(ctx context.Context, imageURL string) (*vision.Result, error)
}

type EventPublisher interface {
	PublishVehicleLog(ctx context.Context, ev models.VehicleLogEvent) error
}

// Summary counts the outcome of one sync run.
type Summary struct {
	Stored      int `json:"stored"`
	Skipped     int `json:"skipped"`
	Filtered    int `json:"filtered"`
	Total       int `json:"total"`
	LogsCreated int `json:"logs_created"`
	NoImage     int `json:"no_image"`
	NoPlate     int `json:"no_plate"`
	Failed      int `json:"failed"`
	Pages       int `json:"pages"`
}

func (s Summary) LogAttrs() []any {
	return []any{
		"stored", s.Stored, "skipped", s.Skipped, "filtered", s.Filtered, "total", s.Total,
		"logs_created", s.LogsCreated, "no_image", s.NoImage, "no_plate", s.NoPlate, "failed", s.Failed,
		"pages", s.Pages,
	}
}

type Options struct {
	DeviceSerial string
	PageSize     int
	PageStart    int
	MaxPages     int
	// Alarms before Cutoff are filtered. Zero disables the filter.
	Cutoff time.Time
}

type Syncer struct {
	source    AlarmSource
	alarms    AlarmStore
	logs      VehicleLogStore
	pipeline  ImagePipeline
	publisher EventPublisher
	opts      Options
}

// NewSyncer wires a syncer. publisher may be nil.
func NewSyncer(source AlarmSource, alarms AlarmStore, logs VehicleLogStore, pipeline ImagePipeline, publisher EventPublisher, opts Options) *Syncer {
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	return &Syncer{
		source:    source,
		alarms:    alarms,
		logs:      logs,
		pipeline:  pipeline,
		publisher: publisher,
		opts:      opts,
	}
}

// Run fetches up to MaxPages pages and processes every alarm in them. A
// fetch failure aborts the run and returns the counts so far with the error.
// A failure on one alarm is counted and never stops the page.
func (s *Syncer) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	start := time.Now()
	pageStart := s.opts.PageStart

	for i := 0; i < s.opts.MaxPages; i++ {
		if err := ctx.Err(); err != nil {
			return s.finish(sum, start, err)
		}

		page, err := s.source.ListAlarms(ctx, ezviz.PageRequest{
			DeviceSerial: s.opts.DeviceSerial,
			PageSize:     s.opts.PageSize,
			PageStart:    pageStart,
		})
		if err != nil {
			return s.finish(sum, start, fmt.Errorf("fetch alarms: %w", err))
		}
		sum.Pages++

		for _, rec := range page.Alarms {
			if err := ctx.Err(); err != nil {
				return s.finish(sum, start, err)
			}
			sum.Total++
			s.processAlarm(ctx, rec, &sum)
		}

		if len(page.Alarms) < s.opts.PageSize {
			break
		}
		if page.Total >= 0 && (pageStart+1)*s.opts.PageSize >= page.Total {
			break
		}
		pageStart++
	}

	return s.finish(sum, start, nil)
}

func (s *Syncer) finish(sum Summary, start time.Time, err error) (Summary, error) {
	observability.StageDuration.WithLabelValues("sync_run").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.SyncRuns.WithLabelValues("failed").Inc()
		slog.Error("alarm sync failed", append(sum.LogAttrs(), "error", err)...)
		return sum, err
	}
	observability.SyncRuns.WithLabelValues("success").Inc()
	observability.LastSyncSuccess.SetToCurrentTime()
	slog.Info("alarms synced", sum.LogAttrs()...)
	return sum, nil
}

func (s *Syncer) processAlarm(ctx context.Context, rec models.AlarmRecord, sum *Summary) {
	alarmID := string(rec.AlarmID)
	log := slog.With("alarm_id", alarmID)

	if rec.AlarmTime == 0 || (!s.opts.Cutoff.IsZero() && rec.AlarmTime < s.opts.Cutoff.UnixMilli()) {
		sum.Filtered++
		observability.AlarmsProcessed.WithLabelValues(StageFiltered).Inc()
		return
	}

	if alarmID == "" {
		s.fail(log, sum, StageFetched, errors.New("alarm has no id"))
		return
	}

	exists, err := s.alarms.AlarmExists(ctx, alarmID)
	if err != nil {
		s.fail(log, sum, StageDedupCheck, err)
		return
	}
	if exists {
		sum.Skipped++
		observability.AlarmsProcessed.WithLabelValues(StageDuplicate).Inc()
		return
	}

	alarm, err := s.alarms.InsertAlarm(ctx, rec)
	if errors.Is(err, storage.ErrAlarmExists) {
		sum.Skipped++
		observability.AlarmsProcessed.WithLabelValues(StageDuplicate).Inc()
		return
	}
	if err != nil {
		s.fail(log, sum, StageStore, err)
		return
	}
	sum.Stored++
	log = log.With("id", alarm.ID)

	if alarm.PicURL == "" {
		sum.NoImage++
		observability.AlarmsProcessed.WithLabelValues(StageNoImage).Inc()
		return
	}

	res, err := s.pipeline.Process(ctx, alarm.PicURL)
	if err != nil {
		s.fail(log, sum, pipelineStage(err), err)
		return
	}
	if !res.Detected {
		sum.NoPlate++
		observability.AlarmsProcessed.WithLabelValues(StageNoPlate).Inc()
		log.Info("no plate detected", "url", alarm.PicURL)
		return
	}

	vl := BuildVehicleLog(alarm, res)
	if err := s.logs.CreateVehicleLog(ctx, vl); err != nil {
		s.fail(log, sum, StageLogCreate, err)
		return
	}
	sum.LogsCreated++
	observability.AlarmsProcessed.WithLabelValues(StageLogCreated).Inc()
	observability.VehicleLogsCreated.Inc()
	log.Info("vehicle log created", "vehicle_log_id", vl.ID, "plate_text", deref(vl.PlateText))

	s.publish(ctx, alarmID, vl)
}

func (s *Syncer) publish(ctx context.Context, alarmID string, vl *models.VehicleLog) {
	if s.publisher == nil {
		return
	}
	ev := models.VehicleLogEvent{Type: models.EventVehicleLogCreated, AlarmID: alarmID, VehicleLog: vl}
	if err := s.publisher.PublishVehicleLog(ctx, ev); err != nil {
		slog.Warn("publish vehicle log event", "alarm_id", alarmID, "error", err)
	}
}

func (s *Syncer) fail(log *slog.Logger, sum *Summary, stage string, err error) {
	sum.Failed++
	observability.AlarmsProcessed.WithLabelValues(StageError).Inc()
	log.Error("process alarm", "stage", stage, "error", err)
}

func pipelineStage(err error) string {
	var se *vision.StageError
	if errors.As(err, &se) {
		switch se.Stage {
		case vision.StageImageDownload:
			return StageDownloadErr
		case vision.StageDetection:
			return StageDetectFail
		}
		return se.Stage
	}
	return StageError
}

// BuildVehicleLog maps a pipeline result onto a new vehicle log for alarm.
func BuildVehicleLog(alarm *models.Alarm, res *vision.Result) *models.VehicleLog {
	ts := alarm.EventTime()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	alarmRowID := alarm.ID

	vl := &models.VehicleLog{
		AlarmID:   &alarmRowID,
		Timestamp: ts,
		ImagePath: alarm.PicURL,
	}
	applyResult(vl, res)
	return vl
}

// applyResult copies detection, crop and OCR output onto vl.
func applyResult(vl *models.VehicleLog, res *vision.Result) {
	p := res.Prediction
	conf := math.Round(p.Confidence*10000) / 100
	vl.Confidence = &conf
	vl.PlateCoords = &models.PlateCoords{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height}
	vl.Direction = models.ParseDirection(p.Extras.Direction)
	vl.VehicleType = optional(p.Extras.VehicleType)
	vl.VehicleColor = optional(p.Extras.VehicleColor)
	vl.ImageHash = res.ImageHash
	vl.CroppedImagePath = optional(res.CropKey)
	vl.OCRText = optional(res.OCRText)
	vl.PlateText = nil
	if res.HasPlate {
		vl.PlateText = optional(res.PlateText)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
