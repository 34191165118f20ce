package alarmsync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/your-org/platelog/internal/models"
	"github.com/your-org/platelog/internal/vision"
)

type MaintenanceStore interface {
	GetAlarm(ctx context.Context, id int64) (*models.Alarm, error)
	ListAlarmsForRescan(ctx context.Context, fromID int64, limit int) ([]models.Alarm, error)
	GetVehicleLogByAlarm(ctx context.Context, alarmID int64) (*models.VehicleLog, error)
	CreateVehicleLog(ctx context.Context, v *models.VehicleLog) error
	UpdateVehicleLog(ctx context.Context, v *models.VehicleLog) error
	ListVehicleLogsForReOCR(ctx context.Context, fromID int64, limit int, croppedOnly bool) ([]models.VehicleLog, error)
	UpdateVehicleLogOCR(ctx context.Context, id int64, ocrText, plateText, croppedPath *string) error
	ReferencedCrops(ctx context.Context, keys []string) (map[string]bool, error)
}

// PlatePipeline is the image pipeline plus the crop-level operations
// needed to re-read stored crops.
type PlatePipeline interface {
	ImagePipeline
	ReadPlate(ctx context.Context, crop []byte) (raw, plate string, ok bool)
	LoadCrop(ctx context.Context, key string) ([]byte, error)
}

type CropStore interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, key string) error
}

// Maintainer re-processes stored alarms and logs without fetching new alarms.
type Maintainer struct {
	store    MaintenanceStore
	pipeline PlatePipeline
	crops    CropStore
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewMaintainer wires a maintainer. crops may be nil when pruning is not used.
func NewMaintainer(store MaintenanceStore, pipeline PlatePipeline, crops CropStore) *Maintainer {
	return &Maintainer{store: store, pipeline: pipeline, crops: crops, sleep: sleepCtx}
}

type RescanOptions struct {
	FromID    int64
	Limit     int // 0 means all
	BatchSize int
	Delay     time.Duration
}

type RescanSummary struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Rescan re-runs the image pipeline over stored alarms that have a picture
// and creates or updates each alarm's vehicle log.
func (m *Maintainer) Rescan(ctx context.Context, opts RescanOptions) (RescanSummary, error) {
	var sum RescanSummary
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 100
	}
	next := opts.FromID

pages:
	for {
		alarms, err := m.store.ListAlarmsForRescan(ctx, next, batch)
		if err != nil {
			return sum, fmt.Errorf("list alarms: %w", err)
		}
		if len(alarms) == 0 {
			break
		}

		for i := range alarms {
			if opts.Limit > 0 && sum.Processed >= opts.Limit {
				break pages
			}
			if sum.Processed > 0 && opts.Delay > 0 {
				if err := m.sleep(ctx, opts.Delay); err != nil {
					return sum, err
				}
			}
			m.rescanAlarm(ctx, &alarms[i], &sum)
		}
		next = alarms[len(alarms)-1].ID + 1
	}

	slog.Info("rescan finished", "processed", sum.Processed, "created", sum.Created, "updated", sum.Updated,
		"skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

func (m *Maintainer) rescanAlarm(ctx context.Context, alarm *models.Alarm, sum *RescanSummary) {
	sum.Processed++
	log := slog.With("alarm_id", alarm.AlarmID, "id", alarm.ID)

	res, err := m.pipeline.Process(ctx, alarm.PicURL)
	if err != nil {
		sum.Failed++
		log.Error("rescan alarm", "stage", pipelineStage(err), "error", err)
		return
	}
	if !res.Detected {
		sum.Skipped++
		log.Info("rescan found no plate")
		return
	}

	existing, err := m.store.GetVehicleLogByAlarm(ctx, alarm.ID)
	if err != nil {
		sum.Failed++
		log.Error("rescan alarm", "stage", "lookup_log", "error", err)
		return
	}

	if existing == nil {
		vl := BuildVehicleLog(alarm, res)
		if err := m.store.CreateVehicleLog(ctx, vl); err != nil {
			sum.Failed++
			log.Error("rescan alarm", "stage", StageLogCreate, "error", err)
			return
		}
		sum.Created++
		return
	}

	mergeResult(existing, res)
	if err := m.store.UpdateVehicleLog(ctx, existing); err != nil {
		sum.Failed++
		log.Error("rescan alarm", "stage", "log_update", "error", err)
		return
	}
	sum.Updated++
}

// mergeResult refreshes an existing log from a new pass. Detection fields
// are replaced. Plate, OCR, crop and vehicle fields only change when the new
// pass produced a value, and direction only when the detector reported one.
func mergeResult(vl *models.VehicleLog, res *vision.Result) {
	p := res.Prediction
	conf := math.Round(p.Confidence*10000) / 100
	vl.Confidence = &conf
	vl.PlateCoords = &models.PlateCoords{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height}
	if res.ImageHash != nil {
		vl.ImageHash = res.ImageHash
	}
	if p.Extras.Direction != "" {
		vl.Direction = models.ParseDirection(p.Extras.Direction)
	}
	if p.Extras.VehicleType != "" {
		vl.VehicleType = optional(p.Extras.VehicleType)
	}
	if p.Extras.VehicleColor != "" {
		vl.VehicleColor = optional(p.Extras.VehicleColor)
	}
	if res.CropKey != "" {
		vl.CroppedImagePath = optional(res.CropKey)
	}
	if res.OCRText != "" {
		vl.OCRText = optional(res.OCRText)
	}
	if res.HasPlate && res.PlateText != "" {
		vl.PlateText = optional(res.PlateText)
	}
}

type ReOCROptions struct {
	FromID    int64
	Limit     int
	BatchSize int
	Delay     time.Duration
	// CroppedOnly restricts the pass to logs that already have a stored
	// crop. Otherwise logs without a crop go through the full pipeline.
	CroppedOnly bool
}

type ReOCRSummary struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ReOCR re-reads plate text for existing logs. Only ocr_text, plate_text
// and cropped_image_path are rewritten. A pass that reads no text leaves
// the log untouched.
func (m *Maintainer) ReOCR(ctx context.Context, opts ReOCROptions) (ReOCRSummary, error) {
	var sum ReOCRSummary
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 100
	}
	next := opts.FromID

pages:
	for {
		logs, err := m.store.ListVehicleLogsForReOCR(ctx, next, batch, opts.CroppedOnly)
		if err != nil {
			return sum, fmt.Errorf("list vehicle logs: %w", err)
		}
		if len(logs) == 0 {
			break
		}

		for i := range logs {
			if opts.Limit > 0 && sum.Processed >= opts.Limit {
				break pages
			}
			if sum.Processed > 0 && opts.Delay > 0 {
				if err := m.sleep(ctx, opts.Delay); err != nil {
					return sum, err
				}
			}
			m.reOCRLog(ctx, &logs[i], &sum)
		}
		next = logs[len(logs)-1].ID + 1
	}

	slog.Info("re-ocr finished", "processed", sum.Processed, "updated", sum.Updated,
		"skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

func (m *Maintainer) reOCRLog(ctx context.Context, vl *models.VehicleLog, sum *ReOCRSummary) {
	sum.Processed++
	log := slog.With("vehicle_log_id", vl.ID)

	cropKey := deref(vl.CroppedImagePath)
	var crop []byte
	if cropKey != "" {
		data, err := m.pipeline.LoadCrop(ctx, cropKey)
		if err != nil {
			log.Warn("load stored crop", "key", cropKey, "error", err)
		} else {
			crop = data
		}
	}

	var raw, plate string
	var ok bool
	if crop != nil {
		raw, plate, ok = m.pipeline.ReadPlate(ctx, crop)
	} else {
		res, err := m.fullPipeline(ctx, vl)
		if err != nil {
			sum.Failed++
			log.Error("re-ocr log", "stage", pipelineStage(err), "error", err)
			return
		}
		if res == nil || res.CropKey == "" {
			sum.Skipped++
			return
		}
		cropKey = res.CropKey
		raw, plate, ok = res.OCRText, res.PlateText, res.HasPlate
	}

	if raw == "" && !ok {
		sum.Skipped++
		return
	}

	// Unreadable text keeps the stored plate.
	platePtr := vl.PlateText
	if ok {
		platePtr = &plate
	}
	if err := m.store.UpdateVehicleLogOCR(ctx, vl.ID, optional(raw), platePtr, optional(cropKey)); err != nil {
		sum.Failed++
		log.Error("re-ocr log", "stage", "log_update", "error", err)
		return
	}
	sum.Updated++
	log.Info("re-ocr updated", "plate_text", plate)
}

// fullPipeline re-runs download, detection and crop for a log without a
// usable crop. A nil result means there is nothing to read.
func (m *Maintainer) fullPipeline(ctx context.Context, vl *models.VehicleLog) (*vision.Result, error) {
	url := vl.ImagePath
	if url == "" && vl.AlarmID != nil {
		alarm, err := m.store.GetAlarm(ctx, *vl.AlarmID)
		if err != nil {
			return nil, err
		}
		if alarm != nil {
			url = alarm.PicURL
		}
	}
	if url == "" {
		return nil, nil
	}

	res, err := m.pipeline.Process(ctx, url)
	if err != nil {
		return nil, err
	}
	if !res.Detected {
		return nil, nil
	}
	return res, nil
}

type PruneSummary struct {
	Scanned  int `json:"scanned"`
	Orphaned int `json:"orphaned"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

// PruneCrops deletes stored crops no vehicle log references. With dryRun
// set nothing is deleted.
func (m *Maintainer) PruneCrops(ctx context.Context, dryRun bool) (PruneSummary, error) {
	var sum PruneSummary
	if m.crops == nil {
		return sum, fmt.Errorf("no crop store configured")
	}

	keys, err := m.crops.ListObjects(ctx, vision.CropPrefix)
	if err != nil {
		return sum, fmt.Errorf("list crops: %w", err)
	}
	sum.Scanned = len(keys)

	const chunk = 500
	for start := 0; start < len(keys); start += chunk {
		end := min(start+chunk, len(keys))
		refs, err := m.store.ReferencedCrops(ctx, keys[start:end])
		if err != nil {
			return sum, fmt.Errorf("check crop references: %w", err)
		}
		for _, key := range keys[start:end] {
			if refs[key] {
				continue
			}
			sum.Orphaned++
			if dryRun {
				continue
			}
			if err := m.crops.DeleteObject(ctx, key); err != nil {
				sum.Failed++
				slog.Warn("delete orphaned crop", "key", key, "error", err)
				continue
			}
			sum.Deleted++
		}
	}

	slog.Info("crop prune finished", "scanned", sum.Scanned, "orphaned", sum.Orphaned,
		"deleted", sum.Deleted, "failed", sum.Failed, "dry_run", dryRun)
	return sum, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
