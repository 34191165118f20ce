package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/google/uuid"

	"github.com/your-org/platelog/internal/observability"
)

const (
	StageImageDownload = "image_download"
	StageDetection     = "detection"
	StageCrop          = "crop"
	StageCropStore     = "crop_store"
	StageOCR           = "ocr"
)

// CropPrefix is the object key prefix for stored plate crops.
const CropPrefix = "cropped_plates/"

// ImageFetcher downloads a source image.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ObjectStore persists plate crops.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// StageError reports which fatal stage of the image pipeline failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Result is the outcome of running the image pipeline over one alarm picture.
// When Detected is false nothing past detection was attempted.
type Result struct {
	Detected   bool
	Prediction Prediction
	ImageHash  *int64

	CropKey  string
	CropRect image.Rectangle
	CropErr  error

	OCRText   string
	PlateText string
	HasPlate  bool
}

// Processor runs download, detection, crop, crop storage, OCR and
// normalisation for one image. ocr and store may be nil.
type Processor struct {
	fetcher  ImageFetcher
	detector Detector
	ocr      TextExtractor
	store    ObjectStore
}

func NewProcessor(fetcher ImageFetcher, detector Detector, ocr TextExtractor, store ObjectStore) *Processor {
	return &Processor{
		fetcher:  fetcher,
		detector: detector,
		ocr:      ocr,
		store:    store,
	}
}

// Process runs the pipeline over imageURL. Download and detection failures
// are returned as *StageError. Crop and OCR failures are recorded on the
// result and never fail the call.
func (p *Processor) Process(ctx context.Context, imageURL string) (*Result, error) {
	start := time.Now()
	data, err := p.fetcher.Fetch(ctx, imageURL)
	observability.StageDuration.WithLabelValues(StageImageDownload).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &StageError{Stage: StageImageDownload, Err: err}
	}

	res := &Result{}

	img, _, decodeErr := image.Decode(bytes.NewReader(data))
	if decodeErr == nil {
		if hash, err := goimagehash.PerceptionHash(img); err == nil {
			v := int64(hash.GetHash())
			res.ImageHash = &v
		}
	}

	start = time.Now()
	preds, err := p.detector.Detect(ctx, ImageInput{URL: imageURL, Data: data})
	observability.StageDuration.WithLabelValues(StageDetection).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &StageError{Stage: StageDetection, Err: err}
	}

	best, ok := BestPrediction(preds)
	if !ok || !best.Valid() {
		return res, nil
	}
	res.Detected = true
	res.Prediction = best

	var crop []byte
	if decodeErr != nil {
		res.CropErr = &CropError{Reason: "decode image", Err: decodeErr}
	} else {
		crop, res.CropRect, res.CropErr = cropImage(img, best)
	}
	if res.CropErr != nil {
		slog.Warn("crop plate", "url", imageURL, "error", res.CropErr)
		return res, nil
	}

	res.CropKey = p.StoreCrop(ctx, crop)
	res.OCRText, res.PlateText, res.HasPlate = p.ReadPlate(ctx, crop)
	return res, nil
}

// ReadPlate runs OCR over a plate crop and normalises the text. Failures
// are logged and yield no plate.
func (p *Processor) ReadPlate(ctx context.Context, crop []byte) (raw, plate string, ok bool) {
	if p.ocr == nil {
		return "", "", false
	}

	start := time.Now()
	raw, err := p.ocr.ExtractText(ctx, crop)
	observability.StageDuration.WithLabelValues(StageOCR).Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("extract plate text", "error", err)
		return "", "", false
	}

	plate, ok = NormalizePlate(raw)
	return raw, plate, ok
}

// LoadCrop fetches a previously stored crop.
func (p *Processor) LoadCrop(ctx context.Context, key string) ([]byte, error) {
	if p.store == nil {
		return nil, errors.New("no crop store configured")
	}
	return p.store.GetObject(ctx, key)
}

// StoreCrop saves a crop and returns its key, or "" when it was not stored.
func (p *Processor) StoreCrop(ctx context.Context, crop []byte) string {
	if p.store == nil {
		return ""
	}
	key := fmt.Sprintf("%splate_%s.jpg", CropPrefix, uuid.NewString())

	start := time.Now()
	err := p.store.PutObject(ctx, key, crop, "image/jpeg")
	observability.StageDuration.WithLabelValues(StageCropStore).Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("save plate crop", "key", key, "error", err)
		return ""
	}
	return key
}
