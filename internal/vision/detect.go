package vision

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// Prediction is one detected plate. X and Y are the box centre in source
// image pixels. Confidence is on a 0-1 scale.
type Prediction struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class,omitempty"`

	Extras DetectionExtras `json:"-"`
}

// Valid reports whether the box has a usable size.
func (p Prediction) Valid() bool {
	return p.Width > 0 && p.Height > 0
}

// DetectionExtras carries optional fields from extended detector responses.
type DetectionExtras struct {
	Direction    string
	VehicleType  string
	VehicleColor string
}

// ImageInput is an image passed to a detector, by URL, by bytes, or both.
type ImageInput struct {
	URL  string
	Data []byte
}

// Detector finds plate candidates. An empty result with a nil error means
// no plate was found.
type Detector interface {
	Detect(ctx context.Context, in ImageInput) ([]Prediction, error)
}

// BestPrediction returns the highest-confidence prediction. Ties keep
// detector order.
func BestPrediction(preds []Prediction) (Prediction, bool) {
	if len(preds) == 0 {
		return Prediction{}, false
	}
	sorted := make([]Prediction, len(preds))
	copy(sorted, preds)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	return sorted[0], true
}

// normalizeConfidence maps detector scores onto 0-1. Values above 1 are
// treated as percentages.
func normalizeConfidence(c float64) float64 {
	if c > 1 {
		c /= 100
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// RateLimitedDetector spaces calls to the wrapped detector.
type RateLimitedDetector struct {
	next    Detector
	limiter *rate.Limiter
}

func NewRateLimitedDetector(next Detector, every time.Duration) *RateLimitedDetector {
	return &RateLimitedDetector{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (d *RateLimitedDetector) Detect(ctx context.Context, in ImageInput) ([]Prediction, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for detector slot: %w", err)
	}
	return d.next.Detect(ctx, in)
}
