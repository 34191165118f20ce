package vision

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/your-org/platelog/internal/config"
)

const (
	ModeURL    = "url"
	ModeUpload = "upload"
)

// RoboflowDetector calls a hosted Roboflow-compatible detection model.
type RoboflowDetector struct {
	client   *http.Client
	modelURL string
	apiKey   string
	mode     string
}

func NewRoboflowDetector(cfg config.DetectorConfig) (*RoboflowDetector, error) {
	if cfg.ModelURL == "" {
		return nil, fmt.Errorf("roboflow model url is required")
	}
	if cfg.Mode != ModeURL && cfg.Mode != ModeUpload {
		return nil, fmt.Errorf("unknown detector mode %q", cfg.Mode)
	}
	return &RoboflowDetector{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify()},
			},
		},
		modelURL: cfg.ModelURL,
		apiKey:   cfg.APIKey,
		mode:     cfg.Mode,
	}, nil
}

// HTTPClient exposes the underlying client so tests can mock transport.
func (d *RoboflowDetector) HTTPClient() *http.Client { return d.client }

type roboflowResponse struct {
	Predictions json.RawMessage `json:"predictions"`
	Direction   string          `json:"direction"`
	Vehicle     struct {
		Type  string `json:"type"`
		Color string `json:"color"`
	} `json:"vehicle"`
}

type roboflowPrediction struct {
	X          *float64 `json:"x"`
	Y          *float64 `json:"y"`
	Width      *float64 `json:"width"`
	Height     *float64 `json:"height"`
	Confidence float64  `json:"confidence"`
	Class      string   `json:"class"`
}

func (d *RoboflowDetector) Detect(ctx context.Context, in ImageInput) ([]Prediction, error) {
	req, err := d.buildRequest(ctx, in)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("roboflow request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read roboflow response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("roboflow returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	return parseRoboflow(body), nil
}

func (d *RoboflowDetector) buildRequest(ctx context.Context, in ImageInput) (*http.Request, error) {
	q := url.Values{}
	q.Set("api_key", d.apiKey)

	switch d.mode {
	case ModeUpload:
		if len(in.Data) == 0 {
			return nil, fmt.Errorf("upload mode requires image bytes")
		}
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "image.jpg")
		if err != nil {
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(in.Data); err != nil {
			return nil, fmt.Errorf("write form file: %w", err)
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("close multipart: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.modelURL+"?"+q.Encode(), &buf)
		if err != nil {
			return nil, fmt.Errorf("create roboflow request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	default:
		if in.URL == "" {
			return nil, fmt.Errorf("url mode requires an image url")
		}
		q.Set("image", in.URL)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.modelURL+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("create roboflow request: %w", err)
		}
		return req, nil
	}
}

// parseRoboflow decodes a detection response. Malformed or missing
// predictions yield an empty result.
func parseRoboflow(body []byte) []Prediction {
	var resp roboflowResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		slog.Warn("malformed detector response", "error", err)
		return nil
	}

	var raw []roboflowPrediction
	if err := json.Unmarshal(resp.Predictions, &raw); err != nil {
		return nil
	}

	extras := DetectionExtras{
		Direction:    resp.Direction,
		VehicleType:  resp.Vehicle.Type,
		VehicleColor: resp.Vehicle.Color,
	}

	preds := make([]Prediction, 0, len(raw))
	for _, r := range raw {
		if r.X == nil || r.Y == nil || r.Width == nil || r.Height == nil {
			continue
		}
		preds = append(preds, Prediction{
			X:          *r.X,
			Y:          *r.Y,
			Width:      *r.Width,
			Height:     *r.Height,
			Confidence: normalizeConfidence(r.Confidence),
			Class:      r.Class,
			Extras:     extras,
		})
	}
	return preds
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
