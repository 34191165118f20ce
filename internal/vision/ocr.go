package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/your-org/platelog/internal/config"
)

// TextExtractor reads text from a cropped plate image. An empty string with
// a nil error means the engine found nothing.
type TextExtractor interface {
	ExtractText(ctx context.Context, img []byte) (string, error)
}

// NewTextExtractor builds the extractor selected by cfg.Provider. It returns
// nil for "none".
func NewTextExtractor(cfg config.OCRConfig) (TextExtractor, error) {
	switch cfg.Provider {
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("ocr url is required for http provider")
		}
		return NewHTTPTextExtractor(cfg.URL, cfg.Timeout), nil
	case "command":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("ocr command is required for command provider")
		}
		return NewCommandTextExtractor(cfg.Command, cfg.Timeout), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown ocr provider %q", cfg.Provider)
	}
}

// HTTPTextExtractor posts the image to an OCR service as multipart "file".
// The service may answer with {"text": "..."} or plain text.
type HTTPTextExtractor struct {
	client *http.Client
	url    string
}

func NewHTTPTextExtractor(url string, timeout time.Duration) *HTTPTextExtractor {
	return &HTTPTextExtractor{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

// HTTPClient exposes the underlying client so tests can mock transport.
func (e *HTTPTextExtractor) HTTPClient() *http.Client { return e.client }

func (e *HTTPTextExtractor) ExtractText(ctx context.Context, img []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "plate.jpg")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, &buf)
	if err != nil {
		return "", fmt.Errorf("create ocr request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read ocr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ocr returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var result struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return "", fmt.Errorf("decode ocr response: %w", err)
		}
		return strings.TrimSpace(result.Text), nil
	}
	return strings.TrimSpace(string(body)), nil
}

// CommandTextExtractor runs a local OCR program with the image path as its
// last argument and reads the text from stdout.
type CommandTextExtractor struct {
	argv    []string
	timeout time.Duration
}

func NewCommandTextExtractor(argv []string, timeout time.Duration) *CommandTextExtractor {
	return &CommandTextExtractor{argv: argv, timeout: timeout}
}

func (e *CommandTextExtractor) ExtractText(ctx context.Context, img []byte) (string, error) {
	f, err := os.CreateTemp("", "plate-*.jpg")
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(img); err != nil {
		f.Close()
		return "", fmt.Errorf("write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close temp image: %w", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := append(append([]string{}, e.argv[1:]...), f.Name())
	cmd := exec.CommandContext(ctx, e.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("run ocr command: %w: %s", err, truncate(stderr.Bytes(), 200))
	}
	return strings.TrimSpace(stdout.String()), nil
}
