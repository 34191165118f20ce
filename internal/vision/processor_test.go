package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"net/http"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/platelog/internal/config"
)

func decodeTestPNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

type fakeFetcher struct {
	data map[string][]byte
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[url], nil
}

type fakeDetector struct {
	preds []Prediction
	err   error
	seen  []ImageInput
}

func (d *fakeDetector) Detect(_ context.Context, in ImageInput) ([]Prediction, error) {
	d.seen = append(d.seen, in)
	return d.preds, d.err
}

type fakeOCR struct {
	text string
	err  error
}

func (o *fakeOCR) ExtractText(context.Context, []byte) (string, error) { return o.text, o.err }

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (s *memStore) PutObject(_ context.Context, key string, data []byte, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[key] = data
	return nil
}

func (s *memStore) GetObject(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

const srcURL = "https://img.test/alarm.jpg"

func TestProcessor_FullPipeline(t *testing.T) {
	src := testPNG(t, 200, 200)
	det := &fakeDetector{preds: []Prediction{
		{X: 10, Y: 10, Width: 4, Height: 4, Confidence: 0.3},
		{X: 100, Y: 100, Width: 40, Height: 20, Confidence: 0.8},
	}}
	store := &memStore{}
	p := NewProcessor(&fakeFetcher{data: map[string][]byte{srcURL: src}}, det, &fakeOCR{text: "PRV 8425\nPRV"}, store)

	res, err := p.Process(context.Background(), srcURL)
	require.NoError(t, err)

	assert.True(t, res.Detected)
	assert.Equal(t, 0.8, res.Prediction.Confidence)
	assert.NotNil(t, res.ImageHash)
	assert.Equal(t, image.Rect(80, 90, 120, 110), res.CropRect)
	assert.NoError(t, res.CropErr)
	assert.Regexp(t, `^cropped_plates/plate_[0-9a-f-]{36}\.jpg$`, res.CropKey)
	assert.Contains(t, store.objects, res.CropKey)
	assert.Equal(t, "PRV 8425\nPRV", res.OCRText)
	assert.Equal(t, "PRV8425", res.PlateText)
	assert.True(t, res.HasPlate)

	require.Len(t, det.seen, 1)
	assert.Equal(t, srcURL, det.seen[0].URL)
	assert.Equal(t, src, det.seen[0].Data)
}

func TestProcessor_NoDetection(t *testing.T) {
	p := NewProcessor(&fakeFetcher{data: map[string][]byte{srcURL: testPNG(t, 10, 10)}}, &fakeDetector{}, &fakeOCR{text: "X"}, &memStore{})

	res, err := p.Process(context.Background(), srcURL)
	require.NoError(t, err)
	assert.False(t, res.Detected)
	assert.Empty(t, res.CropKey)
}

func TestProcessor_InvalidBoxIsNoDetection(t *testing.T) {
	det := &fakeDetector{preds: []Prediction{{X: 5, Y: 5, Width: 0, Height: 3, Confidence: 0.9}}}
	p := NewProcessor(&fakeFetcher{data: map[string][]byte{srcURL: testPNG(t, 10, 10)}}, det, nil, nil)

	res, err := p.Process(context.Background(), srcURL)
	require.NoError(t, err)
	assert.False(t, res.Detected)
}

func TestProcessor_StageErrors(t *testing.T) {
	t.Run("download", func(t *testing.T) {
		p := NewProcessor(&fakeFetcher{err: errors.New("status 404")}, &fakeDetector{}, nil, nil)
		_, err := p.Process(context.Background(), srcURL)
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageImageDownload, se.Stage)
	})

	t.Run("detection", func(t *testing.T) {
		p := NewProcessor(&fakeFetcher{data: map[string][]byte{srcURL: testPNG(t, 10, 10)}}, &fakeDetector{err: errors.New("503")}, nil, nil)
		_, err := p.Process(context.Background(), srcURL)
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageDetection, se.Stage)
	})
}

func TestProcessor_CropFailureKeepsDetection(t *testing.T) {
	det := &fakeDetector{preds: []Prediction{{X: 5, Y: 5, Width: 4, Height: 4, Confidence: 0.7}}}
	store := &memStore{}
	p := NewProcessor(&fakeFetcher{data: map[string][]byte{srcURL: []byte("corrupt")}}, det, &fakeOCR{text: "ABC123"}, store)

	res, err := p.Process(context.Background(), srcURL)
	require.NoError(t, err)
	assert.True(t, res.Detected)
	assert.Nil(t, res.ImageHash)

	var ce *CropError
	require.ErrorAs(t, res.CropErr, &ce)
	assert.Empty(t, res.CropKey)
	assert.False(t, res.HasPlate, "no OCR without a crop")
	assert.Empty(t, store.objects)
}

func TestProcessor_OCRFailureAndStoreFailureDegrade(t *testing.T) {
	det := &fakeDetector{preds: []Prediction{{X: 5, Y: 5, Width: 4, Height: 4, Confidence: 0.7}}}
	p := NewProcessor(&fakeFetcher{data: map[string][]byte{srcURL: testPNG(t, 10, 10)}}, det,
		&fakeOCR{err: errors.New("timeout")}, &memStore{err: errors.New("bucket gone")})

	res, err := p.Process(context.Background(), srcURL)
	require.NoError(t, err)
	assert.True(t, res.Detected)
	assert.Empty(t, res.CropKey)
	assert.False(t, res.HasPlate)
	assert.Empty(t, res.OCRText)
}

func TestProcessor_LoadCrop(t *testing.T) {
	store := &memStore{objects: map[string][]byte{"cropped_plates/plate_1.jpg": []byte("jpg")}}
	p := NewProcessor(nil, nil, nil, store)

	data, err := p.LoadCrop(context.Background(), "cropped_plates/plate_1.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpg"), data)

	_, err = NewProcessor(nil, nil, nil, nil).LoadCrop(context.Background(), "x")
	assert.Error(t, err)
}

func TestHTTPTextExtractor(t *testing.T) {
	const ocrURL = "http://ocr.test/ocr"

	t.Run("json", func(t *testing.T) {
		e := NewHTTPTextExtractor(ocrURL, 5*time.Second)
		mt := httpmock.NewMockTransport()
		e.HTTPClient().Transport = mt
		mt.RegisterResponder(http.MethodPost, ocrURL, func(req *http.Request) (*http.Response, error) {
			_, _, err := req.FormFile("file")
			require.NoError(t, err)
			return httpmock.NewJsonResponse(200, map[string]string{"text": " NDC 4073 \n"})
		})

		text, err := e.ExtractText(context.Background(), []byte("img"))
		require.NoError(t, err)
		assert.Equal(t, "NDC 4073", text)
	})

	t.Run("plain", func(t *testing.T) {
		e := NewHTTPTextExtractor(ocrURL, 5*time.Second)
		mt := httpmock.NewMockTransport()
		e.HTTPClient().Transport = mt
		mt.RegisterResponder(http.MethodPost, ocrURL, httpmock.NewStringResponder(200, "PRV 8425"))

		text, err := e.ExtractText(context.Background(), []byte("img"))
		require.NoError(t, err)
		assert.Equal(t, "PRV 8425", text)
	})

	t.Run("error status", func(t *testing.T) {
		e := NewHTTPTextExtractor(ocrURL, 5*time.Second)
		mt := httpmock.NewMockTransport()
		e.HTTPClient().Transport = mt
		mt.RegisterResponder(http.MethodPost, ocrURL, httpmock.NewStringResponder(500, "boom"))

		_, err := e.ExtractText(context.Background(), []byte("img"))
		assert.Error(t, err)
	})
}

func TestCommandTextExtractor(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	e := NewCommandTextExtractor([]string{"sh", "-c", `test -s "$1" && echo "PRV 8425"`, "ocr"}, 5*time.Second)
	text, err := e.ExtractText(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "PRV 8425", text)

	failing := NewCommandTextExtractor([]string{"sh", "-c", "exit 3"}, 5*time.Second)
	_, err = failing.ExtractText(context.Background(), []byte("img"))
	assert.Error(t, err)
}

func TestNewTextExtractor(t *testing.T) {
	ext, err := NewTextExtractor(config.OCRConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, ext)

	ext, err = NewTextExtractor(config.OCRConfig{Provider: "http", URL: "http://ocr"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPTextExtractor{}, ext)

	ext, err = NewTextExtractor(config.OCRConfig{Provider: "command", Command: []string{"ocr"}})
	require.NoError(t, err)
	assert.IsType(t, &CommandTextExtractor{}, ext)

	_, err = NewTextExtractor(config.OCRConfig{Provider: "http"})
	assert.Error(t, err)
	_, err = NewTextExtractor(config.OCRConfig{Provider: "tesseract"})
	assert.Error(t, err)
}
