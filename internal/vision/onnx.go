package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// yoloBox is an intermediate detection in corner form: x1, y1, x2, y2.
type yoloBox struct {
	BBox       [4]float32
	Confidence float32
}

// ONNXDetector runs a single-class YOLO plate model locally.
// Output layout is [1, 5, N]: cx, cy, w, h, score.
type ONNXDetector struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	threshold    float32
	inputW       int
	inputH       int
	anchors      int
}

const (
	yoloInputSize = 640
	nmsIoU        = 0.45
)

// NewONNXDetector loads the plate model. The ONNX runtime environment must
// already be initialised. opts may be nil.
func NewONNXDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*ONNXDetector, error) {
	inputW, inputH := yoloInputSize, yoloInputSize
	// 8400 = 80*80 + 40*40 + 20*20
	anchors := (inputW/8)*(inputH/8) + (inputW/16)*(inputH/16) + (inputW/32)*(inputH/32)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(inputH), int64(inputW)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 5, int64(anchors)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &ONNXDetector{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		threshold:    threshold,
		inputW:       inputW,
		inputH:       inputH,
		anchors:      anchors,
	}, nil
}

// Detect decodes in.Data and runs the model. URL-only input is not supported.
func (d *ONNXDetector) Detect(ctx context.Context, in ImageInput) ([]Prediction, error) {
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("onnx detector requires image bytes")
	}
	img, _, err := image.Decode(bytes.NewReader(in.Data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	input := imageToFloat32CHW(img, d.inputW, d.inputH)

	d.mu.Lock()
	copy(d.inputTensor.GetData(), input)
	err = d.session.Run()
	var output []float32
	if err == nil {
		output = append(output, d.outputTensor.GetData()...)
	}
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	boxes := decodeYOLO(output, d.anchors, d.threshold, bounds.Dx(), bounds.Dy(), d.inputW, d.inputH)
	boxes = nms(boxes, nmsIoU)

	preds := make([]Prediction, 0, len(boxes))
	for _, b := range boxes {
		w := b.BBox[2] - b.BBox[0]
		h := b.BBox[3] - b.BBox[1]
		preds = append(preds, Prediction{
			X:          float64(b.BBox[0] + w/2),
			Y:          float64(b.BBox[1] + h/2),
			Width:      float64(w),
			Height:     float64(h),
			Confidence: float64(b.Confidence),
			Class:      "plate",
		})
	}
	return preds, nil
}

func (d *ONNXDetector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
	}
}

// decodeYOLO reads a channel-major [5, anchors] output and scales boxes
// from model input space back to the source image.
func decodeYOLO(out []float32, anchors int, threshold float32, origW, origH, inputW, inputH int) []yoloBox {
	if len(out) < 5*anchors {
		return nil
	}
	scaleW := float32(origW) / float32(inputW)
	scaleH := float32(origH) / float32(inputH)

	var boxes []yoloBox
	for i := 0; i < anchors; i++ {
		score := out[4*anchors+i]
		if score < threshold {
			continue
		}
		cx := out[i] * scaleW
		cy := out[anchors+i] * scaleH
		w := out[2*anchors+i] * scaleW
		h := out[3*anchors+i] * scaleH

		boxes = append(boxes, yoloBox{
			BBox: [4]float32{
				clampF(cx-w/2, 0, float32(origW)),
				clampF(cy-h/2, 0, float32(origH)),
				clampF(cx+w/2, 0, float32(origW)),
				clampF(cy+h/2, 0, float32(origH)),
			},
			Confidence: score,
		})
	}
	return boxes
}

// nms performs Non-Maximum Suppression on detections.
func nms(boxes []yoloBox, iouThreshold float32) []yoloBox {
	if len(boxes) == 0 {
		return boxes
	}

	sort.Slice(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	keep := make([]bool, len(boxes))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(boxes); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(boxes); j++ {
			if keep[j] && iou(boxes[i].BBox, boxes[j].BBox) > iouThreshold {
				keep[j] = false
			}
		}
	}

	var result []yoloBox
	for i, b := range boxes {
		if keep[i] {
			result = append(result, b)
		}
	}
	return result
}

func iou(a, b [4]float32) float32 {
	x1 := float32(math.Max(float64(a[0]), float64(b[0])))
	y1 := float32(math.Max(float64(a[1]), float64(b[1])))
	x2 := float32(math.Min(float64(a[2]), float64(b[2])))
	y2 := float32(math.Min(float64(a[3]), float64(b[3])))

	intersection := float32(math.Max(0, float64(x2-x1))) * float32(math.Max(0, float64(y2-y1)))

	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}

func clampF(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// imageToFloat32CHW resizes img and lays it out as CHW RGB scaled to 0-1.
func imageToFloat32CHW(img image.Image, targetW, targetH int) []float32 {
	resized := resizeImage(img, targetW, targetH)
	bounds := resized.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	data := make([]float32, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := resized.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			idx := y*w + x
			data[idx] = float32(r>>8) / 255
			data[h*w+idx] = float32(g>>8) / 255
			data[2*h*w+idx] = float32(b>>8) / 255
		}
	}
	return data
}

// resizeImage performs nearest-neighbour resize (fast, good enough for ML input).
func resizeImage(img image.Image, targetW, targetH int) image.Image {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*srcW/targetW
			srcY := bounds.Min.Y + y*srcH/targetH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}
