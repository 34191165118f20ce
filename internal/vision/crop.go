package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/webp"
)

const cropJPEGQuality = 95

// CropError reports a crop that could not be produced. It never aborts an
// alarm; the log is written without a cropped image.
type CropError struct {
	Reason string
	Err    error
}

func (e *CropError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crop plate: %s: %v", e.Reason, e.Err)
	}
	return "crop plate: " + e.Reason
}

func (e *CropError) Unwrap() error { return e.Err }

// CropRect converts a centre-based prediction into a pixel rectangle inside
// an imgW x imgH image. The origin is clamped to [0, dim-1] and the size is
// clamped so the rectangle ends inside the image.
func CropRect(p Prediction, imgW, imgH int) (image.Rectangle, error) {
	if imgW <= 0 || imgH <= 0 {
		return image.Rectangle{}, &CropError{Reason: "empty image"}
	}

	x := int(math.Round(p.X - p.Width/2))
	y := int(math.Round(p.Y - p.Height/2))
	w := int(math.Round(p.Width))
	h := int(math.Round(p.Height))

	x = clampInt(x, 0, imgW-1)
	y = clampInt(y, 0, imgH-1)
	w = clampInt(w, 0, imgW-x)
	h = clampInt(h, 0, imgH-y)

	if w == 0 || h == 0 {
		return image.Rectangle{}, &CropError{Reason: fmt.Sprintf("degenerate rectangle %dx%d", w, h)}
	}
	return image.Rect(x, y, x+w, y+h), nil
}

// CropPlate decodes src, cuts out the predicted plate and returns it as a
// quality-95 JPEG along with the rectangle used.
func CropPlate(src []byte, p Prediction) ([]byte, image.Rectangle, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, image.Rectangle{}, &CropError{Reason: "decode image", Err: err}
	}
	return cropImage(img, p)
}

func cropImage(img image.Image, p Prediction) ([]byte, image.Rectangle, error) {
	bounds := img.Bounds()
	rect, err := CropRect(p, bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, image.Rectangle{}, err
	}

	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), img, bounds.Min.Add(rect.Min), draw.Src)

	data, err := encodeJPEG(crop, cropJPEGQuality)
	if err != nil {
		return nil, image.Rectangle{}, &CropError{Reason: "encode jpeg", Err: err}
	}
	return data, rect, nil
}

// encodeJPEG encodes an image as JPEG with the given quality.
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
