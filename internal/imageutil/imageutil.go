// Package imageutil prepares page bitmaps for the vision model.
package imageutil

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// DefaultMaxPixels matches the native budget of common OCR vision models.
const DefaultMaxPixels = 1003520

// ScaleFactor returns the downscale factor that fits w*h within maxPixels.
// It never exceeds 1.
func ScaleFactor(width, height, maxPixels int) float64 {
	total := width * height
	if maxPixels <= 0 || total <= maxPixels {
		return 1.0
	}
	return math.Sqrt(float64(maxPixels) / float64(total))
}

// Fit downscales img with a Lanczos filter so its area is at most maxPixels.
// Images already within budget are returned unchanged.
func Fit(img image.Image, maxPixels int) image.Image {
	b := img.Bounds()
	factor := ScaleFactor(b.Dx(), b.Dy(), maxPixels)
	if factor >= 1.0 {
		return img
	}
	w := max(1, int(float64(b.Dx())*factor))
	h := max(1, int(float64(b.Dy())*factor))
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// EncodeJPEG flattens transparency onto white and encodes img as JPEG.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	b := img.Bounds()
	flat := imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.White), img, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Prepare decodes data, fits it within maxPixels and re-encodes it as JPEG.
// When the image is already a JPEG within budget the input is returned as is.
func Prepare(data []byte, maxPixels, quality int) ([]byte, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if format == "jpeg" && ScaleFactor(cfg.Width, cfg.Height, maxPixels) >= 1.0 {
		return data, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return EncodeJPEG(Fit(img, maxPixels), quality)
}

// DataURI wraps JPEG bytes as a base64 data URI.
func DataURI(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}
