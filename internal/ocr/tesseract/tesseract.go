// Package tesseract implements ocr.Engine on top of the gosseract client.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"

	"github.com/M-Rafay/ocr-api/internal/ocr"
	"github.com/M-Rafay/ocr-api/pkg/models"
	"github.com/otiai10/gosseract/v2"
)

// traineddata names per supported API language code
var languageCodes = map[string]string{
	"en": "eng",
	"ur": "urd",
	"ar": "ara",
}

// Engine wraps one tesseract client. The client is not safe for
// concurrent use, so calls are serialized.
type Engine struct {
	mu       sync.Mutex
	client   *gosseract.Client
	language string
}

// New initializes a client for language and verifies that its
// traineddata can be loaded.
func New(language, tessdataPrefix string) (*Engine, error) {
	code, ok := languageCodes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", language)
	}

	client := gosseract.NewClient()
	if tessdataPrefix != "" {
		client.SetTessdataPrefix(tessdataPrefix)
	}
	if err := client.SetLanguage(code); err != nil {
		client.Close()
		return nil, fmt.Errorf("set language: %w", err)
	}

	// Tesseract loads traineddata lazily; recognize a blank page now so a
	// missing language fails here rather than on the first request.
	if err := client.SetImageFromBytes(blankPage()); err != nil {
		client.Close()
		return nil, fmt.Errorf("set image: %w", err)
	}
	if _, err := client.Text(); err != nil {
		client.Close()
		return nil, fmt.Errorf("load %s traineddata: %w", code, err)
	}

	return &Engine{client: client, language: language}, nil
}

// Factory returns an ocr.Factory that builds tesseract engines
func Factory(tessdataPrefix string) ocr.Factory {
	return func(language string) (ocr.Engine, error) {
		return New(language, tessdataPrefix)
	}
}

// Recognize returns one box per recognized word
func (e *Engine) Recognize(ctx context.Context, image []byte) ([]models.TextBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}

	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}

	return toTextBoxes(boxes), nil
}

// Close releases the underlying client
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client.Close()
}

func toTextBoxes(boxes []gosseract.BoundingBox) []models.TextBox {
	out := make([]models.TextBox, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		out = append(out, models.TextBox{
			Text:       text,
			Confidence: clamp(b.Confidence / 100.0),
			BBox:       corners(b.Box),
		})
	}
	return out
}

// corners lists the rectangle's corners clockwise from top-left
func corners(r image.Rectangle) [][]float64 {
	return [][]float64{
		{float64(r.Min.X), float64(r.Min.Y)},
		{float64(r.Max.X), float64(r.Min.Y)},
		{float64(r.Max.X), float64(r.Max.Y)},
		{float64(r.Min.X), float64(r.Max.Y)},
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func blankPage() []byte {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = uint8(color.White.Y >> 8)
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
