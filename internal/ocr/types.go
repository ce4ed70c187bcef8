// Package ocr manages the text recognition engines used by the API.
package ocr

import (
	"context"

	"github.com/M-Rafay/ocr-api/pkg/models"
)

// Engine recognizes text in a single encoded image
type Engine interface {
	Recognize(ctx context.Context, image []byte) ([]models.TextBox, error)
	Close() error
}

// Factory initializes an engine for a language code
type Factory func(language string) (Engine, error)
