package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/M-Rafay/ocr-api/internal/ocr"
	"github.com/M-Rafay/ocr-api/internal/storage"
	"github.com/M-Rafay/ocr-api/internal/tracing"
	"github.com/M-Rafay/ocr-api/pkg/models"
)

// ImageRequest is a single-image OCR request. ImageBase64 wins when both
// sources are set.
type ImageRequest struct {
	UserID      string
	ImageBase64 string
	ImageURL    string
	Language    string
}

// ProcessImage extracts text from one image. Failures to obtain or
// recognize the image yield an empty result; the call is metered either way.
func (s *Service) ProcessImage(ctx context.Context, req ImageRequest) ([]models.TextBox, error) {
	ctx = context.WithoutCancel(ctx)
	span, ctx := tracing.StartSpan(ctx, "orchestrator.ProcessImage")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "user_id", req.UserID)

	if req.ImageBase64 == "" && req.ImageURL == "" {
		if _, err := s.ledger.Record(ctx, req.UserID, models.EndpointExtractText); err != nil {
			return nil, err
		}
		return nil, ErrNoImageSource
	}

	language := s.engines.Normalize(req.Language)
	results := []models.TextBox{}
	inputPath := ""

	data, err := s.resolveImage(ctx, req)
	if err != nil {
		s.collaboratorFailure(span, "fetch", language, err)
	} else {
		inputPath = s.persistInput(ctx, storage.InputKey(req.UserID, imageExt(data)), data)
		results, language = s.recognize(ctx, language, data)
	}

	job := &models.Job{
		UserID:    req.UserID,
		InputType: models.InputTypeImage,
		InputPath: inputPath,
		Language:  language,
	}
	if err := s.complete(ctx, job, models.EndpointExtractText, results); err != nil {
		return nil, err
	}

	return results, nil
}

func (s *Service) resolveImage(ctx context.Context, req ImageRequest) ([]byte, error) {
	if req.ImageBase64 != "" {
		data, err := decodeBase64(req.ImageBase64)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > s.maxImageBytes {
			return nil, fmt.Errorf("image exceeds %d bytes", s.maxImageBytes)
		}
		return data, nil
	}
	return s.fetchImage(ctx, req.ImageURL)
}

// decodeBase64 accepts plain base64 or a data URL, padded or not
func decodeBase64(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		comma := strings.IndexByte(encoded, ',')
		if comma < 0 {
			return nil, errors.New("malformed data URL")
		}
		encoded = encoded[comma+1:]
	}
	encoded = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, encoded)

	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		data, err := enc.DecodeString(encoded)
		if err == nil {
			if len(data) == 0 {
				return nil, errors.New("decoded image is empty")
			}
			return data, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to decode base64 image: %w", lastErr)
}

func (s *Service) fetchImage(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unsupported image url %q", rawURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build image request: %w", err)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("image url returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > s.maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", s.maxImageBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("image url returned an empty body")
	}

	return data, nil
}

func imageExt(data []byte) string {
	switch ocr.DetectFormat(data) {
	case "png":
		return ".png"
	case "jpeg":
		return ".jpg"
	case "gif":
		return ".gif"
	case "bmp":
		return ".bmp"
	case "tiff":
		return ".tiff"
	case "webp":
		return ".webp"
	default:
		return ".bin"
	}
}
