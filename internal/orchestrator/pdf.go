package orchestrator

import (
	"context"

	"github.com/M-Rafay/ocr-api/internal/metrics"
	"github.com/M-Rafay/ocr-api/internal/storage"
	"github.com/M-Rafay/ocr-api/internal/tracing"
	"github.com/M-Rafay/ocr-api/pkg/models"
)

// PDFRequest is an uploaded PDF document
type PDFRequest struct {
	UserID   string
	Filename string
	Data     []byte
	Language string
}

// ProcessPDF extracts text from every page, keyed 1..N. All pages use the
// same language. A document that cannot be rasterized has no pages.
func (s *Service) ProcessPDF(ctx context.Context, req PDFRequest) (models.Pages, error) {
	ctx = context.WithoutCancel(ctx)
	span, ctx := tracing.StartSpan(ctx, "orchestrator.ProcessPDF")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "user_id", req.UserID)

	if len(req.Data) == 0 {
		if _, err := s.ledger.Record(ctx, req.UserID, models.EndpointUploadPDF); err != nil {
			return nil, err
		}
		return nil, ErrEmptyUpload
	}

	language := s.engines.Normalize(req.Language)
	inputPath := s.persistInput(ctx, storage.InputKey(req.UserID, ".pdf"), req.Data)

	images, err := s.rasterize(ctx, req.Data)
	if err != nil {
		s.collaboratorFailure(span, "rasterize", language, err)
		images = nil
	}
	metrics.PDFPages.Observe(float64(len(images)))
	tracing.SetTag(span, "pages", len(images))

	pages := make(models.Pages, len(images))
	served := language
	for i, img := range images {
		pages[i+1], served = s.recognize(ctx, language, img)
	}

	job := &models.Job{
		UserID:    req.UserID,
		InputType: models.InputTypePDF,
		InputPath: inputPath,
		Language:  served,
	}
	if err := s.complete(ctx, job, models.EndpointUploadPDF, pages); err != nil {
		return nil, err
	}

	return pages, nil
}

func (s *Service) rasterize(ctx context.Context, document []byte) ([][]byte, error) {
	span, ctx := tracing.StartSpan(ctx, "pdf.rasterize")
	defer tracing.FinishSpan(span)

	images, err := s.rasterizer.Rasterize(ctx, document)
	if err != nil {
		tracing.LogError(span, err)
	}
	return images, err
}
