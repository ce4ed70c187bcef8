// Package orchestrator runs admitted OCR requests: it drives the OCR and
// rasterizer collaborators, meters the call in the usage ledger and
// persists the resulting job.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/M-Rafay/ocr-api/internal/database"
	"github.com/M-Rafay/ocr-api/internal/logging"
	"github.com/M-Rafay/ocr-api/internal/metrics"
	"github.com/M-Rafay/ocr-api/internal/ocr"
	"github.com/M-Rafay/ocr-api/internal/tracing"
	"github.com/M-Rafay/ocr-api/pkg/models"
	"github.com/opentracing/opentracing-go"
)

// UsageRecorder appends usage events
type UsageRecorder interface {
	Record(ctx context.Context, userID, endpoint string) (*models.UsageEvent, error)
}

// Repository persists users and jobs
type Repository interface {
	GetOrCreateUser(ctx context.Context, userID string) (*models.User, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	IncrementAPICalls(ctx context.Context, userID string) error
	CreateJob(ctx context.Context, job *models.Job) error
	GetJobsByUserID(ctx context.Context, userID string) ([]*models.Job, error)
}

// EngineProvider hands out OCR engines by language
type EngineProvider interface {
	Normalize(language string) string
	Get(language string) (ocr.Engine, string, error)
}

// Rasterizer renders a PDF to page images in page order
type Rasterizer interface {
	Rasterize(ctx context.Context, document []byte) ([][]byte, error)
}

// ObjectStore keeps a copy of every input
type ObjectStore interface {
	Put(ctx context.Context, objectName string, data []byte) error
	Delete(ctx context.Context, objectName string) error
}

// HistoryCache caches per-user job history
type HistoryCache interface {
	GetHistory(ctx context.Context, userID string) ([]*models.Job, error)
	SetHistory(ctx context.Context, userID string, jobs []*models.Job) error
	InvalidateHistory(ctx context.Context, userID string) error
}

// EventPublisher announces persisted jobs
type EventPublisher interface {
	PublishJobCompleted(ctx context.Context, job *models.Job) error
}

// Options configures a Service. Store, Cache and Events are optional.
type Options struct {
	Ledger     UsageRecorder
	Repo       Repository
	Engines    EngineProvider
	Rasterizer Rasterizer
	Store      ObjectStore
	Cache      HistoryCache
	Events     EventPublisher
	Logger     *logging.Logger

	FetchTimeout  time.Duration
	MaxImageBytes int64
}

// Service coordinates the work behind each metered endpoint
type Service struct {
	ledger     UsageRecorder
	repo       Repository
	engines    EngineProvider
	rasterizer Rasterizer
	store      ObjectStore
	cache      HistoryCache
	events     EventPublisher
	logger     *logging.Logger

	httpClient    *http.Client
	maxImageBytes int64
}

// NewService creates a new orchestrator
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := opts.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}

	return &Service{
		ledger:        opts.Ledger,
		repo:          opts.Repo,
		engines:       opts.Engines,
		rasterizer:    opts.Rasterizer,
		store:         opts.Store,
		cache:         opts.Cache,
		events:        opts.Events,
		logger:        logger,
		httpClient:    &http.Client{Timeout: timeout},
		maxImageBytes: maxBytes,
	}
}

// RecordAttempt meters an admitted request that failed input validation
// before any work could start.
func (s *Service) RecordAttempt(ctx context.Context, userID, endpoint string) error {
	_, err := s.ledger.Record(context.WithoutCancel(ctx), userID, endpoint)
	return err
}

// GetHistory lists the user's jobs, newest first. Unknown users have an
// empty history. The read itself is metered.
func (s *Service) GetHistory(ctx context.Context, userID string) ([]*models.Job, error) {
	ctx = context.WithoutCancel(ctx)
	span, ctx := tracing.StartSpan(ctx, "orchestrator.GetHistory")
	defer tracing.FinishSpan(span)

	jobs, err := s.loadHistory(ctx, userID)
	if err != nil {
		tracing.LogError(span, err)
		return nil, err
	}

	if _, err := s.ledger.Record(ctx, userID, models.EndpointHistory); err != nil {
		tracing.LogError(span, err)
		return nil, err
	}

	return jobs, nil
}

func (s *Service) loadHistory(ctx context.Context, userID string) ([]*models.Job, error) {
	if s.cache != nil {
		jobs, err := s.cache.GetHistory(ctx, userID)
		if err != nil {
			s.logger.WithUserID(userID).WarnWithErr("History cache read failed", err)
		} else if jobs != nil {
			return jobs, nil
		}
	}

	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return []*models.Job{}, nil
		}
		return nil, err
	}

	jobs, err := s.repo.GetJobsByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	if s.cache != nil {
		if err := s.cache.SetHistory(ctx, userID, jobs); err != nil {
			s.logger.WithUserID(userID).WarnWithErr("History cache write failed", err)
		}
	}

	return jobs, nil
}

// complete meters the call, maintains the user record and persists the
// job, in that order.
func (s *Service) complete(ctx context.Context, job *models.Job, endpoint string, result interface{}) error {
	span, ctx := tracing.StartSpan(ctx, "orchestrator.complete")
	defer tracing.FinishSpan(span)

	if _, err := s.ledger.Record(ctx, job.UserID, endpoint); err != nil {
		tracing.LogError(span, err)
		return err
	}

	if _, err := s.repo.GetOrCreateUser(ctx, job.UserID); err != nil {
		tracing.LogError(span, err)
		return err
	}
	if err := s.repo.IncrementAPICalls(ctx, job.UserID); err != nil {
		tracing.LogError(span, err)
		return err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	job.Result = raw

	if err := s.repo.CreateJob(ctx, job); err != nil {
		tracing.LogError(span, err)
		s.discardInput(ctx, job.InputPath)
		return err
	}
	metrics.RecordJobCreated(job.InputType)

	s.logger.WithUserID(job.UserID).LogJobEvent(job.ID, models.JobEventCompleted, job.InputType, map[string]interface{}{
		"language":   job.Language,
		"input_path": job.InputPath,
	})

	if s.cache != nil {
		if err := s.cache.InvalidateHistory(ctx, job.UserID); err != nil {
			s.logger.WithUserID(job.UserID).WarnWithErr("History cache invalidation failed", err)
		}
	}

	if s.events != nil {
		if err := s.events.PublishJobCompleted(ctx, job); err != nil {
			s.logger.WithJobID(job.ID).WarnWithErr("Failed to publish job event", err)
		}
	}

	return nil
}

// persistInput stores the raw input and returns its key, or "" when no
// object store is configured or the upload failed.
func (s *Service) persistInput(ctx context.Context, key string, data []byte) string {
	if s.store == nil {
		return ""
	}

	start := time.Now()
	err := s.store.Put(ctx, key, data)
	s.logger.LogStorageOperation("upload", "", key, int64(len(data)), time.Since(start), err)
	if err != nil {
		return ""
	}
	return key
}

func (s *Service) discardInput(ctx context.Context, key string) {
	if s.store == nil || key == "" {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.WithField("key", key).WarnWithErr("Failed to delete orphaned input", err)
	}
}

// recognize runs OCR and never fails: engine errors and panics degrade to
// an empty result. It returns the language the engine actually served.
func (s *Service) recognize(ctx context.Context, language string, image []byte) (boxes []models.TextBox, served string) {
	span, ctx := tracing.StartSpan(ctx, "ocr.recognize")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "language", language)

	served = language
	engine, lang, err := s.engines.Get(language)
	if err != nil {
		s.collaboratorFailure(span, "engine", language, err)
		return []models.TextBox{}, served
	}
	served = lang

	defer func() {
		if r := recover(); r != nil {
			s.collaboratorFailure(span, "recognize", served, fmt.Errorf("engine panic: %v", r))
			boxes = []models.TextBox{}
		}
	}()

	start := time.Now()
	boxes, err = engine.Recognize(ctx, ocr.Preprocess(image))
	metrics.RecordOCR(served, time.Since(start).Seconds())
	if err != nil {
		s.collaboratorFailure(span, "recognize", served, err)
		return []models.TextBox{}, served
	}
	if boxes == nil {
		boxes = []models.TextBox{}
	}

	return boxes, served
}

func (s *Service) collaboratorFailure(span opentracing.Span, stage, language string, err error) {
	metrics.RecordOCRFailure(stage)
	s.logger.LogCollaboratorFailure(stage, language, err)
	tracing.LogError(span, fmt.Errorf("%s: %w", stage, err))
}
