package database

import (
	"context"
	"errors"
	"time"

	"github.com/M-Rafay/ocr-api/internal/logging"
	"github.com/M-Rafay/ocr-api/internal/metrics"
	"github.com/M-Rafay/ocr-api/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Store is the persistence surface shared by the Postgres and SQLite
// repositories.
type Store interface {
	// Usage events
	InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error
	CountUsageEventsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Users
	GetOrCreateUser(ctx context.Context, userID string) (*models.User, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	IncrementAPICalls(ctx context.Context, userID string) error

	// Jobs
	CreateJob(ctx context.Context, job *models.Job) error
	GetJobsByUserID(ctx context.Context, userID string) ([]*models.Job, error)

	Migrate(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}

var opLogger = logging.NewNopLogger()

// SetLogger sets the logger used to report failed store operations
func SetLogger(l *logging.Logger) {
	if l != nil {
		opLogger = l
	}
}

func observe(operation string, start time.Time, err error) {
	duration := time.Since(start)
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
		opLogger.LogDatabaseOperation(operation, duration, err)
	}
	metrics.RecordDatabaseOperation(operation, status, duration.Seconds())
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*GormRepository)(nil)
)
