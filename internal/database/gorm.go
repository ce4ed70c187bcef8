package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/M-Rafay/ocr-api/pkg/models"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type userRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id;uniqueIndex;not null"`
	APICalls  int       `gorm:"column:api_calls;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (userRow) TableName() string { return "users" }

type usageEventRow struct {
	ID         string    `gorm:"column:id;primaryKey"`
	UserID     string    `gorm:"column:user_id;not null;index:idx_usage_events_user_recorded,priority:1"`
	Endpoint   string    `gorm:"column:endpoint;not null"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null;index:idx_usage_events_user_recorded,priority:2"`
}

func (usageEventRow) TableName() string { return "usage_events" }

type jobRow struct {
	ID        string         `gorm:"column:id;primaryKey"`
	UserID    string         `gorm:"column:user_id;not null;index:idx_ocr_jobs_user_created,priority:1"`
	InputType string         `gorm:"column:input_type;not null"`
	InputPath string         `gorm:"column:input_path;not null;default:''"`
	Language  string         `gorm:"column:language;not null"`
	Result    datatypes.JSON `gorm:"column:result;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;index:idx_ocr_jobs_user_created,priority:2"`
}

func (jobRow) TableName() string { return "ocr_jobs" }

// OpenSQLite opens an embedded SQLite database. An empty path or
// ":memory:" yields a private in-memory database.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := path
	switch {
	case path == "" || path == ":memory:":
		dsn = ":memory:"
	case !strings.Contains(path, "?"):
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps an
	// in-memory database alive for the life of the handle.
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// GormRepository provides the same operations as Repository on top of gorm
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a gorm-backed repository
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates or updates the tables
func (r *GormRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&userRow{}, &usageEventRow{}, &jobRow{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Health pings the underlying connection
func (r *GormRepository) Health(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertUsageEvent appends a usage event
func (r *GormRepository) InsertUsageEvent(ctx context.Context, event *models.UsageEvent) (err error) {
	defer func(start time.Time) { observe("insert_usage_event", start, err) }(time.Now())

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	row := usageEventRow{
		ID:         event.ID,
		UserID:     event.UserID,
		Endpoint:   event.Endpoint,
		RecordedAt: event.Timestamp.UTC(),
	}
	if err = r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	return nil
}

// CountUsageEventsSince counts a user's events at or after since
func (r *GormRepository) CountUsageEventsSince(ctx context.Context, userID string, since time.Time) (count int, err error) {
	defer func(start time.Time) { observe("count_usage_events", start, err) }(time.Now())

	var n int64
	err = r.db.WithContext(ctx).
		Model(&usageEventRow{}).
		Where("user_id = ? AND recorded_at >= ?", userID, since.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count usage events: %w", err)
	}

	return int(n), nil
}

// GetOrCreateUser returns the user, creating it with a zero counter on first use
func (r *GormRepository) GetOrCreateUser(ctx context.Context, userID string) (user *models.User, err error) {
	defer func(start time.Time) { observe("get_or_create_user", start, err) }(time.Now())

	row := userRow{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return r.GetUser(ctx, userID)
}

// GetUser retrieves a user by external id
func (r *GormRepository) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var row userRow
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &models.User{
		ID:        row.ID,
		UserID:    row.UserID,
		APICalls:  row.APICalls,
		CreatedAt: row.CreatedAt.UTC(),
	}, nil
}

// IncrementAPICalls bumps the lifetime counter of an existing user
func (r *GormRepository) IncrementAPICalls(ctx context.Context, userID string) (err error) {
	defer func(start time.Time) { observe("increment_api_calls", start, err) }(time.Now())

	res := r.db.WithContext(ctx).
		Model(&userRow{}).
		Where("user_id = ?", userID).
		UpdateColumn("api_calls", gorm.Expr("api_calls + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("failed to increment api calls: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// CreateJob persists a completed job
func (r *GormRepository) CreateJob(ctx context.Context, job *models.Job) (err error) {
	defer func(start time.Time) { observe("create_job", start, err) }(time.Now())

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	row := jobRow{
		ID:        job.ID,
		UserID:    job.UserID,
		InputType: job.InputType,
		InputPath: job.InputPath,
		Language:  job.Language,
		Result:    datatypes.JSON(job.Result),
		CreatedAt: job.CreatedAt.UTC(),
	}
	if err = r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobsByUserID lists a user's jobs, newest first
func (r *GormRepository) GetJobsByUserID(ctx context.Context, userID string) (jobs []*models.Job, err error) {
	defer func(start time.Time) { observe("list_jobs", start, err) }(time.Now())

	var rows []jobRow
	err = r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs = make([]*models.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, &models.Job{
			ID:        row.ID,
			UserID:    row.UserID,
			InputType: row.InputType,
			InputPath: row.InputPath,
			Language:  row.Language,
			Result:    []byte(row.Result),
			CreatedAt: row.CreatedAt.UTC(),
		})
	}

	return jobs, nil
}
