package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/M-Rafay/ocr-api/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository provides Postgres database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the schema if it does not exist
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Health pings the pool
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Close closes the pool
func (r *Repository) Close() error {
	r.db.Close()
	return nil
}

// Usage events

// InsertUsageEvent appends a usage event
func (r *Repository) InsertUsageEvent(ctx context.Context, event *models.UsageEvent) (err error) {
	defer func(start time.Time) { observe("insert_usage_event", start, err) }(time.Now())

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	query := `
		INSERT INTO usage_events (id, user_id, endpoint, recorded_at)
		VALUES ($1, $2, $3, $4)
	`

	if _, err = r.db.Pool.Exec(ctx, query, event.ID, event.UserID, event.Endpoint, event.Timestamp); err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	return nil
}

// CountUsageEventsSince counts a user's events at or after since
func (r *Repository) CountUsageEventsSince(ctx context.Context, userID string, since time.Time) (count int, err error) {
	defer func(start time.Time) { observe("count_usage_events", start, err) }(time.Now())

	query := `
		SELECT COUNT(*)
		FROM usage_events
		WHERE user_id = $1 AND recorded_at >= $2
	`

	if err = r.db.Pool.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count usage events: %w", err)
	}

	return count, nil
}

// Users

// GetOrCreateUser returns the user, creating it with a zero counter on first use
func (r *Repository) GetOrCreateUser(ctx context.Context, userID string) (user *models.User, err error) {
	defer func(start time.Time) { observe("get_or_create_user", start, err) }(time.Now())

	query := `
		INSERT INTO users (id, user_id, api_calls)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id) DO NOTHING
	`

	if _, err = r.db.Pool.Exec(ctx, query, uuid.New().String(), userID); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return r.GetUser(ctx, userID)
}

// GetUser retrieves a user by external id
func (r *Repository) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User

	query := `
		SELECT id, user_id, api_calls, created_at
		FROM users
		WHERE user_id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&user.ID, &user.UserID, &user.APICalls, &user.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// IncrementAPICalls bumps the lifetime counter of an existing user
func (r *Repository) IncrementAPICalls(ctx context.Context, userID string) (err error) {
	defer func(start time.Time) { observe("increment_api_calls", start, err) }(time.Now())

	query := `UPDATE users SET api_calls = api_calls + 1 WHERE user_id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to increment api calls: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Jobs

// CreateJob persists a completed job
func (r *Repository) CreateJob(ctx context.Context, job *models.Job) (err error) {
	defer func(start time.Time) { observe("create_job", start, err) }(time.Now())

	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	query := `
		INSERT INTO ocr_jobs (id, user_id, input_type, input_path, language, result)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err = r.db.Pool.QueryRow(ctx, query,
		job.ID, job.UserID, job.InputType, job.InputPath, job.Language, job.Result,
	).Scan(&job.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobsByUserID lists a user's jobs, newest first
func (r *Repository) GetJobsByUserID(ctx context.Context, userID string) (jobs []*models.Job, err error) {
	defer func(start time.Time) { observe("list_jobs", start, err) }(time.Now())

	query := `
		SELECT id, user_id, input_type, input_path, language, result, created_at
		FROM ocr_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs = []*models.Job{}
	for rows.Next() {
		var job models.Job
		if err = rows.Scan(
			&job.ID, &job.UserID, &job.InputType, &job.InputPath,
			&job.Language, &job.Result, &job.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, &job)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}
