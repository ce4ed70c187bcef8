package models

import (
	"encoding/json"
	"time"
)

// Job is the stored outcome of one completed OCR operation
type Job struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	InputType string          `json:"input_type" db:"input_type"`
	InputPath string          `json:"input_path" db:"input_path"`
	Language  string          `json:"language" db:"language"`
	Result    json.RawMessage `json:"result" db:"result"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Job input types
const (
	InputTypeImage = "image"
	InputTypePDF   = "pdf"
)

// JobEvent is published once a job has been persisted
type JobEvent struct {
	Event     string    `json:"event"`
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	InputType string    `json:"input_type"`
	Language  string    `json:"language"`
	Timestamp time.Time `json:"timestamp"`
}

// JobEventCompleted is the event name for a persisted job
const JobEventCompleted = "job.completed"
