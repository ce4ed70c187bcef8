package models

import (
	"time"
)

// User is an API caller identified by the id it supplies on each request.
// Users are created on first use and never deleted.
type User struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	APICalls  int       `json:"api_calls" db:"api_calls"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
