package models

import "time"

// UsageEvent is one metered call. Events are append-only and are the
// source of truth for quota decisions.
type UsageEvent struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
	Timestamp time.Time `json:"timestamp" db:"recorded_at"`
}

// Metered endpoint names recorded in the usage ledger.
const (
	EndpointExtractText = "/extract-text"
	EndpointUploadPDF   = "/upload-pdf"
	EndpointHistory     = "/history"
)
