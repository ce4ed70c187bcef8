// Package ledger is the append-only record of metered API calls. Quota
// decisions are always recomputed from it.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/M-Rafay/ocr-api/internal/metrics"
	"github.com/M-Rafay/ocr-api/pkg/models"
	"github.com/google/uuid"
)

// Store persists usage events
type Store interface {
	InsertUsageEvent(ctx context.Context, event *models.UsageEvent) error
	CountUsageEventsSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Clock returns the current time
type Clock func() time.Time

// Ledger records and counts usage events
type Ledger struct {
	store Store
	now   Clock
}

// New creates a ledger backed by store using the wall clock
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock replaces the clock used to stamp and window events
func (l *Ledger) WithClock(clock Clock) *Ledger {
	l.now = clock
	return l
}

// Record appends one event for userID. It never consults the quota.
func (l *Ledger) Record(ctx context.Context, userID, endpoint string) (*models.UsageEvent, error) {
	event := &models.UsageEvent{
		ID:        uuid.New().String(),
		UserID:    userID,
		Endpoint:  endpoint,
		Timestamp: l.now().UTC(),
	}

	if err := l.store.InsertUsageEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	metrics.RecordUsageEvent(endpoint)
	return event, nil
}

// CountSince returns the number of events for userID at or after since
func (l *Ledger) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	count, err := l.store.CountUsageEventsSince(ctx, userID, since.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

// CountThisMonth counts userID's events in the current UTC calendar month
func (l *Ledger) CountThisMonth(ctx context.Context, userID string) (int, error) {
	return l.CountSince(ctx, userID, MonthStart(l.now()))
}

// MonthStart returns midnight UTC on the first day of t's UTC month
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
