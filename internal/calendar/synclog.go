package calendar

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/calsync/backend/internal/storage"
	"github.com/calsync/backend/internal/storage/models"
)

// Recorder writes one sync log per pass.
type Recorder struct {
	logs *storage.SyncLogRepository
	now  func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(logs *storage.SyncLogRepository) *Recorder {
	return &Recorder{
		logs: logs,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Open inserts a started log for the pass.
func (r *Recorder) Open(ctx context.Context, conn *models.Connection, trigger models.Trigger, startedAt time.Time) (*models.SyncLog, error) {
	l := &models.SyncLog{
		ConnectionID: conn.ID,
		Trigger:      trigger,
		Direction:    conn.SyncDirection,
		StartedAt:    startedAt,
	}
	if err := r.logs.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("opening sync log: %w", err)
	}
	return l, nil
}

// Close records the terminal status of the pass. Failures are logged; the
// pass outcome does not depend on its log.
func (r *Recorder) Close(ctx context.Context, l *models.SyncLog, status string, counts models.SyncCounts, passErr error) {
	if l == nil {
		return
	}
	ended := r.now()

	l.Status = status
	l.EventsCreated = counts.Created
	l.EventsUpdated = counts.Updated
	l.EventsDeleted = counts.Deleted
	l.EventsPushed = counts.Pushed
	l.EventsSkipped = counts.Skipped
	l.ConflictsDetected = counts.ConflictsDetected
	l.ConflictsResolved = counts.ConflictsResolved
	l.EndedAt = &ended
	l.DurationMS = ended.Sub(l.StartedAt).Milliseconds()
	if passErr != nil {
		msg := passErr.Error()
		l.Error = &msg
	} else if counts.Unresolved > 0 {
		msg := fmt.Sprintf("%d conflicts unresolved", counts.Unresolved)
		l.Error = &msg
	}

	if err := r.logs.Close(ctx, l); err != nil {
		log.Printf("Failed to close sync log %s: %v", l.ID, err)
	}
}
