package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotVersion is the current snapshot schema version.
const SnapshotVersion = 1

// Snapshot is a frozen copy of one side's version of an event.
type Snapshot struct {
	Version     int         `json:"v"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Location    string      `json:"location,omitempty"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	AllDay      bool        `json:"all_day"`
	Status      EventStatus `json:"status"`
	ModifiedAt  time.Time   `json:"modified_at"`
}

// Equal compares the event content of two snapshots. ModifiedAt and
// Version are not part of the content.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Title == o.Title &&
		s.Description == o.Description &&
		s.Location == o.Location &&
		s.Start.Equal(o.Start) &&
		s.End.Equal(o.End) &&
		s.AllDay == o.AllDay &&
		s.Status == o.Status
}

// Cancelled returns true if the snapshot describes a deleted occurrence.
func (s Snapshot) Cancelled() bool {
	return s.Status == EventStatusCancelled
}

// Validate checks the fields required for a snapshot to be written anywhere.
func (s Snapshot) Validate() error {
	if s.Cancelled() {
		return nil
	}
	if s.Start.IsZero() || s.End.IsZero() {
		return fmt.Errorf("snapshot is missing start or end")
	}
	if s.End.Before(s.Start) {
		return fmt.Errorf("snapshot ends before it starts")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	return nil
}

// Value implements driver.Valuer.
func (s Snapshot) Value() (driver.Value, error) {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *Snapshot) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported snapshot source %T", src)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}
	if s.Version > SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	return nil
}
