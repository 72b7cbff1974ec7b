package diary

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"perp-agent/pkg/db"
)

// SQLLog stores entries in the diary_entries table.
type SQLLog struct {
	db         *db.Database
	instanceID string
	now        func() time.Time
}

// NewSQLLog expects migrations to have been applied.
func NewSQLLog(database *db.Database, instanceID string) *SQLLog {
	return &SQLLog{db: database, instanceID: instanceID, now: time.Now}
}

// Append inserts ev as one row.
func (s *SQLLog) Append(ctx context.Context, ev Event) error {
	entry, err := NewEntry(ev, s.now(), s.instanceID)
	if err != nil {
		return err
	}
	_, err = s.db.InsertDiaryEntry(ctx, db.DiaryRow{
		Kind:       string(entry.Kind),
		Asset:      entry.Asset,
		Payload:    string(entry.Detail),
		InstanceID: entry.InstanceID,
		CreatedAt:  entry.Timestamp,
	})
	return err
}

// Recent returns the last n entries in chronological order.
func (s *SQLLog) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.RecentDiaryEntries(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			Timestamp:  r.CreatedAt.UTC(),
			Kind:       Kind(r.Kind),
			Asset:      r.Asset,
			InstanceID: r.InstanceID,
			Detail:     json.RawMessage(r.Payload),
		}
		ev, err := e.Event()
		if err != nil {
			return nil, fmt.Errorf("diary row %d: %w", r.ID, err)
		}
		e.Action = ev.ActionName()
		out = append(out, e)
	}
	return out, nil
}
