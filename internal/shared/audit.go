package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/metrocal/metrocal/internal/platform/db"
)

// SystemLogEntry represents a record stored in system_logs.
type SystemLogEntry struct {
	Actor       Actor
	Action      string
	Entity      string
	EntityID    int64
	Description string
	Before      any
	After       any
	At          time.Time
}

// SystemLog writes generic before/after change records into system_logs.
type SystemLog struct{}

// NewSystemLog returns a new SystemLog.
func NewSystemLog() *SystemLog {
	return &SystemLog{}
}

// Record persists the log entry using the supplied executor.
func (l *SystemLog) Record(ctx context.Context, q db.DBTX, entry SystemLogEntry) error {
	if l == nil {
		return errors.New("system log not initialised")
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == 0 {
		return errors.New("system log requires action/entity/entity_id")
	}
	before, err := marshalNullable(entry.Before)
	if err != nil {
		return err
	}
	after, err := marshalNullable(entry.After)
	if err != nil {
		return err
	}
	var at *time.Time
	if !entry.At.IsZero() {
		at = &entry.At
	}
	_, err = q.Exec(ctx, `INSERT INTO system_logs (actor_id, action, entity, entity_id, description, before_data, after_data, ip_address, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))`,
		nullableID(entry.Actor.ID), entry.Action, entry.Entity, entry.EntityID, entry.Description,
		before, after, truncate(entry.Actor.IP, 45), truncate(entry.Actor.UserAgent, 500), at)
	return err
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
