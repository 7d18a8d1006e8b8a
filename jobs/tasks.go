package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCalibrationDueScan stamps registrations whose calibration falls due.
	TaskCalibrationDueScan = "calibration:due-scan"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency-cleanup"
)

// DueScanPayload configures a due scan run. Zero values fall back to the
// job defaults; AsOf is a YYYY-MM-DD date and defaults to today.
type DueScanPayload struct {
	AsOf     string `json:"as_of,omitempty"`
	LeadDays int    `json:"lead_days,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// NewDueScanTask constructs a due scan task.
func NewDueScanTask(leadDays int) (*asynq.Task, error) {
	if leadDays < 0 {
		return nil, fmt.Errorf("due scan: lead days must be >= 0, got %d", leadDays)
	}
	body, err := json.Marshal(DueScanPayload{LeadDays: leadDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCalibrationDueScan, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload configures how old a key must be before removal.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// NewIdempotencyCleanupTask constructs a cleanup task. A zero retention uses
// the job default.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	if retention < 0 {
		return nil, fmt.Errorf("idempotency cleanup: negative retention %s", retention)
	}
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
