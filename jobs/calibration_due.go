package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/metrocal/metrocal/internal/jobs"
	"github.com/metrocal/metrocal/internal/workorders"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const defaultDueScanLimit = 500

// DueNotifier claims due registrations and stamps them as noticed.
type DueNotifier interface {
	NoticeDue(ctx context.Context, asOf time.Time, leadDays, limit int) ([]workorders.DueRegistration, error)
}

// CalibrationDueJob finds registrations whose next calibration falls within
// the lead window and records a notice for each one.
type CalibrationDueJob struct {
	Notifier DueNotifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	LeadDays int
	clock    func() time.Time
}

// NewCalibrationDueJob initialises the due scan handler.
func NewCalibrationDueJob(notifier DueNotifier, leadDays int, logger *slog.Logger, metrics *jobmetrics.Metrics) *CalibrationDueJob {
	return &CalibrationDueJob{
		Notifier: notifier,
		Logger:   logger,
		Metrics:  metrics,
		LeadDays: leadDays,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one due scan.
func (j *CalibrationDueJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Notifier == nil {
		return errors.New("calibration due scan: handler not configured")
	}
	var payload DueScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.LeadDays < 0 {
		return asynq.SkipRetry
	}
	if payload.LeadDays == 0 {
		payload.LeadDays = j.LeadDays
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultDueScanLimit
	}
	asOf := j.now()
	if payload.AsOf != "" {
		parsed, err := time.Parse(time.DateOnly, payload.AsOf)
		if err != nil {
			return asynq.SkipRetry
		}
		asOf = parsed
	}

	start := time.Now()
	tracker := j.metrics().Track(TaskCalibrationDueScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.String("run_id", uuid.NewString()),
		slog.String("as_of", asOf.Format(time.DateOnly)),
		slog.Int("lead_days", payload.LeadDays),
	)
	logger.Info("starting calibration due scan")

	due, err := j.Notifier.NoticeDue(ctx, asOf, payload.LeadDays, payload.Limit)
	if err != nil {
		resultErr = err
		logger.Error("due scan failed", slog.Any("error", err))
		return resultErr
	}

	for _, d := range due {
		logger.Info("calibration due",
			slog.Int64("registration_id", d.RegistrationID),
			slog.Int64("company_id", d.CompanyID),
			slog.String("company", d.CompanyName),
			slog.String("equipment", d.EquipmentDescription),
			slog.String("next_due_date", d.NextDueDate.Format(time.DateOnly)),
			slog.Int("days_until_due", d.DaysUntilDue),
		)
	}
	j.metrics().AddDueNotices(len(due))

	logger.Info("completed calibration due scan",
		slog.Int("noticed", len(due)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *CalibrationDueJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCalibrationDueScan))
	}
	return slog.Default().With(slog.String("job", TaskCalibrationDueScan))
}

func (j *CalibrationDueJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CalibrationDueJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
