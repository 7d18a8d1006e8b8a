package workorders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metrocal/metrocal/internal/platform/db"
	"github.com/metrocal/metrocal/internal/shared"
)

// Repository persists work orders, registrations and audit entries. Methods
// called on the Repository passed to a WithTx callback share its transaction.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	GetOrder(ctx context.Context, id int64) (*WorkOrder, error)
	GetOrderByAccessKey(ctx context.Context, key string) (*WorkOrder, error)
	LockOrder(ctx context.Context, id int64) (*WorkOrder, error)
	AccessKeyExists(ctx context.Context, key string) (bool, error)
	InsertOrder(ctx context.Context, order *WorkOrder) error
	UpdateOrder(ctx context.Context, order *WorkOrder, expectedVersion int64) error

	GetCompany(ctx context.Context, id int64) (*Company, error)
	GetRegistration(ctx context.Context, id int64) (*EquipmentRegistration, error)
	LockRegistration(ctx context.Context, id int64) (*EquipmentRegistration, error)
	GetEquipment(ctx context.Context, id int64) (*Equipment, error)
	UpdateRegistrationCalibration(ctx context.Context, reg *EquipmentRegistration) error

	InsertAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, orderID int64) ([]AuditEntry, error)

	DueRegistrations(ctx context.Context, q DueQuery) ([]DueRegistration, error)
	MarkNoticed(ctx context.Context, ids []int64, at time.Time) error
	Dashboard(ctx context.Context, q DashboardQuery) (*DashboardSummary, error)

	ClaimIdempotencyKey(ctx context.Context, key, module string) error
	RecordSystemLog(ctx context.Context, entry shared.SystemLogEntry) error
}

type repository struct {
	db          db.DBTX
	pool        *pgxpool.Pool
	idempotency *shared.IdempotencyStore
	systemLog   *shared.SystemLog
}

// NewRepository constructs a pgx backed repository.
func NewRepository(pool *pgxpool.Pool, idempotency *shared.IdempotencyStore, systemLog *shared.SystemLog) Repository {
	if idempotency == nil {
		idempotency = shared.NewIdempotencyStore()
	}
	if systemLog == nil {
		systemLog = shared.NewSystemLog()
	}
	return &repository{db: pool, pool: pool, idempotency: idempotency, systemLog: systemLog}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		repoTx := &repository{
			db:          tx,
			pool:        r.pool,
			idempotency: r.idempotency,
			systemLog:   r.systemLog,
		}
		return fn(ctx, repoTx)
	})
	if db.HasCode(err, db.CodeSerializationFailure) {
		return fmt.Errorf("%w: %v", ErrStaleOrder, err)
	}
	return err
}

const orderColumns = `
	id, access_key, company_id, registration_id, calibration_type_id, phase, service_status,
	requested_at, sent_at, arrived_at, calibrated_at, returned_at, delivered_at, next_due_date,
	service_value::double precision, freight_out_value::double precision, freight_return_value::double precision,
	paid, received, warranty,
	certificate_number, certificate_temperature, certificate_pressure,
	test_1, test_2, test_3, test_average, calibration_outcome, certificate_text,
	notes, battery_count, blower_count, shipping_code, return_code,
	version, created_at, updated_at`

func scanOrder(row pgx.Row) (*WorkOrder, error) {
	var (
		o      WorkOrder
		phase  int16
		status string
	)
	err := row.Scan(
		&o.ID, &o.AccessKey, &o.CompanyID, &o.RegistrationID, &o.CalibrationTypeID, &phase, &status,
		&o.RequestedAt, &o.SentAt, &o.ArrivedAt, &o.CalibratedAt, &o.ReturnedAt, &o.DeliveredAt, &o.NextDueDate,
		&o.ServiceValue, &o.FreightOutValue, &o.FreightReturnValue,
		&o.Paid, &o.Received, &o.Warranty,
		&o.CertificateNumber, &o.CertificateTemperature, &o.CertificatePressure,
		&o.Test1, &o.Test2, &o.Test3, &o.TestAverage, &o.Outcome, &o.CertificateText,
		&o.Notes, &o.BatteryCount, &o.BlowerCount, &o.ShippingCode, &o.ReturnCode,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Phase = Phase(phase)
	o.Status = ServiceStatus(status)
	return &o, nil
}

func (r *repository) getOrder(ctx context.Context, query string, arg any) (*WorkOrder, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if db.HasCode(err, db.CodeSerializationFailure) {
			return nil, fmt.Errorf("%w: %v", ErrStaleOrder, err)
		}
		return nil, err
	}
	return order, nil
}

func (r *repository) GetOrder(ctx context.Context, id int64) (*WorkOrder, error) {
	return r.getOrder(ctx, `SELECT `+orderColumns+` FROM work_orders WHERE id = $1`, id)
}

func (r *repository) GetOrderByAccessKey(ctx context.Context, key string) (*WorkOrder, error) {
	return r.getOrder(ctx, `SELECT `+orderColumns+` FROM work_orders WHERE access_key = $1`, key)
}

func (r *repository) LockOrder(ctx context.Context, id int64) (*WorkOrder, error) {
	return r.getOrder(ctx, `SELECT `+orderColumns+` FROM work_orders WHERE id = $1 FOR UPDATE`, id)
}

func (r *repository) AccessKeyExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM work_orders WHERE access_key = $1)`, key).Scan(&exists)
	return exists, err
}

func (r *repository) InsertOrder(ctx context.Context, o *WorkOrder) error {
	query := `
		INSERT INTO work_orders (
			access_key, company_id, registration_id, calibration_type_id, phase, service_status,
			requested_at, service_value, freight_out_value, freight_return_value,
			paid, received, warranty, notes, battery_count, blower_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, version, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		o.AccessKey, o.CompanyID, o.RegistrationID, o.CalibrationTypeID, int16(o.Phase), string(o.Status),
		o.RequestedAt, o.ServiceValue, o.FreightOutValue, o.FreightReturnValue,
		o.Paid, o.Received, o.Warranty, o.Notes, o.BatteryCount, o.BlowerCount,
	).Scan(&o.ID, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if db.HasCode(err, db.CodeUniqueViolation) && db.ConstraintName(err) == "work_orders_access_key_key" {
			return errAccessKeyTaken
		}
		return err
	}
	return nil
}

func (r *repository) UpdateOrder(ctx context.Context, o *WorkOrder, expectedVersion int64) error {
	query := `
		UPDATE work_orders SET
			calibration_type_id = $2, phase = $3, service_status = $4,
			requested_at = $5, sent_at = $6, arrived_at = $7, calibrated_at = $8,
			returned_at = $9, delivered_at = $10, next_due_date = $11,
			service_value = $12, freight_out_value = $13, freight_return_value = $14,
			paid = $15, received = $16, warranty = $17,
			certificate_number = $18, certificate_temperature = $19, certificate_pressure = $20,
			test_1 = $21, test_2 = $22, test_3 = $23, test_average = $24, calibration_outcome = $25,
			certificate_text = $26, notes = $27, battery_count = $28, blower_count = $29,
			shipping_code = $30, return_code = $31,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $32
		RETURNING version, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		o.ID, o.CalibrationTypeID, int16(o.Phase), string(o.Status),
		o.RequestedAt, o.SentAt, o.ArrivedAt, o.CalibratedAt,
		o.ReturnedAt, o.DeliveredAt, o.NextDueDate,
		o.ServiceValue, o.FreightOutValue, o.FreightReturnValue,
		o.Paid, o.Received, o.Warranty,
		o.CertificateNumber, o.CertificateTemperature, o.CertificatePressure,
		o.Test1, o.Test2, o.Test3, o.TestAverage, o.Outcome,
		o.CertificateText, o.Notes, o.BatteryCount, o.BlowerCount,
		o.ShippingCode, o.ReturnCode,
		expectedVersion,
	).Scan(&o.Version, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: order %d is no longer at version %d", ErrStaleOrder, o.ID, expectedVersion)
		}
		if db.HasCode(err, db.CodeSerializationFailure) {
			return fmt.Errorf("%w: %v", ErrStaleOrder, err)
		}
		return err
	}
	return nil
}

func (r *repository) GetCompany(ctx context.Context, id int64) (*Company, error) {
	var c Company
	err := r.db.QueryRow(ctx, `SELECT id, name FROM companies WHERE id = $1`, id).Scan(&c.ID, &c.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: company %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &c, nil
}

const registrationColumns = `
	id, equipment_id, company_id, serial_number, asset_tag,
	last_calibration_date, next_due_date, current_order_id, status, calibration_refused, last_notice_at,
	certificate_number, certificate_temperature, certificate_pressure,
	test_1, test_2, test_3, test_average, calibration_outcome`

func (r *repository) getRegistration(ctx context.Context, query string, id int64) (*EquipmentRegistration, error) {
	var (
		reg    EquipmentRegistration
		status string
	)
	err := r.db.QueryRow(ctx, query, id).Scan(
		&reg.ID, &reg.EquipmentID, &reg.CompanyID, &reg.SerialNumber, &reg.AssetTag,
		&reg.LastCalibrationDate, &reg.NextDueDate, &reg.CurrentOrderID, &status, &reg.CalibrationRefused, &reg.LastNoticeAt,
		&reg.CertificateNumber, &reg.CertificateTemperature, &reg.CertificatePressure,
		&reg.Test1, &reg.Test2, &reg.Test3, &reg.TestAverage, &reg.Outcome,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: equipment registration %d", ErrNotFound, id)
		}
		return nil, err
	}
	reg.Status = RegistrationStatus(status)
	return &reg, nil
}

func (r *repository) GetRegistration(ctx context.Context, id int64) (*EquipmentRegistration, error) {
	return r.getRegistration(ctx, `SELECT `+registrationColumns+` FROM equipment_registrations WHERE id = $1`, id)
}

func (r *repository) LockRegistration(ctx context.Context, id int64) (*EquipmentRegistration, error) {
	return r.getRegistration(ctx, `SELECT `+registrationColumns+` FROM equipment_registrations WHERE id = $1 FOR UPDATE`, id)
}

func (r *repository) GetEquipment(ctx context.Context, id int64) (*Equipment, error) {
	var (
		e    Equipment
		code *string
	)
	err := r.db.QueryRow(ctx, `SELECT id, code, description, calibration_interval_days FROM equipment WHERE id = $1`, id).
		Scan(&e.ID, &code, &e.Description, &e.CalibrationIntervalDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: equipment %d", ErrNotFound, id)
		}
		return nil, err
	}
	if code != nil {
		e.Code = *code
	}
	return &e, nil
}

func (r *repository) UpdateRegistrationCalibration(ctx context.Context, reg *EquipmentRegistration) error {
	query := `
		UPDATE equipment_registrations SET
			last_calibration_date = $2, next_due_date = $3, current_order_id = $4,
			certificate_number = $5, certificate_temperature = $6, certificate_pressure = $7,
			test_1 = $8, test_2 = $9, test_3 = $10, test_average = $11, calibration_outcome = $12,
			updated_at = NOW()
		WHERE id = $1
	`
	cmdTag, err := r.db.Exec(ctx, query,
		reg.ID, reg.LastCalibrationDate, reg.NextDueDate, reg.CurrentOrderID,
		reg.CertificateNumber, reg.CertificateTemperature, reg.CertificatePressure,
		reg.Test1, reg.Test2, reg.Test3, reg.TestAverage, reg.Outcome,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: equipment registration %d", ErrNotFound, reg.ID)
	}
	return nil
}

func (r *repository) InsertAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO work_order_audit_entries (work_order_id, actor_id, author_kind, action, description, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	return r.db.QueryRow(ctx, query,
		entry.OrderID, entry.ActorID, string(entry.AuthorKind), string(entry.Action), entry.Description, entry.OccurredAt,
	).Scan(&entry.ID)
}

func (r *repository) ListAuditEntries(ctx context.Context, orderID int64) ([]AuditEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, work_order_id, actor_id, author_kind, action, description, occurred_at
		FROM work_order_audit_entries
		WHERE work_order_id = $1
		ORDER BY occurred_at DESC, id DESC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var (
			e      AuditEntry
			kind   string
			action string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.ActorID, &kind, &action, &e.Description, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.AuthorKind = AuthorKind(kind)
		e.Action = AuditAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repository) DueRegistrations(ctx context.Context, q DueQuery) ([]DueRegistration, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT r.id, r.company_id, c.name, e.description, r.serial_number, r.next_due_date, r.last_notice_at
		FROM equipment_registrations r
		JOIN companies c ON c.id = r.company_id
		JOIN equipment e ON e.id = r.equipment_id
		WHERE r.status = 'A'
		  AND NOT r.calibration_refused
		  AND r.next_due_date IS NOT NULL
		  AND r.next_due_date <= $1
		  AND (NOT $2::boolean OR r.last_notice_at IS NULL
		       OR r.last_notice_at < r.next_due_date - make_interval(days => $3::int))
		ORDER BY r.next_due_date, r.id
		LIMIT $4`
	if q.SkipLocked {
		query += ` FOR UPDATE OF r SKIP LOCKED`
	}
	rows, err := r.db.Query(ctx, query, q.Until, q.OnlyUnnoticed, q.LeadDays, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := make([]DueRegistration, 0)
	for rows.Next() {
		var d DueRegistration
		if err := rows.Scan(&d.RegistrationID, &d.CompanyID, &d.CompanyName, &d.EquipmentDescription,
			&d.SerialNumber, &d.NextDueDate, &d.LastNoticeAt); err != nil {
			return nil, err
		}
		d.DaysUntilDue = DaysBetween(q.AsOf, d.NextDueDate)
		due = append(due, d)
	}
	return due, rows.Err()
}

func (r *repository) MarkNoticed(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `UPDATE equipment_registrations SET last_notice_at = $2 WHERE id = ANY($1)`, ids, at)
	return err
}

func (r *repository) Dashboard(ctx context.Context, q DashboardQuery) (*DashboardSummary, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	summary := &DashboardSummary{AsOf: q.Today}
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM work_orders WHERE service_status = 'WAITING'),
			(SELECT count(*) FROM work_orders WHERE service_status = 'IN_PROGRESS'),
			(SELECT count(*) FROM work_orders WHERE service_status = 'FINISHED' AND calibrated_at >= $3),
			count(*) FILTER (WHERE NOT r.calibration_refused AND r.next_due_date < $1),
			count(DISTINCT r.company_id) FILTER (WHERE NOT r.calibration_refused AND r.next_due_date < $1),
			count(*) FILTER (WHERE NOT r.calibration_refused AND r.next_due_date >= $1 AND r.next_due_date <= $2),
			count(*) FILTER (WHERE r.calibration_refused)
		FROM equipment_registrations r
		WHERE r.status = 'A'`, q.Today, q.UpcomingUntil, q.FinishedSince).Scan(
		&summary.OrdersWaiting, &summary.OrdersInProgress, &summary.OrdersFinishedRecent,
		&summary.OverdueCalibrations, &summary.OverdueClients, &summary.UpcomingCalibrations,
		&summary.RefusedCalibrations)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT o.id, o.access_key, c.name, e.description, o.phase, o.requested_at, o.created_at
		FROM work_orders o
		JOIN companies c ON c.id = o.company_id
		JOIN equipment_registrations r ON r.id = o.registration_id
		JOIN equipment e ON e.id = r.equipment_id
		WHERE o.service_status = 'IN_PROGRESS'
		ORDER BY COALESCE(o.requested_at, o.created_at), o.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary.InProgress = make([]InProgressOrder, 0)
	for rows.Next() {
		var (
			o         InProgressOrder
			phase     int16
			createdAt time.Time
		)
		if err := rows.Scan(&o.ID, &o.AccessKey, &o.CompanyName, &o.EquipmentDescription,
			&phase, &o.RequestedAt, &createdAt); err != nil {
			return nil, err
		}
		o.Phase = Phase(phase)
		opened := createdAt
		if o.RequestedAt != nil {
			opened = *o.RequestedAt
		}
		o.DaysOpen = DaysBetween(opened, q.Today)
		summary.InProgress = append(summary.InProgress, o)
	}
	return summary, rows.Err()
}

func (r *repository) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	return r.idempotency.CheckAndInsert(ctx, r.db, key, module)
}

func (r *repository) RecordSystemLog(ctx context.Context, entry shared.SystemLogEntry) error {
	return r.systemLog.Record(ctx, r.db, entry)
}
