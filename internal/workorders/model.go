package workorders

import "time"

// CertificateFields are the calibration results recorded on an order and
// mirrored onto its equipment registration at finalization.
type CertificateFields struct {
	CertificateNumber      *string `json:"certificate_number,omitempty"`
	CertificateTemperature *string `json:"certificate_temperature,omitempty"`
	CertificatePressure    *string `json:"certificate_pressure,omitempty"`
	Test1                  *string `json:"test_1,omitempty"`
	Test2                  *string `json:"test_2,omitempty"`
	Test3                  *string `json:"test_3,omitempty"`
	TestAverage            *string `json:"test_average,omitempty"`
	Outcome                *string `json:"calibration_outcome,omitempty"`
}

// WorkOrder is one calibration cycle for one registered piece of equipment.
type WorkOrder struct {
	ID                int64         `json:"id"`
	AccessKey         string        `json:"access_key"`
	CompanyID         int64         `json:"company_id"`
	RegistrationID    int64         `json:"registration_id"`
	CalibrationTypeID *int64        `json:"calibration_type_id,omitempty"`
	Phase             Phase         `json:"phase"`
	Status            ServiceStatus `json:"service_status"`

	RequestedAt  *time.Time `json:"requested_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
	CalibratedAt *time.Time `json:"calibrated_at,omitempty"`
	ReturnedAt   *time.Time `json:"returned_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	NextDueDate  *time.Time `json:"next_due_date,omitempty"`

	ServiceValue       float64 `json:"service_value"`
	FreightOutValue    float64 `json:"freight_out_value"`
	FreightReturnValue float64 `json:"freight_return_value"`

	Paid     bool `json:"paid"`
	Received bool `json:"received"`
	Warranty bool `json:"warranty"`

	CertificateFields
	CertificateText *string `json:"certificate_text,omitempty"`

	Notes        *string `json:"notes,omitempty"`
	BatteryCount int     `json:"battery_count"`
	BlowerCount  int     `json:"blower_count"`
	ShippingCode *string `json:"shipping_code,omitempty"`
	ReturnCode   *string `json:"return_code,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total is the sum of the service value and both freight values. It is never
// stored independently.
func (o *WorkOrder) Total() float64 {
	return o.ServiceValue + o.FreightOutValue + o.FreightReturnValue
}

// enterPhase moves the order to p, stamping the timestamp tied to that phase
// and deriving the status.
func (o *WorkOrder) enterPhase(p Phase, at time.Time) {
	o.Phase = p
	switch p {
	case PhaseSent:
		o.SentAt = &at
	case PhaseReceived:
		o.ArrivedAt = &at
	case PhaseCalibrated:
		if o.CalibratedAt == nil {
			o.CalibratedAt = &at
		}
	case PhaseReturning:
		o.ReturnedAt = &at
	case PhaseDelivered:
		o.DeliveredAt = &at
	}
	o.Status = StatusForPhase(p)
}

// clone returns a deep enough copy for before/after comparisons.
func (o *WorkOrder) clone() *WorkOrder {
	c := *o
	return &c
}

// RegistrationStatus describes whether a registered unit is in service.
type RegistrationStatus string

const (
	RegistrationActive      RegistrationStatus = "A"
	RegistrationInactive    RegistrationStatus = "I"
	RegistrationMaintenance RegistrationStatus = "M"
	RegistrationRetired     RegistrationStatus = "B"
)

// EquipmentRegistration is one physical unit of catalog equipment owned by a company.
type EquipmentRegistration struct {
	ID                  int64              `json:"id"`
	EquipmentID         int64              `json:"equipment_id"`
	CompanyID           int64              `json:"company_id"`
	SerialNumber        *string            `json:"serial_number,omitempty"`
	AssetTag            *string            `json:"asset_tag,omitempty"`
	LastCalibrationDate *time.Time         `json:"last_calibration_date,omitempty"`
	NextDueDate         *time.Time         `json:"next_due_date,omitempty"`
	CurrentOrderID      *int64             `json:"current_order_id,omitempty"`
	Status              RegistrationStatus `json:"status"`
	CalibrationRefused  bool               `json:"calibration_refused"`
	LastNoticeAt        *time.Time         `json:"last_notice_at,omitempty"`
	CertificateFields
}

// Equipment is a catalog entry.
type Equipment struct {
	ID                      int64  `json:"id"`
	Code                    string `json:"code"`
	Description             string `json:"description"`
	CalibrationIntervalDays *int   `json:"calibration_interval_days,omitempty"`
}

// IntervalDays returns the configured interval or the default.
func (e *Equipment) IntervalDays() int {
	if e == nil || e.CalibrationIntervalDays == nil || *e.CalibrationIntervalDays <= 0 {
		return DefaultCalibrationIntervalDays
	}
	return *e.CalibrationIntervalDays
}

// Company owns equipment registrations and work orders.
type Company struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TrackingView is the reduced order projection served to clients by access key.
type TrackingView struct {
	AccessKey         string        `json:"access_key"`
	Phase             Phase         `json:"phase"`
	Status            ServiceStatus `json:"service_status"`
	RequestedAt       *time.Time    `json:"requested_at,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	ArrivedAt         *time.Time    `json:"arrived_at,omitempty"`
	CalibratedAt      *time.Time    `json:"calibrated_at,omitempty"`
	ReturnedAt        *time.Time    `json:"returned_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	CertificateNumber *string       `json:"certificate_number,omitempty"`
	NextDueDate       *time.Time    `json:"next_due_date,omitempty"`
}

func newTrackingView(o *WorkOrder) *TrackingView {
	return &TrackingView{
		AccessKey:         o.AccessKey,
		Phase:             o.Phase,
		Status:            o.Status,
		RequestedAt:       o.RequestedAt,
		SentAt:            o.SentAt,
		ArrivedAt:         o.ArrivedAt,
		CalibratedAt:      o.CalibratedAt,
		ReturnedAt:        o.ReturnedAt,
		DeliveredAt:       o.DeliveredAt,
		CertificateNumber: o.CertificateNumber,
		NextDueDate:       o.NextDueDate,
	}
}

// DueRegistration is a registration whose next calibration falls inside a window.
type DueRegistration struct {
	RegistrationID       int64      `json:"registration_id"`
	CompanyID            int64      `json:"company_id"`
	CompanyName          string     `json:"company_name"`
	EquipmentDescription string     `json:"equipment_description"`
	SerialNumber         *string    `json:"serial_number,omitempty"`
	NextDueDate          time.Time  `json:"next_due_date"`
	LastNoticeAt         *time.Time `json:"last_notice_at,omitempty"`
	DaysUntilDue         int        `json:"days_until_due"`
}

// DueQuery selects registrations due for calibration.
type DueQuery struct {
	AsOf time.Time
	// Until is the inclusive upper bound on next_due_date.
	Until time.Time
	// LeadDays, when OnlyUnnoticed is set, excludes registrations already
	// noticed within LeadDays of their due date.
	LeadDays      int
	OnlyUnnoticed bool
	Limit         int
	// SkipLocked locks the returned rows and skips rows locked by another
	// transaction. Only meaningful inside WithTx.
	SkipLocked bool
}

// DashboardQuery sets the date bounds for the operator dashboard.
type DashboardQuery struct {
	// Today is the calibration date registrations are compared against.
	Today time.Time
	// UpcomingUntil is the inclusive bound for calibrations coming due.
	UpcomingUntil time.Time
	// FinishedSince is the earliest calibrated_at counted as recently finished.
	FinishedSince time.Time
	Limit         int
}

// DashboardSummary holds the headline counters and the open order list.
type DashboardSummary struct {
	AsOf                 time.Time         `json:"as_of"`
	OrdersWaiting        int               `json:"orders_waiting"`
	OrdersInProgress     int               `json:"orders_in_progress"`
	OrdersFinishedRecent int               `json:"orders_finished_recent"`
	OverdueCalibrations  int               `json:"overdue_calibrations"`
	OverdueClients       int               `json:"overdue_clients"`
	UpcomingCalibrations int               `json:"upcoming_calibrations"`
	RefusedCalibrations  int               `json:"refused_calibrations"`
	InProgress           []InProgressOrder `json:"in_progress"`
}

// InProgressOrder is one row of the dashboard's open order list.
type InProgressOrder struct {
	ID                   int64      `json:"id"`
	AccessKey            string     `json:"access_key"`
	CompanyName          string     `json:"company_name"`
	EquipmentDescription string     `json:"equipment_description"`
	Phase                Phase      `json:"phase"`
	RequestedAt          *time.Time `json:"requested_at,omitempty"`
	DaysOpen             int        `json:"days_open"`
}
