package workorders

import (
	"strings"
	"time"
)

// FinancialInputs are the priced components of an order. The total is derived.
type FinancialInputs struct {
	ServiceValue       float64 `json:"service_value" validate:"gte=0"`
	FreightOutValue    float64 `json:"freight_out_value" validate:"gte=0"`
	FreightReturnValue float64 `json:"freight_return_value" validate:"gte=0"`
}

// CreateOrderInput represents request to open a work order.
type CreateOrderInput struct {
	CompanyID         int64   `json:"company_id" validate:"required,gt=0"`
	RegistrationID    int64   `json:"registration_id" validate:"required,gt=0"`
	CalibrationTypeID *int64  `json:"calibration_type_id,omitempty" validate:"omitempty,gt=0"`
	Notes             *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
	BatteryCount      int     `json:"battery_count" validate:"gte=0"`
	BlowerCount       int     `json:"blower_count" validate:"gte=0"`
	FinancialInputs

	IdempotencyKey string `json:"-"`
}

// AdvancePhaseInput moves an order to a target phase.
type AdvancePhaseInput struct {
	OrderID         int64
	Phase           Phase
	ExpectedVersion int64
}

// CalibrationResult carries the measurements recorded at finalization.
type CalibrationResult struct {
	CalibratedAt           time.Time `json:"calibrated_at" validate:"required"`
	CertificateNumber      string    `json:"certificate_number" validate:"required,max=50"`
	CertificateTemperature string    `json:"certificate_temperature,omitempty" validate:"max=50"`
	CertificatePressure    string    `json:"certificate_pressure,omitempty" validate:"max=50"`
	Test1                  string    `json:"test_1" validate:"required,max=50"`
	Test2                  string    `json:"test_2,omitempty" validate:"max=50"`
	Test3                  string    `json:"test_3,omitempty" validate:"max=50"`
	TestAverage            string    `json:"test_average" validate:"required,max=50"`
	Outcome                string    `json:"calibration_outcome" validate:"required,max=50"`
	CertificateText        string    `json:"certificate_text,omitempty" validate:"max=10000"`
}

func (r *CalibrationResult) normalize() {
	for _, field := range []*string{
		&r.CertificateNumber, &r.CertificateTemperature, &r.CertificatePressure,
		&r.Test1, &r.Test2, &r.Test3, &r.TestAverage, &r.Outcome, &r.CertificateText,
	} {
		*field = strings.TrimSpace(*field)
	}
}

func (r CalibrationResult) certificate() CertificateFields {
	return CertificateFields{
		CertificateNumber:      optional(r.CertificateNumber),
		CertificateTemperature: optional(r.CertificateTemperature),
		CertificatePressure:    optional(r.CertificatePressure),
		Test1:                  optional(r.Test1),
		Test2:                  optional(r.Test2),
		Test3:                  optional(r.Test3),
		TestAverage:            optional(r.TestAverage),
		Outcome:                optional(r.Outcome),
	}
}

// FinalizeInput records calibration results and closes the order.
type FinalizeInput struct {
	OrderID         int64
	Result          CalibrationResult
	ExpectedVersion int64
}

// CancelInput cancels an order.
type CancelInput struct {
	OrderID         int64
	Reason          string
	ExpectedVersion int64
}

// PaymentInput sets the payment flag.
type PaymentInput struct {
	OrderID int64
	Paid    bool
}

// UpdateInput patches editable order details. Nil fields are left unchanged.
type UpdateInput struct {
	OrderID         int64 `json:"-"`
	ExpectedVersion int64 `json:"-"`

	CalibrationTypeID  *int64   `json:"calibration_type_id,omitempty" validate:"omitempty,gt=0"`
	Notes              *string  `json:"notes,omitempty" validate:"omitempty,max=2000"`
	BatteryCount       *int     `json:"battery_count,omitempty" validate:"omitempty,gte=0"`
	BlowerCount        *int     `json:"blower_count,omitempty" validate:"omitempty,gte=0"`
	ShippingCode       *string  `json:"shipping_code,omitempty" validate:"omitempty,max=50"`
	ReturnCode         *string  `json:"return_code,omitempty" validate:"omitempty,max=50"`
	ServiceValue       *float64 `json:"service_value,omitempty" validate:"omitempty,gte=0"`
	FreightOutValue    *float64 `json:"freight_out_value,omitempty" validate:"omitempty,gte=0"`
	FreightReturnValue *float64 `json:"freight_return_value,omitempty" validate:"omitempty,gte=0"`
	Received           *bool    `json:"received,omitempty"`
	Warranty           *bool    `json:"warranty,omitempty"`
}

// apply writes the non-nil fields onto o and returns the changed field names.
func (u UpdateInput) apply(o *WorkOrder) []string {
	var changed []string
	setInt64 := func(name string, dst **int64, v *int64) {
		if v != nil {
			c := *v
			*dst = &c
			changed = append(changed, name)
		}
	}
	setString := func(name string, dst **string, v *string) {
		if v != nil {
			c := *v
			*dst = &c
			changed = append(changed, name)
		}
	}
	setInt := func(name string, dst *int, v *int) {
		if v != nil {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setFloat := func(name string, dst *float64, v *float64) {
		if v != nil {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setBool := func(name string, dst *bool, v *bool) {
		if v != nil {
			*dst = *v
			changed = append(changed, name)
		}
	}
	setInt64("calibration_type_id", &o.CalibrationTypeID, u.CalibrationTypeID)
	setString("notes", &o.Notes, u.Notes)
	setInt("battery_count", &o.BatteryCount, u.BatteryCount)
	setInt("blower_count", &o.BlowerCount, u.BlowerCount)
	setString("shipping_code", &o.ShippingCode, u.ShippingCode)
	setString("return_code", &o.ReturnCode, u.ReturnCode)
	setFloat("service_value", &o.ServiceValue, u.ServiceValue)
	setFloat("freight_out_value", &o.FreightOutValue, u.FreightOutValue)
	setFloat("freight_return_value", &o.FreightReturnValue, u.FreightReturnValue)
	setBool("received", &o.Received, u.Received)
	setBool("warranty", &o.Warranty, u.Warranty)
	return changed
}

func (u UpdateInput) empty() bool {
	return u.CalibrationTypeID == nil && u.Notes == nil && u.BatteryCount == nil &&
		u.BlowerCount == nil && u.ShippingCode == nil && u.ReturnCode == nil &&
		u.ServiceValue == nil && u.FreightOutValue == nil && u.FreightReturnValue == nil &&
		u.Received == nil && u.Warranty == nil
}

// OrderResponse is the API representation of a work order.
type OrderResponse struct {
	*WorkOrder
	PhaseCode  int     `json:"phase_code"`
	TotalValue float64 `json:"total_value"`
}

// NewOrderResponse builds the API representation including derived fields.
func NewOrderResponse(o *WorkOrder) OrderResponse {
	return OrderResponse{WorkOrder: o, PhaseCode: o.Phase.Ordinal(), TotalValue: o.Total()}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
