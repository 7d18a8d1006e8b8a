package workorders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/metrocal/metrocal/internal/shared"
)

type memoryState struct {
	orders        map[int64]WorkOrder
	registrations map[int64]EquipmentRegistration
	equipment     map[int64]Equipment
	companies     map[int64]Company
	audit         []AuditEntry
	idempotency   map[string]bool
	systemLogs    []shared.SystemLogEntry
	nextOrderID   int64
	nextAuditID   int64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		orders:        make(map[int64]WorkOrder, len(s.orders)),
		registrations: make(map[int64]EquipmentRegistration, len(s.registrations)),
		equipment:     make(map[int64]Equipment, len(s.equipment)),
		companies:     make(map[int64]Company, len(s.companies)),
		audit:         append([]AuditEntry(nil), s.audit...),
		idempotency:   make(map[string]bool, len(s.idempotency)),
		systemLogs:    append([]shared.SystemLogEntry(nil), s.systemLogs...),
		nextOrderID:   s.nextOrderID,
		nextAuditID:   s.nextAuditID,
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.registrations {
		c.registrations[k] = v
	}
	for k, v := range s.equipment {
		c.equipment[k] = v
	}
	for k, v := range s.companies {
		c.companies[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

// memoryFaults injects failures into the in-memory repository.
type memoryFaults struct {
	auditErr          error
	registrationErr   error
	systemLogErr      error
	keyCollisions     int
	insertKeyTaken    int
	accessKeyChecks   int
	insertAttempts    int
	serializationHits int
}

// memoryRepo is a Repository with copy-on-begin, commit-on-success
// transactions. Transactions are serialized.
type memoryRepo struct {
	mu     *sync.Mutex
	state  *memoryState
	faults *memoryFaults
	inTx   bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		mu: &sync.Mutex{},
		state: &memoryState{
			orders:        map[int64]WorkOrder{},
			registrations: map[int64]EquipmentRegistration{},
			equipment:     map[int64]Equipment{},
			companies:     map[int64]Company{},
			idempotency:   map[string]bool{},
			nextOrderID:   1,
			nextAuditID:   1,
		},
		faults: &memoryFaults{},
	}
}

func (r *memoryRepo) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.faults.serializationHits > 0 {
		r.faults.serializationHits--
		return fmt.Errorf("%w: could not serialize access", ErrStaleOrder)
	}
	working := r.state.clone()
	tx := &memoryRepo{mu: r.mu, state: working, faults: r.faults, inTx: true}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	*r.state = *working
	return nil
}

func (r *memoryRepo) addCompany(c Company) {
	defer r.lock()()
	r.state.companies[c.ID] = c
}

func (r *memoryRepo) addEquipment(e Equipment) {
	defer r.lock()()
	r.state.equipment[e.ID] = e
}

func (r *memoryRepo) addRegistration(reg EquipmentRegistration) {
	defer r.lock()()
	if reg.Status == "" {
		reg.Status = RegistrationActive
	}
	r.state.registrations[reg.ID] = reg
}

func (r *memoryRepo) registration(id int64) EquipmentRegistration {
	defer r.lock()()
	return r.state.registrations[id]
}

func (r *memoryRepo) order(id int64) WorkOrder {
	defer r.lock()()
	return r.state.orders[id]
}

func (r *memoryRepo) auditCount(orderID int64) int {
	defer r.lock()()
	n := 0
	for _, e := range r.state.audit {
		if e.OrderID == orderID {
			n++
		}
	}
	return n
}

func (r *memoryRepo) systemLogCount() int {
	defer r.lock()()
	return len(r.state.systemLogs)
}

func (r *memoryRepo) GetOrder(ctx context.Context, id int64) (*WorkOrder, error) {
	defer r.lock()()
	o, ok := r.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (r *memoryRepo) GetOrderByAccessKey(ctx context.Context, key string) (*WorkOrder, error) {
	defer r.lock()()
	for _, o := range r.state.orders {
		if o.AccessKey == key {
			found := o
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) LockOrder(ctx context.Context, id int64) (*WorkOrder, error) {
	return r.GetOrder(ctx, id)
}

func (r *memoryRepo) AccessKeyExists(ctx context.Context, key string) (bool, error) {
	defer r.lock()()
	r.faults.accessKeyChecks++
	if r.faults.keyCollisions > 0 {
		r.faults.keyCollisions--
		return true, nil
	}
	for _, o := range r.state.orders {
		if o.AccessKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) InsertOrder(ctx context.Context, order *WorkOrder) error {
	defer r.lock()()
	r.faults.insertAttempts++
	if r.faults.insertKeyTaken > 0 {
		r.faults.insertKeyTaken--
		return errAccessKeyTaken
	}
	for _, o := range r.state.orders {
		if o.AccessKey == order.AccessKey {
			return errAccessKeyTaken
		}
	}
	order.ID = r.state.nextOrderID
	r.state.nextOrderID++
	order.Version = 1
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	r.state.orders[order.ID] = *order
	return nil
}

func (r *memoryRepo) UpdateOrder(ctx context.Context, order *WorkOrder, expectedVersion int64) error {
	defer r.lock()()
	current, ok := r.state.orders[order.ID]
	if !ok || current.Version != expectedVersion {
		return fmt.Errorf("%w: order %d is no longer at version %d", ErrStaleOrder, order.ID, expectedVersion)
	}
	order.Version = expectedVersion + 1
	order.UpdatedAt = time.Now()
	r.state.orders[order.ID] = *order
	return nil
}

func (r *memoryRepo) GetCompany(ctx context.Context, id int64) (*Company, error) {
	defer r.lock()()
	c, ok := r.state.companies[id]
	if !ok {
		return nil, fmt.Errorf("%w: company %d", ErrNotFound, id)
	}
	return &c, nil
}

func (r *memoryRepo) GetRegistration(ctx context.Context, id int64) (*EquipmentRegistration, error) {
	defer r.lock()()
	reg, ok := r.state.registrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: equipment registration %d", ErrNotFound, id)
	}
	return &reg, nil
}

func (r *memoryRepo) LockRegistration(ctx context.Context, id int64) (*EquipmentRegistration, error) {
	return r.GetRegistration(ctx, id)
}

func (r *memoryRepo) GetEquipment(ctx context.Context, id int64) (*Equipment, error) {
	defer r.lock()()
	e, ok := r.state.equipment[id]
	if !ok {
		return nil, fmt.Errorf("%w: equipment %d", ErrNotFound, id)
	}
	return &e, nil
}

func (r *memoryRepo) UpdateRegistrationCalibration(ctx context.Context, reg *EquipmentRegistration) error {
	defer r.lock()()
	if r.faults.registrationErr != nil {
		return r.faults.registrationErr
	}
	if _, ok := r.state.registrations[reg.ID]; !ok {
		return fmt.Errorf("%w: equipment registration %d", ErrNotFound, reg.ID)
	}
	r.state.registrations[reg.ID] = *reg
	return nil
}

func (r *memoryRepo) InsertAuditEntry(ctx context.Context, entry *AuditEntry) error {
	defer r.lock()()
	if r.faults.auditErr != nil {
		return r.faults.auditErr
	}
	entry.ID = r.state.nextAuditID
	r.state.nextAuditID++
	r.state.audit = append(r.state.audit, *entry)
	return nil
}

func (r *memoryRepo) ListAuditEntries(ctx context.Context, orderID int64) ([]AuditEntry, error) {
	defer r.lock()()
	entries := make([]AuditEntry, 0)
	for _, e := range r.state.audit {
		if e.OrderID == orderID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].OccurredAt.Equal(entries[j].OccurredAt) {
			return entries[i].OccurredAt.After(entries[j].OccurredAt)
		}
		return entries[i].ID > entries[j].ID
	})
	return entries, nil
}

func (r *memoryRepo) DueRegistrations(ctx context.Context, q DueQuery) ([]DueRegistration, error) {
	defer r.lock()()
	due := make([]DueRegistration, 0)
	for _, reg := range r.state.registrations {
		if reg.Status != RegistrationActive || reg.CalibrationRefused || reg.NextDueDate == nil {
			continue
		}
		if reg.NextDueDate.After(q.Until) {
			continue
		}
		if q.OnlyUnnoticed && reg.LastNoticeAt != nil &&
			!reg.LastNoticeAt.Before(reg.NextDueDate.AddDate(0, 0, -q.LeadDays)) {
			continue
		}
		company := r.state.companies[reg.CompanyID]
		equipment := r.state.equipment[reg.EquipmentID]
		due = append(due, DueRegistration{
			RegistrationID:       reg.ID,
			CompanyID:            reg.CompanyID,
			CompanyName:          company.Name,
			EquipmentDescription: equipment.Description,
			SerialNumber:         reg.SerialNumber,
			NextDueDate:          *reg.NextDueDate,
			LastNoticeAt:         reg.LastNoticeAt,
			DaysUntilDue:         DaysBetween(q.AsOf, *reg.NextDueDate),
		})
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextDueDate.Equal(due[j].NextDueDate) {
			return due[i].NextDueDate.Before(due[j].NextDueDate)
		}
		return due[i].RegistrationID < due[j].RegistrationID
	})
	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	return due, nil
}

func (r *memoryRepo) MarkNoticed(ctx context.Context, ids []int64, at time.Time) error {
	defer r.lock()()
	for _, id := range ids {
		reg := r.state.registrations[id]
		stamp := at
		reg.LastNoticeAt = &stamp
		r.state.registrations[id] = reg
	}
	return nil
}

func (r *memoryRepo) Dashboard(ctx context.Context, q DashboardQuery) (*DashboardSummary, error) {
	defer r.lock()()
	summary := &DashboardSummary{AsOf: q.Today, InProgress: make([]InProgressOrder, 0)}
	for _, o := range r.state.orders {
		switch o.Status {
		case StatusWaiting:
			summary.OrdersWaiting++
		case StatusInProgress:
			summary.OrdersInProgress++
			reg := r.state.registrations[o.RegistrationID]
			opened := o.CreatedAt
			if o.RequestedAt != nil {
				opened = *o.RequestedAt
			}
			summary.InProgress = append(summary.InProgress, InProgressOrder{
				ID:                   o.ID,
				AccessKey:            o.AccessKey,
				CompanyName:          r.state.companies[o.CompanyID].Name,
				EquipmentDescription: r.state.equipment[reg.EquipmentID].Description,
				Phase:                o.Phase,
				RequestedAt:          o.RequestedAt,
				DaysOpen:             DaysBetween(opened, q.Today),
			})
		case StatusFinished:
			if o.CalibratedAt != nil && !o.CalibratedAt.Before(q.FinishedSince) {
				summary.OrdersFinishedRecent++
			}
		}
	}
	overdueClients := make(map[int64]bool)
	for _, reg := range r.state.registrations {
		if reg.Status != RegistrationActive {
			continue
		}
		if reg.CalibrationRefused {
			summary.RefusedCalibrations++
			continue
		}
		if reg.NextDueDate == nil {
			continue
		}
		switch {
		case reg.NextDueDate.Before(q.Today):
			summary.OverdueCalibrations++
			overdueClients[reg.CompanyID] = true
		case !reg.NextDueDate.After(q.UpcomingUntil):
			summary.UpcomingCalibrations++
		}
	}
	summary.OverdueClients = len(overdueClients)
	sort.Slice(summary.InProgress, func(i, j int) bool {
		a, b := summary.InProgress[i], summary.InProgress[j]
		if a.DaysOpen != b.DaysOpen {
			return a.DaysOpen > b.DaysOpen
		}
		return a.ID < b.ID
	})
	if q.Limit > 0 && len(summary.InProgress) > q.Limit {
		summary.InProgress = summary.InProgress[:q.Limit]
	}
	return summary, nil
}

func (r *memoryRepo) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	defer r.lock()()
	k := module + ":" + key
	if r.state.idempotency[k] {
		return shared.ErrIdempotencyConflict
	}
	r.state.idempotency[k] = true
	return nil
}

func (r *memoryRepo) RecordSystemLog(ctx context.Context, entry shared.SystemLogEntry) error {
	defer r.lock()()
	if r.faults.systemLogErr != nil {
		return r.faults.systemLogErr
	}
	r.state.systemLogs = append(r.state.systemLogs, entry)
	return nil
}

var errInjected = errors.New("injected failure")

var _ Repository = (*memoryRepo)(nil)
