package workorders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/metrocal/metrocal/internal/shared"
)

const (
	defaultMaxKeyAttempts = 16
	maxCancelReason       = 500
	idempotencyModule     = "workorders.create"

	// insertRetries bounds how often CreateOrder restarts after losing an
	// access key race on the unique index.
	insertRetries = 3
)

// RoleClient marks actors acting on behalf of the client company.
const RoleClient = "client"

// TrackingCache caches the public tracking view by access key.
type TrackingCache interface {
	Fetch(ctx context.Context, accessKey string, load func(context.Context) (*TrackingView, error)) (*TrackingView, error)
	Invalidate(ctx context.Context, accessKey string) error
}

// TransitionRecorder observes committed lifecycle actions.
type TransitionRecorder interface {
	ObserveTransition(action, from, to string)
}

// ServiceConfig carries the optional collaborators of Service.
type ServiceConfig struct {
	Logger         *slog.Logger
	Keys           *AccessKeyGenerator
	MaxKeyAttempts int
	Cache          TrackingCache
	Metrics        TransitionRecorder
	Policy         PhasePolicy
	Now            func() time.Time
}

// Service is the work order lifecycle engine. It is the only writer of an
// order's phase, status and timestamps, and of the calibration history on the
// linked equipment registration.
type Service struct {
	repo           Repository
	logger         *slog.Logger
	keys           *AccessKeyGenerator
	maxKeyAttempts int
	cache          TrackingCache
	metrics        TransitionRecorder
	policy         PhasePolicy
	now            func() time.Time
}

// NewService wires the engine.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	s := &Service{
		repo:           repo,
		logger:         cfg.Logger,
		keys:           cfg.Keys,
		maxKeyAttempts: cfg.MaxKeyAttempts,
		cache:          cfg.Cache,
		metrics:        cfg.Metrics,
		policy:         cfg.Policy,
		now:            cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.keys == nil {
		s.keys = NewAccessKeyGenerator(nil)
	}
	if s.maxKeyAttempts <= 0 {
		s.maxKeyAttempts = defaultMaxKeyAttempts
	}
	if s.policy == nil {
		s.policy = AnyNonTerminal
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateOrder opens a new order in the Requested phase with a fresh access key.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput, actor shared.Actor) (*WorkOrder, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	idemKey, err := shared.NormalizeIdempotencyKey(input.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var order *WorkOrder
	for attempt := 0; attempt < insertRetries; attempt++ {
		order, err = s.createOnce(ctx, input, idemKey, actor)
		if !errors.Is(err, errAccessKeyTaken) {
			break
		}
		s.logger.Warn("access key lost race, retrying", slog.Int("attempt", attempt+1))
	}
	if errors.Is(err, errAccessKeyTaken) {
		err = fmt.Errorf("%w: insert kept colliding after %d attempts", ErrKeyspaceExhausted, insertRetries)
	}
	if err != nil {
		if errors.Is(err, ErrKeyspaceExhausted) {
			s.logger.Error("access key generation failed",
				slog.Int64("registration_id", input.RegistrationID),
				slog.Any("error", err))
		}
		return nil, err
	}

	s.afterCommit(ctx, order, ActionCreated, order.Phase, actor)
	return order, nil
}

func (s *Service) createOnce(ctx context.Context, input CreateOrderInput, idemKey string, actor shared.Actor) (*WorkOrder, error) {
	var created *WorkOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		if idemKey != "" {
			if err := repo.ClaimIdempotencyKey(ctx, idemKey, idempotencyModule); err != nil {
				return err
			}
		}
		if _, err := repo.GetCompany(ctx, input.CompanyID); err != nil {
			return err
		}
		reg, err := repo.GetRegistration(ctx, input.RegistrationID)
		if err != nil {
			return err
		}
		if reg.CompanyID != input.CompanyID {
			return fmt.Errorf("%w: registration %d does not belong to company %d",
				ErrValidation, reg.ID, input.CompanyID)
		}

		key, err := s.freeAccessKey(ctx, repo)
		if err != nil {
			return err
		}

		now := s.now()
		order := &WorkOrder{
			AccessKey:          key,
			CompanyID:          input.CompanyID,
			RegistrationID:     input.RegistrationID,
			CalibrationTypeID:  input.CalibrationTypeID,
			Phase:              PhaseRequested,
			Status:             StatusForPhase(PhaseRequested),
			RequestedAt:        &now,
			ServiceValue:       input.ServiceValue,
			FreightOutValue:    input.FreightOutValue,
			FreightReturnValue: input.FreightReturnValue,
			Notes:              input.Notes,
			BatteryCount:       input.BatteryCount,
			BlowerCount:        input.BlowerCount,
		}
		if err := repo.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := repo.InsertAuditEntry(ctx, s.auditEntry(order.ID, actor, ActionCreated, "work order created with access key "+key)); err != nil {
			return fmt.Errorf("record audit entry: %w", err)
		}
		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) freeAccessKey(ctx context.Context, repo Repository) (string, error) {
	for attempt := 0; attempt < s.maxKeyAttempts; attempt++ {
		key := s.keys.Generate()
		exists, err := repo.AccessKeyExists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("check access key: %w", err)
		}
		if !exists {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: %d candidates collided", ErrKeyspaceExhausted, s.maxKeyAttempts)
}

// AdvancePhase moves an open order to the target phase.
func (s *Service) AdvancePhase(ctx context.Context, input AdvancePhaseInput, actor shared.Actor) error {
	if !input.Phase.IsValid() {
		return fmt.Errorf("%w: unknown phase %d", ErrValidation, int(input.Phase))
	}
	_, err := s.mutate(ctx, mutation{
		orderID:         input.OrderID,
		expectedVersion: input.ExpectedVersion,
		action:          ActionPhaseChanged,
		actor:           actor,
		apply: func(_ context.Context, _ Repository, o *WorkOrder) (string, error) {
			if !o.Status.CanAdvance() {
				return "", fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, o.ID, o.Status)
			}
			if err := s.policy(o.Phase, input.Phase); err != nil {
				return "", err
			}
			from := o.Phase
			o.enterPhase(input.Phase, s.now())
			return fmt.Sprintf("phase changed from %s to %s", from, input.Phase), nil
		},
	})
	return err
}

// Finalize records the calibration results, closes the order and rolls the
// registration's calibration schedule forward.
func (s *Service) Finalize(ctx context.Context, input FinalizeInput, actor shared.Actor) (*WorkOrder, error) {
	result := input.Result
	result.normalize()
	if err := validateInput(result); err != nil {
		return nil, err
	}

	return s.mutate(ctx, mutation{
		orderID:         input.OrderID,
		expectedVersion: input.ExpectedVersion,
		action:          ActionFinalized,
		actor:           actor,
		apply: func(ctx context.Context, repo Repository, o *WorkOrder) (string, error) {
			switch o.Status {
			case StatusFinished:
				return "", fmt.Errorf("%w: order %d", ErrAlreadyFinalized, o.ID)
			case StatusCancelled:
				return "", fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, o.ID, o.Status)
			}

			reg, err := repo.LockRegistration(ctx, o.RegistrationID)
			if err != nil {
				return "", err
			}
			equipment, err := repo.GetEquipment(ctx, reg.EquipmentID)
			if err != nil {
				return "", err
			}

			calibratedAt := result.CalibratedAt
			date := CalibrationDate(calibratedAt)
			next := NextDueDate(date, equipment.IntervalDays())
			cert := result.certificate()

			o.CertificateFields = cert
			o.CertificateText = optional(result.CertificateText)
			o.Phase = PhaseCalibrated
			o.Status = StatusFinished
			o.CalibratedAt = &calibratedAt
			o.NextDueDate = &next

			orderID := o.ID
			reg.LastCalibrationDate = &date
			reg.NextDueDate = &next
			reg.CurrentOrderID = &orderID
			reg.CertificateFields = cert
			if err := repo.UpdateRegistrationCalibration(ctx, reg); err != nil {
				return "", fmt.Errorf("update registration: %w", err)
			}
			return fmt.Sprintf("finalized with certificate %s, next calibration due %s",
				result.CertificateNumber, next.Format(time.DateOnly)), nil
		},
	})
}

// Cancel cancels an order that has not finished. Cancelling twice is allowed
// and records a second entry.
func (s *Service) Cancel(ctx context.Context, input CancelInput, actor shared.Actor) error {
	reason := strings.TrimSpace(input.Reason)
	if len(reason) > maxCancelReason {
		return fmt.Errorf("%w: reason must be at most %d characters", ErrValidation, maxCancelReason)
	}
	_, err := s.mutate(ctx, mutation{
		orderID:         input.OrderID,
		expectedVersion: input.ExpectedVersion,
		action:          ActionCancelled,
		actor:           actor,
		apply: func(_ context.Context, _ Repository, o *WorkOrder) (string, error) {
			if !o.Status.CanCancel() {
				return "", fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, o.ID, o.Status)
			}
			o.enterPhase(PhaseCancelled, s.now())
			if reason == "" {
				return "work order cancelled", nil
			}
			return "work order cancelled: " + reason, nil
		},
	})
	return err
}

// SetPaymentStatus flips the paid flag. It is allowed in every status.
func (s *Service) SetPaymentStatus(ctx context.Context, input PaymentInput, actor shared.Actor) error {
	_, err := s.mutate(ctx, mutation{
		orderID: input.OrderID,
		action:  ActionPaymentMarked,
		actor:   actor,
		apply: func(_ context.Context, _ Repository, o *WorkOrder) (string, error) {
			o.Paid = input.Paid
			if input.Paid {
				return "payment marked as received", nil
			}
			return "payment marked as pending", nil
		},
	})
	return err
}

// Update edits the non-lifecycle details of an open order.
func (s *Service) Update(ctx context.Context, input UpdateInput, actor shared.Actor) (*WorkOrder, error) {
	if input.empty() {
		return nil, fmt.Errorf("%w: no fields to update", ErrValidation)
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}
	return s.mutate(ctx, mutation{
		orderID:         input.OrderID,
		expectedVersion: input.ExpectedVersion,
		action:          ActionUpdated,
		actor:           actor,
		apply: func(ctx context.Context, repo Repository, o *WorkOrder) (string, error) {
			if !o.Status.CanEdit() {
				return "", fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, o.ID, o.Status)
			}
			before := o.clone()
			changed := input.apply(o)
			description := "updated " + strings.Join(changed, ", ")
			err := repo.RecordSystemLog(ctx, shared.SystemLogEntry{
				Actor:       actor,
				Action:      string(ActionUpdated),
				Entity:      "work_order",
				EntityID:    o.ID,
				Description: description,
				Before:      before,
				After:       o,
				At:          s.now(),
			})
			if err != nil {
				return "", fmt.Errorf("record system log: %w", err)
			}
			return description, nil
		},
	})
}

// Get returns a single order.
func (s *Service) Get(ctx context.Context, id int64) (*WorkOrder, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListAuditEntries returns the order's audit trail, most recent first.
func (s *Service) ListAuditEntries(ctx context.Context, orderID int64) ([]AuditEntry, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListAuditEntries(ctx, orderID)
}

// Track resolves the public view of an order by access key.
func (s *Service) Track(ctx context.Context, accessKey string) (*TrackingView, error) {
	accessKey = strings.ToUpper(strings.TrimSpace(accessKey))
	if !IsAccessKey(accessKey) {
		return nil, fmt.Errorf("%w: unknown access key", ErrNotFound)
	}
	load := func(ctx context.Context) (*TrackingView, error) {
		order, err := s.repo.GetOrderByAccessKey(ctx, accessKey)
		if err != nil {
			return nil, err
		}
		return newTrackingView(order), nil
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.Fetch(ctx, accessKey, load)
}

// DueRegistrations lists active registrations due within leadDays of asOf.
func (s *Service) DueRegistrations(ctx context.Context, asOf time.Time, leadDays int) ([]DueRegistration, error) {
	if leadDays < 0 {
		return nil, fmt.Errorf("%w: lead days must be >= 0", ErrValidation)
	}
	return s.repo.DueRegistrations(ctx, DueQuery{
		AsOf:     asOf,
		Until:    CalibrationDate(asOf).AddDate(0, 0, leadDays),
		LeadDays: leadDays,
	})
}

// Dashboard window sizes.
const (
	dashboardUpcomingDays = 30
	dashboardFinishedDays = 30
	dashboardListLimit    = 50
)

// Dashboard summarizes open orders and calibration due dates as of asOf.
func (s *Service) Dashboard(ctx context.Context, asOf time.Time) (*DashboardSummary, error) {
	today := CalibrationDate(asOf)
	summary, err := s.repo.Dashboard(ctx, DashboardQuery{
		Today:         today,
		UpcomingUntil: today.AddDate(0, 0, dashboardUpcomingDays),
		FinishedSince: today.AddDate(0, 0, -dashboardFinishedDays),
		Limit:         dashboardListLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("load dashboard: %w", err)
	}
	return summary, nil
}

// NoticeDue claims registrations due within leadDays that have not been
// noticed for their current due date, and stamps them as noticed.
func (s *Service) NoticeDue(ctx context.Context, asOf time.Time, leadDays, limit int) ([]DueRegistration, error) {
	if leadDays < 0 {
		return nil, fmt.Errorf("%w: lead days must be >= 0", ErrValidation)
	}
	var claimed []DueRegistration
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		due, err := repo.DueRegistrations(ctx, DueQuery{
			AsOf:          asOf,
			Until:         CalibrationDate(asOf).AddDate(0, 0, leadDays),
			LeadDays:      leadDays,
			OnlyUnnoticed: true,
			Limit:         limit,
			SkipLocked:    true,
		})
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(due))
		for _, d := range due {
			ids = append(ids, d.RegistrationID)
		}
		if err := repo.MarkNoticed(ctx, ids, asOf); err != nil {
			return err
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

type mutation struct {
	orderID         int64
	expectedVersion int64
	action          AuditAction
	actor           shared.Actor
	// apply mutates the locked order and returns the audit description.
	apply func(ctx context.Context, repo Repository, o *WorkOrder) (string, error)
}

func (s *Service) mutate(ctx context.Context, m mutation) (*WorkOrder, error) {
	var (
		updated *WorkOrder
		from    Phase
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		order, err := repo.LockOrder(ctx, m.orderID)
		if err != nil {
			return err
		}
		if m.expectedVersion > 0 && order.Version != m.expectedVersion {
			return fmt.Errorf("%w: order %d is at version %d, not %d",
				ErrStaleOrder, order.ID, order.Version, m.expectedVersion)
		}
		from = order.Phase
		version := order.Version

		description, err := m.apply(ctx, repo, order)
		if err != nil {
			return err
		}
		if err := repo.UpdateOrder(ctx, order, version); err != nil {
			return err
		}
		if err := repo.InsertAuditEntry(ctx, s.auditEntry(order.ID, m.actor, m.action, description)); err != nil {
			return fmt.Errorf("record audit entry: %w", err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, updated, m.action, from, m.actor)
	return updated, nil
}

func (s *Service) auditEntry(orderID int64, actor shared.Actor, action AuditAction, description string) *AuditEntry {
	entry := &AuditEntry{
		OrderID:     orderID,
		AuthorKind:  AuthorStaff,
		Action:      action,
		Description: description,
		OccurredAt:  s.now(),
	}
	if actor.ID > 0 {
		id := actor.ID
		entry.ActorID = &id
	}
	if actor.Role == RoleClient {
		entry.AuthorKind = AuthorClient
	}
	return entry
}

// afterCommit runs side effects that must not fail a committed operation.
func (s *Service) afterCommit(ctx context.Context, order *WorkOrder, action AuditAction, from Phase, actor shared.Actor) {
	s.logger.Info("work order transition",
		slog.Int64("order_id", order.ID),
		slog.String("action", string(action)),
		slog.String("from_phase", from.String()),
		slog.String("to_phase", order.Phase.String()),
		slog.Int64("actor_id", actor.ID))

	if s.metrics != nil {
		s.metrics.ObserveTransition(string(action), from.String(), order.Phase.String())
	}
	if s.cache != nil && action != ActionCreated {
		if err := s.cache.Invalidate(context.WithoutCancel(ctx), order.AccessKey); err != nil {
			s.logger.Warn("tracking cache invalidation failed",
				slog.Int64("order_id", order.ID),
				slog.Any("error", err))
		}
	}
}
