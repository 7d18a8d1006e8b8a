//go:build integration

package workorders

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/metrocal/metrocal/internal/platform/db"
	"github.com/metrocal/metrocal/migrations"
)

// RepositoryIntegrationTestSuite runs the pgx repository against a real
// PostgreSQL container.
type RepositoryIntegrationTestSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	repo      Repository
	svc       *Service
}

func (s *RepositoryIntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("metrocal"),
		postgres.WithUsername("metrocal"),
		postgres.WithPassword("metrocal"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	pool, err := db.New(ctx, dsn, db.PoolOptions{MaxConns: 4})
	s.Require().NoError(err)
	s.pool = pool

	s.Require().NoError(migrations.Up(ctx, pool))
	// Applying twice must be harmless.
	s.Require().NoError(migrations.Up(ctx, pool))
}

func (s *RepositoryIntegrationTestSuite) SetupTest() {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `TRUNCATE work_order_audit_entries, system_logs, idempotency_keys, work_orders,
		equipment_registrations, equipment, companies RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)

	_, err = s.pool.Exec(ctx, `INSERT INTO companies (name) VALUES ('Acme Labs')`)
	s.Require().NoError(err)
	_, err = s.pool.Exec(ctx, `INSERT INTO equipment (code, description, calibration_interval_days) VALUES ('PG-01', 'Pressure gauge', 180)`)
	s.Require().NoError(err)
	_, err = s.pool.Exec(ctx, `INSERT INTO equipment_registrations (equipment_id, company_id, serial_number) VALUES (1, 1, 'SN-1')`)
	s.Require().NoError(err)

	s.repo = NewRepository(s.pool, nil, nil)
	s.svc = NewService(s.repo, ServiceConfig{})
}

func (s *RepositoryIntegrationTestSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *RepositoryIntegrationTestSuite) createOrder() *WorkOrder {
	order, err := s.svc.CreateOrder(context.Background(), CreateOrderInput{
		CompanyID:      1,
		RegistrationID: 1,
		FinancialInputs: FinancialInputs{
			ServiceValue:       100.10,
			FreightOutValue:    5.20,
			FreightReturnValue: 4.70,
		},
	}, operator)
	s.Require().NoError(err)
	return order
}

func (s *RepositoryIntegrationTestSuite) TestCreateAndFinalize() {
	ctx := context.Background()
	order := s.createOrder()

	s.Require().NoError(s.svc.AdvancePhase(ctx, AdvancePhaseInput{OrderID: order.ID, Phase: PhaseSent}, operator))
	s.Require().NoError(s.svc.AdvancePhase(ctx, AdvancePhaseInput{OrderID: order.ID, Phase: PhaseReceived}, operator))
	finalized, err := s.svc.Finalize(ctx, FinalizeInput{
		OrderID: order.ID,
		Result:  validResult(time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)),
	}, operator)
	s.Require().NoError(err)
	s.Equal(int64(4), finalized.Version)

	stored, err := s.repo.GetOrder(ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(StatusFinished, stored.Status)
	s.Equal(PhaseCalibrated, stored.Phase)
	s.Require().NotNil(stored.NextDueDate)
	s.Equal("2024-07-08", stored.NextDueDate.Format(time.DateOnly))

	var total float64
	s.Require().NoError(s.pool.QueryRow(ctx, `SELECT total_value::double precision FROM work_orders WHERE id = $1`, order.ID).Scan(&total))
	s.InDelta(110.0, total, 0.001)

	reg, err := s.repo.GetRegistration(ctx, 1)
	s.Require().NoError(err)
	s.Require().NotNil(reg.LastCalibrationDate)
	s.Equal("2024-01-10", reg.LastCalibrationDate.Format(time.DateOnly))
	s.Require().NotNil(reg.CurrentOrderID)
	s.Equal(order.ID, *reg.CurrentOrderID)

	entries, err := s.repo.ListAuditEntries(ctx, order.ID)
	s.Require().NoError(err)
	s.Len(entries, 4)
	s.Equal(ActionFinalized, entries[0].Action)

	byKey, err := s.repo.GetOrderByAccessKey(ctx, order.AccessKey)
	s.Require().NoError(err)
	s.Equal(order.ID, byKey.ID)
}

func (s *RepositoryIntegrationTestSuite) TestTotalCannotBeWritten() {
	order := s.createOrder()
	_, err := s.pool.Exec(context.Background(), `UPDATE work_orders SET total_value = 1 WHERE id = $1`, order.ID)
	s.Error(err)
}

func (s *RepositoryIntegrationTestSuite) TestAuditEntriesAreAppendOnly() {
	order := s.createOrder()
	_, err := s.pool.Exec(context.Background(), `DELETE FROM work_order_audit_entries WHERE work_order_id = $1`, order.ID)
	s.Error(err)
	_, err = s.pool.Exec(context.Background(), `UPDATE work_order_audit_entries SET description = 'x' WHERE work_order_id = $1`, order.ID)
	s.Error(err)
}

func (s *RepositoryIntegrationTestSuite) TestVersionCheckedUpdate() {
	ctx := context.Background()
	order := s.createOrder()

	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		locked, err := repo.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		locked.Paid = true
		return repo.UpdateOrder(ctx, locked, locked.Version+5)
	})
	s.ErrorIs(err, ErrStaleOrder)

	stored, err := s.repo.GetOrder(ctx, order.ID)
	s.Require().NoError(err)
	s.False(stored.Paid)
	s.Equal(int64(1), stored.Version)
}

func (s *RepositoryIntegrationTestSuite) TestDuplicateAccessKey() {
	ctx := context.Background()
	order := s.createOrder()

	dup := &WorkOrder{
		AccessKey:      order.AccessKey,
		CompanyID:      1,
		RegistrationID: 1,
		Phase:          PhaseRequested,
		Status:         StatusWaiting,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		return repo.InsertOrder(ctx, dup)
	})
	s.ErrorIs(err, errAccessKeyTaken)

	exists, err := s.repo.AccessKeyExists(ctx, order.AccessKey)
	s.Require().NoError(err)
	s.True(exists)
}

func (s *RepositoryIntegrationTestSuite) TestConcurrentTransitionsOneWins() {
	ctx := context.Background()
	order := s.createOrder()

	errs := make(chan error, 2)
	for _, phase := range []Phase{PhaseSent, PhaseCancelled} {
		go func(p Phase) {
			errs <- s.svc.AdvancePhase(ctx, AdvancePhaseInput{OrderID: order.ID, Phase: p, ExpectedVersion: 1}, operator)
		}(phase)
	}
	var failures int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			s.ErrorIs(err, ErrStaleOrder)
			failures++
		}
	}
	s.Equal(1, failures)

	entries, err := s.repo.ListAuditEntries(ctx, order.ID)
	s.Require().NoError(err)
	s.Len(entries, 2)
}

func (s *RepositoryIntegrationTestSuite) TestIdempotencyAndSystemLog() {
	ctx := context.Background()
	order := s.createOrder()

	notes := "handle with care"
	_, err := s.svc.Update(ctx, UpdateInput{OrderID: order.ID, Notes: &notes}, operator)
	s.Require().NoError(err)

	var logs int
	s.Require().NoError(s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM system_logs WHERE entity = 'work_order' AND entity_id = $1`, order.ID).Scan(&logs))
	s.Equal(1, logs)

	input := CreateOrderInput{CompanyID: 1, RegistrationID: 1, IdempotencyKey: "0b8f2c1e-5d4a-4e3b-9c2d-1a0f9e8d7c6b"}
	_, err = s.svc.CreateOrder(ctx, input, operator)
	s.Require().NoError(err)
	_, err = s.svc.CreateOrder(ctx, input, operator)
	s.Error(err)
}

func (s *RepositoryIntegrationTestSuite) TestDueNotices() {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `UPDATE equipment_registrations SET next_due_date = '2024-07-08' WHERE id = 1`)
	s.Require().NoError(err)
	asOf := time.Date(2024, 6, 20, 6, 0, 0, 0, time.UTC)

	due, err := s.svc.DueRegistrations(ctx, asOf, 30)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(18, due[0].DaysUntilDue)
	s.Equal("Acme Labs", due[0].CompanyName)

	noticed, err := s.svc.NoticeDue(ctx, asOf, 30, 10)
	s.Require().NoError(err)
	s.Len(noticed, 1)

	again, err := s.svc.NoticeDue(ctx, asOf, 30, 10)
	s.Require().NoError(err)
	s.Empty(again)
}

func (s *RepositoryIntegrationTestSuite) TestDashboard() {
	ctx := context.Background()
	order := s.createOrder()
	s.Require().NoError(s.svc.AdvancePhase(ctx, AdvancePhaseInput{OrderID: order.ID, Phase: PhaseSent}, operator))
	_, err := s.pool.Exec(ctx, `UPDATE work_orders SET requested_at = '2024-06-01T00:00:00Z' WHERE id = $1`, order.ID)
	s.Require().NoError(err)

	_, err = s.pool.Exec(ctx, `INSERT INTO companies (name) VALUES ('Other Co')`)
	s.Require().NoError(err)
	_, err = s.pool.Exec(ctx, `UPDATE equipment_registrations SET next_due_date = '2024-06-10' WHERE id = 1`)
	s.Require().NoError(err)
	_, err = s.pool.Exec(ctx, `INSERT INTO equipment_registrations (equipment_id, company_id, serial_number, next_due_date)
		VALUES (1, 2, 'SN-2', '2024-07-01'), (1, 2, 'SN-3', '2024-07-21')`)
	s.Require().NoError(err)
	_, err = s.pool.Exec(ctx, `INSERT INTO equipment_registrations (equipment_id, company_id, serial_number, next_due_date, calibration_refused)
		VALUES (1, 2, 'SN-4', '2024-01-01', TRUE)`)
	s.Require().NoError(err)

	summary, err := s.svc.Dashboard(ctx, time.Date(2024, 6, 20, 15, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(0, summary.OrdersWaiting)
	s.Equal(1, summary.OrdersInProgress)
	s.Equal(0, summary.OrdersFinishedRecent)
	s.Equal(1, summary.OverdueCalibrations)
	s.Equal(1, summary.OverdueClients)
	s.Equal(1, summary.UpcomingCalibrations)
	s.Equal(1, summary.RefusedCalibrations)
	s.Require().Len(summary.InProgress, 1)
	s.Equal(order.AccessKey, summary.InProgress[0].AccessKey)
	s.Equal("Acme Labs", summary.InProgress[0].CompanyName)
	s.Equal("Pressure gauge", summary.InProgress[0].EquipmentDescription)
	s.Equal(PhaseSent, summary.InProgress[0].Phase)
	s.Equal(19, summary.InProgress[0].DaysOpen)
}

func TestRepositoryIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryIntegrationTestSuite))
}
