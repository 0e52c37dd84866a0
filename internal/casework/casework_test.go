package casework

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/dcaos/internal/advisor"
	"github.com/opensource-finance/dcaos/internal/allocation"
	"github.com/opensource-finance/dcaos/internal/bus"
	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/repository"
)

// stubAdvisor records inputs and returns fixed answers.
type stubAdvisor struct {
	advisor.Heuristic
	priority    *domain.Priority
	strategy    *domain.Strategy
	err         error
	gotPriority domain.PrioritizeInput
	gotStrategy domain.StrategyInput
}

func (s *stubAdvisor) Prioritize(ctx context.Context, in domain.PrioritizeInput) (domain.Priority, error) {
	s.gotPriority = in
	if s.err != nil {
		return domain.Priority{}, s.err
	}
	if s.priority != nil {
		return *s.priority, nil
	}
	return s.Heuristic.Prioritize(ctx, in)
}

func (s *stubAdvisor) GenerateStrategy(ctx context.Context, in domain.StrategyInput) (domain.Strategy, error) {
	s.gotStrategy = in
	if s.err != nil {
		return domain.Strategy{}, s.err
	}
	if s.strategy != nil {
		return *s.strategy, nil
	}
	return s.Heuristic.GenerateStrategy(ctx, in)
}

var (
	adminScope    = domain.Scope{UserID: "admin", Role: domain.RoleFedexAdmin}
	agencyAdmin   = domain.Scope{UserID: "boss", Role: domain.RoleAgencyAdmin, AgencyID: "dca-1"}
	agencyStaffer = domain.Scope{UserID: "emp", Role: domain.RoleAgencyEmployee, AgencyID: "dca-1"}
)

type fixture struct {
	repo    *repository.MemoryRepository
	svc     *Service
	advisor *stubAdvisor
	bus     *bus.ChannelBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemory(domain.DefaultCaseDefaults())

	require.NoError(t, repo.SaveAgency(ctx, &domain.Agency{ID: "dca-1", Name: "Global Recovery Inc.", ReputationScore: 92, CurrentLoad: 0, Capacity: 10, RecoverySuccessRate: 75}))
	require.NoError(t, repo.SaveAgency(ctx, &domain.Agency{ID: "dca-2", Name: "Vertex Financial", ReputationScore: 85, CurrentLoad: 0, Capacity: 10, RecoverySuccessRate: 65}))
	for _, u := range []domain.User{
		{ID: "admin", Name: "Alex Johnson", Email: "alex.j@fedex.com", Role: domain.RoleFedexAdmin},
		{ID: "boss", Name: "Priya Raman", Email: "priya@dca1.example", Role: domain.RoleAgencyAdmin, AgencyID: "dca-1"},
		{ID: "emp", Name: "Marco Diaz", Email: "marco@dca1.example", Role: domain.RoleAgencyEmployee, AgencyID: "dca-1"},
		{ID: "other", Name: "Sam Lee", Email: "sam@dca2.example", Role: domain.RoleAgencyEmployee, AgencyID: "dca-2"},
	} {
		u := u
		require.NoError(t, repo.SaveUser(ctx, &u))
	}

	b := bus.NewChannelBus(10)
	t.Cleanup(func() { b.Close() })

	adv := &stubAdvisor{}
	engine := allocation.NewEngine(repo, allocation.Options{Explainer: adv, Bus: b})
	svc := New(Config{Repository: repo, Advisor: adv, Engine: engine, Bus: b})
	return &fixture{repo: repo, svc: svc, advisor: adv, bus: b}
}

func (f *fixture) createCase(t *testing.T) *domain.Case {
	t.Helper()
	c, err := f.svc.CreateCase(context.Background(), adminScope, CreateCaseInput{CustomerName: "Apex Innovations", Amount: 2500, AgingDays: 45})
	require.NoError(t, err)
	return c
}

func (f *fixture) assignedCase(t *testing.T, agencyID string) *domain.Case {
	t.Helper()
	c := f.createCase(t)
	c, err := f.svc.AssignAgency(context.Background(), adminScope, c.ID, agencyID)
	require.NoError(t, err)
	return c
}

func TestCreateCase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created := make(chan domain.CaseEvent, 1)
	_, err := f.bus.Subscribe(ctx, domain.TopicCaseCreated, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.CaseEvent
		if err := bus.DecodeEvent(msg, &ev); err != nil {
			return err
		}
		created <- ev
		return nil
	})
	require.NoError(t, err)

	f.advisor.priority = &domain.Priority{RecoveryProbability: 0.6, UrgencyScore: 50, Recommendation: "Assign soon."}
	c, err := f.svc.CreateCase(ctx, adminScope, CreateCaseInput{CustomerName: "  Apex Innovations ", Amount: 2500, AgingDays: 45})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusNew, c.Status)
	assert.Equal(t, "Apex Innovations", c.CustomerName)
	assert.True(t, c.SLA.DueDate.After(time.Now()))
	require.Len(t, c.History, 1)
	assert.Equal(t, "Alex Johnson", c.History[0].Actor)
	assert.Equal(t, 0.6, c.RecoveryProbability)
	assert.Equal(t, 50.0, c.UrgencyScore)
	assert.InDelta(t, 0.45, c.SLA.BreachRisk, 1e-9)
	assert.InDelta(t, 0.7, f.advisor.gotPriority.HistoricalSuccessRate, 1e-9, "mean of 75 and 65")

	select {
	case ev := <-created:
		assert.Equal(t, c.ID, ev.CaseID)
		assert.Equal(t, domain.StatusNew, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for case created event")
	}
}

func TestCreateCaseClampsCollaboratorOutput(t *testing.T) {
	f := newFixture(t)
	f.advisor.priority = &domain.Priority{RecoveryProbability: 1.4, UrgencyScore: 180}

	c, err := f.svc.CreateCase(context.Background(), adminScope, CreateCaseInput{CustomerName: "Nexus", Amount: 100, AgingDays: 3})
	require.NoError(t, err)
	assert.Equal(t, 1.0, c.RecoveryProbability)
	assert.Equal(t, 100.0, c.UrgencyScore)
	assert.InDelta(t, 0.9, c.SLA.BreachRisk, 1e-9)
}

func TestCreateCaseFallsBackWhenPrioritizerFails(t *testing.T) {
	f := newFixture(t)
	f.advisor.err = errors.New("gateway down")

	in := CreateCaseInput{CustomerName: "Orion", Amount: 8000, AgingDays: 100}
	c, err := f.svc.CreateCase(context.Background(), adminScope, in)
	require.NoError(t, err)

	want, _ := advisor.Heuristic{}.Prioritize(context.Background(), domain.PrioritizeInput{Amount: in.Amount, AgingDays: in.AgingDays, HistoricalSuccessRate: 0.7})
	assert.InDelta(t, want.UrgencyScore, c.UrgencyScore, 1e-9)
	assert.InDelta(t, want.RecoveryProbability, c.RecoveryProbability, 1e-9)
}

func TestCreateCaseRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.CreateCase(ctx, agencyAdmin, CreateCaseInput{CustomerName: "X", Amount: 1})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	for _, in := range []CreateCaseInput{
		{CustomerName: " ", Amount: 10},
		{CustomerName: "X", Amount: 0},
		{CustomerName: "X", Amount: -5},
		{CustomerName: "X", Amount: 10, AgingDays: -1},
	} {
		_, err := f.svc.CreateCase(ctx, adminScope, in)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "%+v", in)
	}

	cases, err := f.repo.ListCases(ctx, domain.SystemScope(), domain.CaseFilter{})
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestBreachRisk(t *testing.T) {
	assert.Equal(t, 0.1, BreachRisk(0.1, 0))
	assert.InDelta(t, 0.45, BreachRisk(0.1, 50), 1e-9)
	assert.InDelta(t, 0.9, BreachRisk(0.1, 100), 1e-9)
	assert.Equal(t, 1.0, BreachRisk(1.5, 10))
}

func TestChangeStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("FollowsLifecycle", func(t *testing.T) {
		c := f.assignedCase(t, "dca-1")

		_, err := f.svc.ChangeStatus(ctx, agencyStaffer, c.ID, domain.StatusInProgress)
		assert.ErrorIs(t, err, domain.ErrNotFound, "case is not assigned to this employee")

		moved, err := f.svc.ChangeStatus(ctx, agencyAdmin, c.ID, domain.StatusInProgress)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInProgress, moved.Status)
		last, _ := moved.LastActivity()
		assert.Equal(t, "Priya Raman", last.Actor)
		assert.Equal(t, "Status changed from Assigned to In Progress.", last.Activity)

		_, err = f.svc.ChangeStatus(ctx, adminScope, c.ID, domain.StatusClosed)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "in progress cannot close directly")

		_, err = f.svc.ChangeStatus(ctx, adminScope, c.ID, "Lost")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("NewCannotBeMarkedAssigned", func(t *testing.T) {
		c := f.createCase(t)
		_, err := f.svc.ChangeStatus(ctx, adminScope, c.ID, domain.StatusAssigned)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("ClosingKeepsLoad", func(t *testing.T) {
		c := f.assignedCase(t, "dca-2")
		before, _ := f.repo.GetAgency(ctx, "dca-2")

		closed, err := f.svc.ChangeStatus(ctx, adminScope, c.ID, domain.StatusClosed)
		require.NoError(t, err)
		assert.Equal(t, "dca-2", closed.AssignedAgencyID, "agency kept for audit")

		after, _ := f.repo.GetAgency(ctx, "dca-2")
		assert.Equal(t, before.CurrentLoad, after.CurrentLoad, "status edits leave the counter alone")

		_, err = f.svc.ChangeStatus(ctx, adminScope, c.ID, domain.StatusInProgress)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "closed is terminal")
	})

	t.Run("SameStatusIsNoop", func(t *testing.T) {
		c := f.assignedCase(t, "dca-1")
		same, err := f.svc.ChangeStatus(ctx, adminScope, c.ID, domain.StatusAssigned)
		require.NoError(t, err)
		assert.Len(t, same.History, len(c.History))
	})
}

func TestGenerateStrategy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCase(t)

	updated, err := f.svc.GenerateStrategy(ctx, adminScope, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApproachAggressiveFollowUp, updated.RecommendedStrategy)
	assert.NotEmpty(t, updated.StrategyExplanation)
	assert.Equal(t, "Similar cases have a 70% recovery rate with early settlement offers.", f.advisor.gotStrategy.HistoricalSuccess)

	last, _ := updated.LastActivity()
	assert.Equal(t, domain.ActorStrategy, last.Actor)
	assert.Contains(t, last.Activity, "Generated recovery strategy: aggressive follow-up.")

	f.advisor.strategy = &domain.Strategy{RecoveryApproach: "write it off", Explanation: "Too old."}
	updated, err = f.svc.GenerateStrategy(ctx, adminScope, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApproachAggressiveFollowUp, updated.RecommendedStrategy, "unknown approach replaced by heuristic")

	f.advisor.strategy = &domain.Strategy{RecoveryApproach: " Settlement Offer", Explanation: "Offer 80% now."}
	updated, err = f.svc.GenerateStrategy(ctx, adminScope, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApproachSettlementOffer, updated.RecommendedStrategy)
	assert.Equal(t, "Offer 80% now.", updated.StrategyExplanation)

	_, err = f.svc.GenerateStrategy(ctx, agencyAdmin, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "unassigned case is outside the agency scope")
}

func TestAssignEmployee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.assignedCase(t, "dca-1")

	updated, err := f.svc.AssignEmployee(ctx, agencyAdmin, c.ID, "emp")
	require.NoError(t, err)
	assert.Equal(t, "emp", updated.AssignedEmployeeID)
	last, _ := updated.LastActivity()
	assert.Equal(t, "Assigned to employee Marco Diaz.", last.Activity)
	assert.Equal(t, "Priya Raman", last.Actor)

	mine, err := f.repo.ListCases(ctx, agencyStaffer, domain.CaseFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, c.ID, mine[0].ID)

	_, err = f.svc.AssignEmployee(ctx, agencyAdmin, c.ID, "other")
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "employee of another agency")
	_, err = f.svc.AssignEmployee(ctx, agencyAdmin, c.ID, "boss")
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "not an employee")
	_, err = f.svc.AssignEmployee(ctx, agencyStaffer, c.ID, "emp")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.AssignEmployee(ctx, agencyAdmin, c.ID, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	fresh := f.createCase(t)
	_, err = f.svc.AssignEmployee(ctx, adminScope, fresh.ID, "emp")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "case has no agency")

	foreign := f.assignedCase(t, "dca-2")
	_, err = f.svc.AssignEmployee(ctx, agencyAdmin, foreign.ID, "emp")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAssignAgencyAndRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCase(t)

	_, err := f.svc.AssignAgency(ctx, agencyAdmin, c.ID, "dca-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.RunAllocation(ctx, agencyStaffer)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	res, err := f.svc.RunAllocation(ctx, adminScope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Allocated)

	moved, err := f.svc.AssignAgency(ctx, adminScope, c.ID, "dca-2")
	require.NoError(t, err)
	assert.Equal(t, "dca-2", moved.AssignedAgencyID)
	last, _ := moved.LastActivity()
	assert.Equal(t, "Alex Johnson", last.Actor)
}

func TestCreateUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	u, err := f.svc.CreateUser(ctx, agencyAdmin, NewUserInput{Name: "Dana Kim", Email: "dana@dca1.example"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAgencyEmployee, u.Role)
	assert.Equal(t, "dca-1", u.AgencyID)
	assert.NotEmpty(t, u.ID)

	stored, err := f.repo.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dana Kim", stored.Name)

	_, err = f.svc.CreateUser(ctx, agencyAdmin, NewUserInput{Name: "Eve", Email: "eve@dca2.example", AgencyID: "dca-2"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.CreateUser(ctx, agencyAdmin, NewUserInput{Name: "Eve", Email: "eve@dca1.example", Role: domain.RoleAgencyAdmin})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.CreateUser(ctx, agencyStaffer, NewUserInput{Name: "Eve", Email: "eve@dca1.example"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.CreateUser(ctx, agencyAdmin, NewUserInput{Name: "E", Email: "e@dca1.example"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "name too short")
	_, err = f.svc.CreateUser(ctx, agencyAdmin, NewUserInput{Name: "Eve", Email: "nope"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "bad email")
	_, err = f.svc.CreateUser(ctx, agencyAdmin, NewUserInput{Name: "Dana Again", Email: "DANA@dca1.example"})
	assert.ErrorIs(t, err, domain.ErrConflict, "duplicate email")

	admin, err := f.svc.CreateUser(ctx, adminScope, NewUserInput{Name: "Jordan Fox", Email: "jordan@fedex.com", Role: domain.RoleFedexAdmin})
	require.NoError(t, err)
	assert.Empty(t, admin.AgencyID)

	_, err = f.svc.CreateUser(ctx, adminScope, NewUserInput{Name: "Lost Soul", Email: "lost@nowhere.example", Role: domain.RoleAgencyAdmin, AgencyID: "dca-9"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListUsersIsScoped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	all, err := f.svc.ListUsers(ctx, adminScope, domain.UserFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	team, err := f.svc.ListUsers(ctx, agencyAdmin, domain.UserFilter{})
	require.NoError(t, err)
	assert.Len(t, team, 2)
	for _, u := range team {
		assert.Equal(t, "dca-1", u.AgencyID)
	}

	none, err := f.svc.ListUsers(ctx, agencyAdmin, domain.UserFilter{AgencyID: "dca-2"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestResolve(t *testing.T) {
	f := newFixture(t)

	u, scope, err := f.svc.Resolve(context.Background(), "boss")
	require.NoError(t, err)
	assert.Equal(t, "Priya Raman", u.Name)
	assert.Equal(t, domain.RoleAgencyAdmin, scope.Role)
	assert.Equal(t, "dca-1", scope.AgencyID)

	_, _, err = f.svc.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
