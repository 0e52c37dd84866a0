// Package casework implements the case operations users perform: creating
// cases, moving them through the lifecycle, generating recovery strategies,
// handing cases to employees and managing the team.
package casework

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/opensource-finance/dcaos/internal/advisor"
	"github.com/opensource-finance/dcaos/internal/allocation"
	"github.com/opensource-finance/dcaos/internal/bus"
	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/lifecycle"
)

// DefaultHistoricalSuccessRate is used when no agency reports a rate.
const DefaultHistoricalSuccessRate = 0.7

// Service coordinates the store, the collaborators and the allocation engine.
type Service struct {
	repo       domain.Repository
	prioritize domain.Prioritizer
	strategist domain.Strategist
	engine     *allocation.Engine
	bus        domain.EventBus
	defaults   domain.CaseDefaults
	logger     *slog.Logger
}

// Config wires a Service.
type Config struct {
	Repository domain.Repository
	Advisor    domain.Advisor
	Engine     *allocation.Engine
	Bus        domain.EventBus
	Defaults   domain.CaseDefaults
	Logger     *slog.Logger
}

// New creates a case service. A nil Advisor uses the heuristic.
func New(cfg Config) *Service {
	var adv domain.Advisor = advisor.Heuristic{}
	if cfg.Advisor != nil {
		adv = cfg.Advisor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Defaults.SLAWindow <= 0 {
		cfg.Defaults = domain.DefaultCaseDefaults()
	}
	return &Service{
		repo:       cfg.Repository,
		prioritize: adv,
		strategist: adv,
		engine:     cfg.Engine,
		bus:        cfg.Bus,
		defaults:   cfg.Defaults,
		logger:     logger,
	}
}

// Resolve returns the user behind userID and the scope it acts with.
func (s *Service) Resolve(ctx context.Context, userID string) (*domain.User, domain.Scope, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, domain.Scope{}, err
	}
	return u, u.Scope(), nil
}

// actor names the person behind scope in case history.
func (s *Service) actor(ctx context.Context, scope domain.Scope) string {
	if scope.UserID == "" {
		return domain.ActorSystem
	}
	u, err := s.repo.GetUser(ctx, scope.UserID)
	if err != nil {
		return domain.ActorSystem
	}
	return u.Name
}

// CreateCaseInput is the payload of a new case.
type CreateCaseInput struct {
	CustomerName string  `json:"customerName"`
	Amount       float64 `json:"amount"`
	AgingDays    int     `json:"agingDays"`
}

// Validate rejects malformed input before any collaborator is called.
func (in CreateCaseInput) Validate() error {
	if strings.TrimSpace(in.CustomerName) == "" {
		return fmt.Errorf("%w: customerName is required", domain.ErrInvalidInput)
	}
	if !(in.Amount > 0) || math.IsInf(in.Amount, 0) {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if in.AgingDays < 0 {
		return fmt.Errorf("%w: agingDays must be non-negative", domain.ErrInvalidInput)
	}
	return nil
}

// CreateCase prioritizes and stores a new case in status New, then
// announces it so the allocator can pick it up.
func (s *Service) CreateCase(ctx context.Context, scope domain.Scope, in CreateCaseInput) (*domain.Case, error) {
	if !scope.IsAdmin() {
		return nil, fmt.Errorf("%w: only administrators create cases", domain.ErrForbidden)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	rate := s.historicalSuccessRate(ctx)
	p, err := s.prioritize.Prioritize(ctx, domain.PrioritizeInput{
		Amount:                in.Amount,
		AgingDays:             in.AgingDays,
		HistoricalSuccessRate: rate,
	})
	if err != nil {
		s.logger.Warn("prioritization failed, using heuristic", "error", err)
		p, _ = advisor.Heuristic{}.Prioritize(ctx, domain.PrioritizeInput{Amount: in.Amount, AgingDays: in.AgingDays, HistoricalSuccessRate: rate})
	}
	probability := clamp(p.RecoveryProbability, 0, 1)
	urgency := clamp(p.UrgencyScore, 0, 100)
	risk := BreachRisk(s.defaults.BreachRisk, urgency)

	c, err := s.repo.CreateCase(ctx, domain.NewCase{
		CustomerName:        in.CustomerName,
		Amount:              in.Amount,
		AgingDays:           in.AgingDays,
		RecoveryProbability: probability,
		UrgencyScore:        urgency,
		BreachRisk:          &risk,
		CreatedBy:           s.actor(ctx, scope),
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, domain.TopicCaseCreated, domain.CaseEvent{CaseID: c.ID, Status: c.Status, Actor: c.History[0].Actor})
	s.logger.Info("case created",
		"case_id", c.ID,
		"amount", c.Amount,
		"urgency_score", c.UrgencyScore,
		"recovery_probability", c.RecoveryProbability,
	)
	return c, nil
}

// BreachRisk raises the default risk with urgency: max(base, urgency/100 × 0.9),
// capped at 1.
func BreachRisk(base, urgency float64) float64 {
	return clamp(math.Max(base, urgency/100*0.9), 0, 1)
}

// historicalSuccessRate is the mean agency recovery success rate as a fraction.
func (s *Service) historicalSuccessRate(ctx context.Context) float64 {
	agencies, err := s.repo.ListAgencies(ctx, domain.SystemScope(), domain.AgencyFilter{})
	if err != nil || len(agencies) == 0 {
		return DefaultHistoricalSuccessRate
	}
	var sum float64
	var n int
	for _, a := range agencies {
		if a.RecoverySuccessRate > 0 {
			sum += a.RecoverySuccessRate
			n++
		}
	}
	if n == 0 {
		return DefaultHistoricalSuccessRate
	}
	return clamp(sum/float64(n)/100, 0, 1)
}

// ChangeStatus applies a manual lifecycle edit. Agency users may only move
// cases they can see.
func (s *Service) ChangeStatus(ctx context.Context, scope domain.Scope, caseID string, status domain.CaseStatus) (*domain.Case, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}
	c, err := s.repo.GetCase(ctx, scope, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == status {
		return c, nil
	}
	if !lifecycle.CanTransition(c.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.Status, status)
	}

	actor := s.actor(ctx, scope)
	updated, err := s.repo.ApplyCaseUpdate(ctx, caseID, domain.CaseUpdate{
		Status:       domain.Ptr(status),
		ExpectStatus: domain.Ptr(c.Status),
		Activity: &domain.ActivityLogEntry{
			Activity: fmt.Sprintf("Status changed from %s to %s.", c.Status, status),
			Actor:    actor,
		},
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, domain.TopicCaseStatusChanged, domain.CaseEvent{
		CaseID:   updated.ID,
		Status:   updated.Status,
		AgencyID: updated.AssignedAgencyID,
		Actor:    actor,
	})
	return updated, nil
}

// AssignAgency hands a case to an agency chosen by an administrator.
func (s *Service) AssignAgency(ctx context.Context, scope domain.Scope, caseID, agencyID string) (*domain.Case, error) {
	if !scope.IsAdmin() {
		return nil, fmt.Errorf("%w: only administrators assign agencies", domain.ErrForbidden)
	}
	if s.engine == nil {
		return nil, errors.New("allocation engine not configured")
	}
	return s.engine.ManualAssign(ctx, caseID, agencyID, s.actor(ctx, scope))
}

// RunAllocation runs the allocation engine on behalf of an administrator.
func (s *Service) RunAllocation(ctx context.Context, scope domain.Scope) (*allocation.RunResult, error) {
	if !scope.IsAdmin() {
		return nil, fmt.Errorf("%w: only administrators run allocation", domain.ErrForbidden)
	}
	if s.engine == nil {
		return nil, errors.New("allocation engine not configured")
	}
	return s.engine.Run(ctx)
}

// GenerateStrategy asks the strategist for a recovery approach and stores it
// on the case together with its explanation.
func (s *Service) GenerateStrategy(ctx context.Context, scope domain.Scope, caseID string) (*domain.Case, error) {
	c, err := s.repo.GetCase(ctx, scope, caseID)
	if err != nil {
		return nil, err
	}

	in := domain.StrategyInput{
		Amount:            c.Amount,
		AgingDays:         c.AgingDays,
		HistoricalSuccess: HistoricalSuccessText(s.historicalSuccessRate(ctx)),
	}
	strategy, err := s.strategist.GenerateStrategy(ctx, in)
	if err == nil {
		strategy.RecoveryApproach = strings.ToLower(strings.TrimSpace(strategy.RecoveryApproach))
		if !domain.ValidApproach(strategy.RecoveryApproach) || strings.TrimSpace(strategy.Explanation) == "" {
			err = fmt.Errorf("%w: unusable strategy %q", domain.ErrCollaborator, strategy.RecoveryApproach)
		}
	}
	if err != nil {
		s.logger.Warn("strategy generation failed, using heuristic", "case_id", c.ID, "error", err)
		strategy, _ = advisor.Heuristic{}.GenerateStrategy(ctx, in)
	}

	return s.repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
		RecommendedStrategy: domain.Ptr(strategy.RecoveryApproach),
		StrategyExplanation: domain.Ptr(strategy.Explanation),
		Activity: &domain.ActivityLogEntry{
			Activity: fmt.Sprintf("Generated recovery strategy: %s. Reason: %s", strategy.RecoveryApproach, strategy.Explanation),
			Actor:    domain.ActorStrategy,
		},
	})
}

// HistoricalSuccessText phrases a success rate for the strategist.
func HistoricalSuccessText(rate float64) string {
	return fmt.Sprintf("Similar cases have a %d%% recovery rate with early settlement offers.", int(math.Round(rate*100)))
}

// AssignEmployee hands an agency's case to one of its employees. Only the
// agency's admins (and platform administrators) may do this.
func (s *Service) AssignEmployee(ctx context.Context, scope domain.Scope, caseID, employeeID string) (*domain.Case, error) {
	if scope.Role != domain.RoleAgencyAdmin && !scope.IsAdmin() {
		return nil, fmt.Errorf("%w: only agency administrators assign employees", domain.ErrForbidden)
	}
	c, err := s.repo.GetCase(ctx, scope, caseID)
	if err != nil {
		return nil, err
	}
	if c.AssignedAgencyID == "" {
		return nil, fmt.Errorf("%w: case %s has no agency", domain.ErrInvalidTransition, c.ID)
	}

	employee, err := s.repo.GetUser(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if employee.Role != domain.RoleAgencyEmployee {
		return nil, fmt.Errorf("%w: user %s is not an agency employee", domain.ErrInvalidInput, employee.ID)
	}
	if employee.AgencyID != c.AssignedAgencyID {
		return nil, fmt.Errorf("%w: user %s does not work for agency %s", domain.ErrInvalidInput, employee.ID, c.AssignedAgencyID)
	}
	if c.AssignedEmployeeID == employee.ID {
		return c, nil
	}

	return s.repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
		AssignedEmployeeID: domain.Ptr(employee.ID),
		ExpectStatus:       domain.Ptr(c.Status),
		Activity: &domain.ActivityLogEntry{
			Activity: fmt.Sprintf("Assigned to employee %s.", employee.Name),
			Actor:    s.actor(ctx, scope),
		},
	})
}

// NewUserInput is the payload of a new team member.
type NewUserInput struct {
	Name     string      `json:"name"`
	Email    string      `json:"email"`
	Role     domain.Role `json:"role"`
	AgencyID string      `json:"dcaId"`
}

// CreateUser adds a team member. Agency admins may only add employees to
// their own agency; platform administrators may add anyone.
func (s *Service) CreateUser(ctx context.Context, scope domain.Scope, in NewUserInput) (*domain.User, error) {
	switch {
	case scope.IsAdmin():
	case scope.Role == domain.RoleAgencyAdmin:
		if in.Role == "" {
			in.Role = domain.RoleAgencyEmployee
		}
		if in.Role != domain.RoleAgencyEmployee {
			return nil, fmt.Errorf("%w: agency administrators only add employees", domain.ErrForbidden)
		}
		if in.AgencyID != "" && in.AgencyID != scope.AgencyID {
			return nil, fmt.Errorf("%w: cannot add users to another agency", domain.ErrForbidden)
		}
		in.AgencyID = scope.AgencyID
	default:
		return nil, fmt.Errorf("%w: only administrators manage the team", domain.ErrForbidden)
	}

	u := &domain.User{
		ID:       "user-" + uuid.New().String()[:8],
		Name:     strings.TrimSpace(in.Name),
		Email:    strings.TrimSpace(in.Email),
		Role:     in.Role,
		AgencyID: in.AgencyID,
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.repo.ListUsers(ctx, domain.UserFilter{})
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if strings.EqualFold(other.Email, u.Email) {
			return nil, fmt.Errorf("%w: email %s is already registered", domain.ErrConflict, u.Email)
		}
	}

	if err := s.repo.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user_id", u.ID, "role", u.Role, "agency_id", u.AgencyID)
	return u, nil
}

// ListUsers returns the team visible to scope.
func (s *Service) ListUsers(ctx context.Context, scope domain.Scope, filter domain.UserFilter) ([]*domain.User, error) {
	if !scope.Unrestricted() {
		if scope.AgencyID == "" || (filter.AgencyID != "" && filter.AgencyID != scope.AgencyID) {
			return []*domain.User{}, nil
		}
		filter.AgencyID = scope.AgencyID
	}
	return s.repo.ListUsers(ctx, filter)
}

func (s *Service) publish(ctx context.Context, topic string, event any) {
	if err := bus.PublishEvent(ctx, s.bus, topic, event); err != nil {
		s.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}
