package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/dcaos/internal/advisor"
	"github.com/opensource-finance/dcaos/internal/bus"
	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/lifecycle"
	"github.com/opensource-finance/dcaos/internal/metrics"
)

var tracer = otel.Tracer("dcaos-allocation")

// Options configures an Engine. Every field is optional.
type Options struct {
	// Explainer phrases each assignment. Failures fall back to a template.
	Explainer domain.Explainer

	// Policy narrows eligible agencies beyond the capacity rule.
	Policy *Policy

	Bus     domain.EventBus
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// ExplainTimeout bounds each explanation call.
	ExplainTimeout time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine assigns pending cases to agencies.
type Engine struct {
	repo   domain.Repository
	opts   Options
	logger *slog.Logger

	// runMu serializes runs inside one process. The store still rejects
	// any commit that would overfill an agency.
	runMu sync.Mutex
}

// RunResult summarizes one allocation run.
type RunResult struct {
	Allocated       int                          `json:"allocated"`
	Pending         int                          `json:"pending"`
	Decisions       []*domain.AllocationDecision `json:"decisions"`
	InvalidAgencies []string                     `json:"invalidAgencies,omitempty"`
	Took            time.Duration                `json:"-"`
}

// NewEngine creates an allocation engine over repo.
func NewEngine(repo domain.Repository, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{repo: repo, opts: opts, logger: logger}
}

// slot is one ranked agency with the load this run has observed.
type slot struct {
	agency  *domain.Agency
	fitness float64
}

// Run allocates every case in status New, oldest first. Agencies are ranked
// once per run; loads are updated in the snapshot as slots are taken, so a
// later case sees the earlier reservations. Cases with no eligible agency
// stay New for the next run.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	ctx, span := tracer.Start(ctx, "allocation.run")
	defer span.End()

	result := &RunResult{}

	pending, err := e.repo.ListCases(ctx, domain.SystemScope(), domain.CaseFilter{Status: domain.StatusNew})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list pending cases: %w", err)
	}
	if len(pending) == 0 {
		result.Took = time.Since(start)
		e.opts.Metrics.RunCompleted(0)
		return result, nil
	}

	agencies, err := e.repo.ListAgencies(ctx, domain.SystemScope(), domain.AgencyFilter{})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list agencies: %w", err)
	}

	ranked, invalid := Rank(agencies)
	if len(invalid) > 0 {
		e.logger.Warn("agencies excluded from allocation",
			"agency_ids", invalid,
			"reason", "capacity must be positive",
		)
		result.InvalidAgencies = invalid
	}
	slots := make([]*slot, len(ranked))
	for i, c := range ranked {
		slots[i] = &slot{agency: c.Agency, fitness: c.Fitness}
	}

	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}

		decision, err := e.allocateCase(ctx, c, slots)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}
		if decision != nil {
			result.Allocated++
			result.Decisions = append(result.Decisions, decision)
		}
	}

	result.Pending = len(pending) - result.Allocated
	result.Took = time.Since(start)

	span.SetAttributes(
		attribute.Int("allocation.pending_before", len(pending)),
		attribute.Int("allocation.allocated", result.Allocated),
		attribute.Int("allocation.pending_after", result.Pending),
	)
	e.opts.Metrics.RunCompleted(result.Pending)
	for _, s := range slots {
		e.opts.Metrics.Utilization(s.agency.ID, s.agency.Utilization())
	}

	e.publish(ctx, domain.TopicAllocationRun, domain.AllocationRunEvent{
		Allocated: result.Allocated,
		Pending:   result.Pending,
		TookMs:    result.Took.Milliseconds(),
	})

	e.logger.Info("allocation run completed",
		"allocated", result.Allocated,
		"pending", result.Pending,
		"duration_ms", result.Took.Milliseconds(),
	)

	return result, nil
}

// allocateCase commits c to the first eligible slot. It returns nil when
// the case stays pending or was changed by someone else meanwhile.
func (e *Engine) allocateCase(ctx context.Context, c *domain.Case, slots []*slot) (*domain.AllocationDecision, error) {
	ctx, span := tracer.Start(ctx, "allocation.case", trace.WithAttributes(
		attribute.String("case.id", c.ID),
	))
	defer span.End()

	for {
		candidates, chosen := e.candidates(c, slots)
		if chosen == nil {
			span.SetAttributes(attribute.Bool("allocation.assigned", false))
			e.logger.Debug("no eligible agency, case stays pending", "case_id", c.ID)
			return nil, nil
		}

		a := chosen.agency
		features := domain.AllocationFeatures{
			CaseID:          c.ID,
			AgencyID:        a.ID,
			ReputationScore: a.ReputationScore,
			CurrentLoad:     a.CurrentLoad,
			Capacity:        a.Capacity,
			SLABreachRisk:   c.SLA.BreachRisk,
		}
		explanation, fallback := e.explain(ctx, features)

		now := e.opts.Now()
		activity := domain.NewActivity(c.ID, "Assigned to "+a.Name+".", domain.ActorAllocator, explanation, now)
		_, err := e.repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
			Status:           domain.Ptr(domain.StatusAssigned),
			AssignedAgencyID: domain.Ptr(a.ID),
			Activity:         &activity,
			ExpectStatus:     domain.Ptr(domain.StatusNew),
			EnforceCapacity:  true,
		})
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrCapacityExhausted):
			// Another writer took the last slot; try the next agency.
			e.logger.Debug("agency filled concurrently", "case_id", c.ID, "agency_id", a.ID)
			a.CurrentLoad = a.Capacity
			continue
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
			e.logger.Debug("case changed during allocation, skipping", "case_id", c.ID, "error", err)
			return nil, nil
		default:
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to assign case %s: %w", c.ID, err)
		}

		a.CurrentLoad++

		decision := &domain.AllocationDecision{
			ID:          uuid.New().String(),
			CaseID:      c.ID,
			AgencyID:    a.ID,
			Mode:        domain.ModeAuto,
			Fitness:     chosen.fitness,
			Features:    features,
			Candidates:  candidates,
			Explanation: explanation,
			Fallback:    fallback,
			Actor:       domain.ActorAllocator,
			Timestamp:   now.UTC(),
		}
		e.record(ctx, decision)

		span.SetAttributes(
			attribute.Bool("allocation.assigned", true),
			attribute.String("agency.id", a.ID),
			attribute.Bool("allocation.fallback", fallback),
		)
		return decision, nil
	}
}

// candidates scores every slot for c and returns the first eligible one.
func (e *Engine) candidates(c *domain.Case, slots []*slot) ([]domain.CandidateScore, *slot) {
	scores := make([]domain.CandidateScore, 0, len(slots))
	var chosen *slot
	for _, s := range slots {
		eligible := s.agency.Eligible() && e.allows(c, s.agency)
		scores = append(scores, domain.CandidateScore{
			AgencyID: s.agency.ID,
			Fitness:  s.fitness,
			Load:     s.agency.CurrentLoad,
			Capacity: s.agency.Capacity,
			Eligible: eligible,
		})
		if eligible && chosen == nil {
			chosen = s
		}
	}
	return scores, chosen
}

func (e *Engine) allows(c *domain.Case, a *domain.Agency) bool {
	ok, err := e.opts.Policy.Allows(c, a)
	if err != nil {
		e.logger.Warn("eligibility policy failed, agency skipped",
			"case_id", c.ID,
			"agency_id", a.ID,
			"policy", e.opts.Policy.Expression(),
			"error", err,
		)
		return false
	}
	return ok
}

// ManualAssign moves a case to agencyID on behalf of an admin. Capacity is
// not enforced; a previous agency's slot is released in the same write.
// Assigning a case to the agency it already has changes nothing.
func (e *Engine) ManualAssign(ctx context.Context, caseID, agencyID, actor string) (*domain.Case, error) {
	ctx, span := tracer.Start(ctx, "allocation.manual", trace.WithAttributes(
		attribute.String("case.id", caseID),
		attribute.String("agency.id", agencyID),
	))
	defer span.End()

	c, err := e.repo.GetCase(ctx, domain.SystemScope(), caseID)
	if err != nil {
		return nil, err
	}
	a, err := e.repo.GetAgency(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	if c.AssignedAgencyID == a.ID && c.Status.HoldsAssignment() {
		return c, nil
	}
	if !lifecycle.CanAssign(c.Status) {
		return nil, fmt.Errorf("%w: cannot assign a case in status %s", domain.ErrInvalidTransition, c.Status)
	}
	if actor == "" {
		actor = domain.ActorSystem
	}

	features := domain.AllocationFeatures{
		CaseID:          c.ID,
		AgencyID:        a.ID,
		ReputationScore: a.ReputationScore,
		CurrentLoad:     a.CurrentLoad,
		Capacity:        a.Capacity,
		SLABreachRisk:   c.SLA.BreachRisk,
	}
	explanation, fallback := e.explain(ctx, features)

	now := e.opts.Now()
	activity := domain.NewActivity(c.ID, "Case assigned to "+a.Name+".", actor, explanation, now)
	updated, err := e.repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
		Status:           domain.Ptr(domain.StatusAssigned),
		AssignedAgencyID: domain.Ptr(a.ID),
		Activity:         &activity,
		ExpectStatus:     domain.Ptr(c.Status),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	fitness, _ := Fitness(a)
	e.record(ctx, &domain.AllocationDecision{
		ID:          uuid.New().String(),
		CaseID:      c.ID,
		AgencyID:    a.ID,
		Mode:        domain.ModeManual,
		Fitness:     fitness,
		Features:    features,
		Explanation: explanation,
		Fallback:    fallback,
		Actor:       actor,
		Timestamp:   now.UTC(),
	})

	e.logger.Info("case manually assigned",
		"case_id", c.ID,
		"agency_id", a.ID,
		"previous_agency_id", c.AssignedAgencyID,
		"actor", actor,
	)
	return updated, nil
}

// explain asks the explainer and falls back to the template on any failure.
func (e *Engine) explain(ctx context.Context, f domain.AllocationFeatures) (string, bool) {
	if e.opts.Explainer != nil {
		callCtx := ctx
		if e.opts.ExplainTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.opts.ExplainTimeout)
			defer cancel()
		}
		text, err := e.opts.Explainer.ExplainAllocation(callCtx, f)
		if err == nil && text != "" {
			return text, false
		}
		e.logger.Warn("explanation unavailable, using template",
			"case_id", f.CaseID,
			"agency_id", f.AgencyID,
			"error", err,
		)
	}
	text, _ := advisor.Heuristic{}.ExplainAllocation(ctx, f)
	return text, true
}

// record stores the decision and announces the assignment. The assignment
// itself is already durable, so failures here are logged only.
func (e *Engine) record(ctx context.Context, d *domain.AllocationDecision) {
	if err := e.repo.SaveDecision(ctx, d); err != nil {
		e.logger.Error("failed to save allocation decision",
			"case_id", d.CaseID,
			"agency_id", d.AgencyID,
			"error", err,
		)
	}
	e.opts.Metrics.Allocated(string(d.Mode))
	e.publish(ctx, domain.TopicCaseAssigned, domain.CaseEvent{
		CaseID:   d.CaseID,
		Status:   domain.StatusAssigned,
		AgencyID: d.AgencyID,
		Actor:    d.Actor,
	})
}

func (e *Engine) publish(ctx context.Context, topic string, event any) {
	if err := bus.PublishEvent(ctx, e.opts.Bus, topic, event); err != nil {
		e.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
