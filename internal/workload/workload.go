// Package workload reports how agency load counters compare with the
// cases actually assigned to each agency.
package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/metrics"
)

const reportCacheKey = "workload:report"

// AgencyWorkload is one agency's line in a report.
type AgencyWorkload struct {
	AgencyID    string  `json:"agencyId"`
	Name        string  `json:"name"`
	StoredLoad  int     `json:"storedLoad"`
	ActiveCases int     `json:"activeCases"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`

	// Drift is StoredLoad minus ActiveCases. A positive drift is work the
	// agency holds outside this dataset.
	Drift int `json:"drift"`
}

// Report is the result of a reconciliation.
type Report struct {
	Agencies    []AgencyWorkload `json:"agencies"`
	Unassigned  int              `json:"unassigned"`
	Drifted     []string         `json:"drifted,omitempty"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// Service builds workload reports.
type Service struct {
	repo    domain.Repository
	cache   domain.Cache
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService creates a workload service. cache and m may be nil.
func NewService(repo domain.Repository, cache domain.Cache, ttl time.Duration, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		cache:   cache,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default(),
	}
}

// Reconcile counts the cases carrying each agency and compares them with the
// stored load. Drift is reported, never corrected.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	agencies, err := s.repo.ListAgencies(ctx, domain.SystemScope(), domain.AgencyFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list agencies: %w", err)
	}
	cases, err := s.repo.ListCases(ctx, domain.SystemScope(), domain.CaseFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}

	active := make(map[string]int, len(agencies))
	report := &Report{Agencies: make([]AgencyWorkload, 0, len(agencies)), GeneratedAt: time.Now().UTC()}
	for _, c := range cases {
		// Closed cases keep their agency and its slot.
		switch {
		case c.AssignedAgencyID != "":
			active[c.AssignedAgencyID]++
		case c.Status == domain.StatusNew:
			report.Unassigned++
		}
	}

	for _, a := range agencies {
		line := AgencyWorkload{
			AgencyID:    a.ID,
			Name:        a.Name,
			StoredLoad:  a.CurrentLoad,
			ActiveCases: active[a.ID],
			Capacity:    a.Capacity,
			Utilization: a.Utilization(),
			Drift:       a.CurrentLoad - active[a.ID],
		}
		report.Agencies = append(report.Agencies, line)
		s.metrics.Utilization(a.ID, line.Utilization)

		if line.Drift < 0 {
			// The counter is below the cases it provably holds.
			report.Drifted = append(report.Drifted, a.ID)
			s.logger.Warn("agency load below active cases",
				"agency_id", a.ID,
				"stored_load", a.CurrentLoad,
				"active_cases", line.ActiveCases,
			)
		}
	}

	s.store(ctx, report)
	return report, nil
}

// Latest returns the last report if it is still fresh, otherwise reconciles.
func (s *Service) Latest(ctx context.Context) (*Report, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, reportCacheKey)
		if err == nil && raw != nil {
			var report Report
			if err := json.Unmarshal(raw, &report); err == nil {
				return &report, nil
			}
		}
	}
	return s.Reconcile(ctx)
}

func (s *Service) store(ctx context.Context, report *Report) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, reportCacheKey, raw, s.ttl); err != nil {
		s.logger.Warn("failed to cache workload report", "error", err)
	}
}

// Summary is the portfolio overview shown on the dashboard.
type Summary struct {
	TotalCases        int                       `json:"totalCases"`
	TotalAmount       float64                   `json:"totalAmount"`
	ActiveCases       int                       `json:"activeCases"`
	SettledCases      int                       `json:"settledCases"`
	PendingCases      int                       `json:"pendingCases"`
	AverageBreachRisk float64                   `json:"averageBreachRisk"`
	ByStatus          map[domain.CaseStatus]int `json:"byStatus"`
}

// Summarize aggregates the cases visible to scope.
func (s *Service) Summarize(ctx context.Context, scope domain.Scope) (*Summary, error) {
	cases, err := s.repo.ListCases(ctx, scope, domain.CaseFilter{})
	if err != nil {
		return nil, err
	}

	sum := &Summary{ByStatus: make(map[domain.CaseStatus]int, len(domain.AllStatuses))}
	for _, st := range domain.AllStatuses {
		sum.ByStatus[st] = 0
	}

	var risk float64
	for _, c := range cases {
		sum.TotalCases++
		sum.TotalAmount += c.Amount
		sum.ByStatus[c.Status]++
		risk += c.SLA.BreachRisk

		switch c.Status {
		case domain.StatusAssigned, domain.StatusInProgress:
			sum.ActiveCases++
		case domain.StatusSettled:
			sum.SettledCases++
		case domain.StatusNew:
			sum.PendingCases++
		}
	}
	if sum.TotalCases > 0 {
		sum.AverageBreachRisk = risk / float64(sum.TotalCases)
	}
	return sum, nil
}
