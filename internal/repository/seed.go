package repository

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/opensource-finance/dcaos/internal/domain"
)

// seedAgencies are provisioned with their published loads. Loads beyond the
// seeded cases stand for work held outside the dataset.
var seedAgencies = []domain.Agency{
	{ID: "dca-1", Name: "Global Recovery Inc.", ReputationScore: 92, CurrentLoad: 180, Capacity: 250, SLACompliance: 98, RecoverySuccessRate: 75, UpdateDiscipline: 95},
	{ID: "dca-2", Name: "Vertex Financial", ReputationScore: 85, CurrentLoad: 120, Capacity: 150, SLACompliance: 91, RecoverySuccessRate: 68, UpdateDiscipline: 88},
	{ID: "dca-3", Name: "Quantum Collections", ReputationScore: 78, CurrentLoad: 280, Capacity: 300, SLACompliance: 85, RecoverySuccessRate: 62, UpdateDiscipline: 81},
	{ID: "dca-4", Name: "Momentum Partners", ReputationScore: 95, CurrentLoad: 95, Capacity: 100, SLACompliance: 99, RecoverySuccessRate: 81, UpdateDiscipline: 97},
}

var seedUsers = []domain.User{
	{ID: "user-1", Name: "Alex Johnson", Email: "alex.j@fedex.com", Role: domain.RoleFedexAdmin},
	{ID: "user-2", Name: "Priya Raman", Email: "priya.r@globalrecovery.com", Role: domain.RoleAgencyAdmin, AgencyID: "dca-1"},
	{ID: "user-3", Name: "Marco Diaz", Email: "marco.d@globalrecovery.com", Role: domain.RoleAgencyEmployee, AgencyID: "dca-1"},
}

// seedEmployees receive every seeded case of their agency.
var seedEmployees = map[string]domain.User{
	"dca-1": seedUsers[2],
}

var seedCustomers = []string{
	"Apex Innovations", "BioSynth Corp", "CyberNetics Ltd.", "Stellar Solutions", "Quantum Dynamics",
	"EcoVerve Inc.", "Hyperion Goods", "Nexus Systems", "Orion Services", "Zenith Health",
}

// SeedCaseCount is the number of demo cases created by Seed.
const SeedCaseCount = 25

// stepsTo lists the manual edits that lead an Assigned case to status s.
func stepsTo(s domain.CaseStatus) []domain.CaseStatus {
	switch s {
	case domain.StatusInProgress:
		return []domain.CaseStatus{domain.StatusInProgress}
	case domain.StatusSettled:
		return []domain.CaseStatus{domain.StatusInProgress, domain.StatusSettled}
	case domain.StatusEscalated:
		return []domain.CaseStatus{domain.StatusInProgress, domain.StatusEscalated}
	}
	return nil
}

// Seed loads the demo dataset through the store's own operations, so every
// seeded assignment moves the agency counters like a real one. The random
// figures come from a fixed source and are identical on every run.
// Seed does nothing when agencies already exist.
func Seed(ctx context.Context, repo domain.Repository) error {
	existing, err := repo.ListAgencies(ctx, domain.SystemScope(), domain.AgencyFilter{})
	if err != nil {
		return fmt.Errorf("seed: list agencies: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	names := make(map[string]string, len(seedAgencies))
	for _, a := range seedAgencies {
		a := a
		names[a.ID] = a.Name
		a.CurrentLoad = 0
		if err := repo.SaveAgency(ctx, &a); err != nil {
			return fmt.Errorf("seed: agency %s: %w", a.ID, err)
		}
	}
	for _, u := range seedUsers {
		u := u
		if err := repo.SaveUser(ctx, &u); err != nil {
			return fmt.Errorf("seed: user %s: %w", u.ID, err)
		}
	}

	rng := rand.New(rand.NewSource(20240601))
	for i := 1; i <= SeedCaseCount; i++ {
		status := domain.AllStatuses[i%len(domain.AllStatuses)]
		risk := rng.Float64()

		c, err := repo.CreateCase(ctx, domain.NewCase{
			ID:                  fmt.Sprintf("CASE-%04d", 1000+i),
			CustomerName:        seedCustomers[i%len(seedCustomers)],
			Amount:              float64(rng.Intn(5000) + 500),
			AgingDays:           rng.Intn(120) + 1,
			RecoveryProbability: rng.Float64(),
			UrgencyScore:        float64(rng.Intn(100)),
			BreachRisk:          &risk,
		})
		if err != nil {
			return fmt.Errorf("seed: case %d: %w", i, err)
		}

		switch status {
		case domain.StatusNew:
			continue
		case domain.StatusClosed:
			_, err = repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
				Status:   domain.Ptr(domain.StatusClosed),
				Activity: &domain.ActivityLogEntry{Activity: "Case closed.", Actor: domain.ActorSystem},
			})
			if err != nil {
				return fmt.Errorf("seed: close %s: %w", c.ID, err)
			}
			continue
		}

		// Only the first three agencies receive seeded cases.
		agencyID := seedAgencies[i%(len(seedAgencies)-1)].ID
		_, err = repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
			Status:           domain.Ptr(domain.StatusAssigned),
			AssignedAgencyID: domain.Ptr(agencyID),
			Activity: &domain.ActivityLogEntry{
				Activity: fmt.Sprintf("Assigned to %s.", names[agencyID]),
				Actor:    domain.ActorAllocator,
			},
		})
		if err != nil {
			return fmt.Errorf("seed: assign %s: %w", c.ID, err)
		}
		if employee, ok := seedEmployees[agencyID]; ok {
			_, err = repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
				AssignedEmployeeID: domain.Ptr(employee.ID),
				Activity: &domain.ActivityLogEntry{
					Activity: fmt.Sprintf("Assigned to employee %s.", employee.Name),
					Actor:    domain.ActorSystem,
				},
			})
			if err != nil {
				return fmt.Errorf("seed: employee for %s: %w", c.ID, err)
			}
		}
		for _, next := range stepsTo(status) {
			_, err = repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
				Status:   domain.Ptr(next),
				Activity: &domain.ActivityLogEntry{Activity: fmt.Sprintf("Status changed to %s.", next), Actor: domain.ActorSystem},
			})
			if err != nil {
				return fmt.Errorf("seed: %s -> %s: %w", c.ID, next, err)
			}
		}
	}

	// Top the counters up to the published loads.
	for _, a := range seedAgencies {
		current, err := repo.GetAgency(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("seed: agency %s: %w", a.ID, err)
		}
		if delta := a.CurrentLoad - current.CurrentLoad; delta != 0 {
			if _, err := repo.AdjustAgencyLoad(ctx, a.ID, delta); err != nil {
				return fmt.Errorf("seed: adjust %s: %w", a.ID, err)
			}
		}
	}
	return nil
}
