// Package lifecycle implements the case status machine and the merge rule
// every store uses to apply a partial case update.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/dcaos/internal/domain"
)

// transitions lists the manual status edits. New -> Assigned is absent on
// purpose: it only happens through an assignment.
var transitions = map[domain.CaseStatus][]domain.CaseStatus{
	domain.StatusNew:        {domain.StatusClosed},
	domain.StatusAssigned:   {domain.StatusInProgress, domain.StatusClosed},
	domain.StatusInProgress: {domain.StatusSettled, domain.StatusEscalated},
	domain.StatusSettled:    {domain.StatusClosed},
	domain.StatusEscalated:  {domain.StatusInProgress, domain.StatusClosed},
	domain.StatusClosed:     {},
}

// Next returns the statuses reachable from s by a manual edit.
func Next(s domain.CaseStatus) []domain.CaseStatus {
	out := make([]domain.CaseStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransition reports whether a manual edit may move a case from -> to.
func CanTransition(from, to domain.CaseStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanAssign reports whether a case in status s may be (re)assigned to an agency.
func CanAssign(s domain.CaseStatus) bool {
	switch s {
	case domain.StatusNew, domain.StatusAssigned, domain.StatusInProgress, domain.StatusEscalated:
		return true
	}
	return false
}

// CanAssignEmployee reports whether an agency may hand a case in status s
// to one of its employees.
func CanAssignEmployee(s domain.CaseStatus) bool {
	switch s {
	case domain.StatusAssigned, domain.StatusInProgress, domain.StatusEscalated:
		return true
	}
	return false
}

// LoadChange is the agency counter movement implied by an update.
type LoadChange struct {
	Release string // agency to decrement, floored at zero
	Acquire string // agency to increment
	// EnforceCapacity makes Acquire fail when the agency is full.
	EnforceCapacity bool
}

// Empty reports whether no counter moves.
func (l LoadChange) Empty() bool {
	return l.Release == "" && l.Acquire == ""
}

// Apply merges update into c and returns the new case plus the load change
// the store must commit in the same step. c is not modified.
func Apply(c *domain.Case, update domain.CaseUpdate, now time.Time) (*domain.Case, LoadChange, error) {
	var change LoadChange

	if update.ExpectStatus != nil && c.Status != *update.ExpectStatus {
		return nil, change, fmt.Errorf("%w: case %s is %s, expected %s", domain.ErrConflict, c.ID, c.Status, *update.ExpectStatus)
	}

	next := c.Clone()

	targetStatus := c.Status
	if update.Status != nil {
		if !update.Status.Valid() {
			return nil, change, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, *update.Status)
		}
		targetStatus = *update.Status
	}

	agencyChanged := update.AssignedAgencyID != nil && *update.AssignedAgencyID != c.AssignedAgencyID
	statusChanged := targetStatus != c.Status

	switch {
	case agencyChanged && *update.AssignedAgencyID != "":
		if !CanAssign(c.Status) {
			return nil, change, fmt.Errorf("%w: cannot assign a case in status %s", domain.ErrInvalidTransition, c.Status)
		}
		if targetStatus != domain.StatusAssigned {
			return nil, change, fmt.Errorf("%w: assignment must move the case to %s", domain.ErrInvalidTransition, domain.StatusAssigned)
		}
		change.Release = c.AssignedAgencyID
		change.Acquire = *update.AssignedAgencyID
		change.EnforceCapacity = update.EnforceCapacity
		next.AssignedAgencyID = *update.AssignedAgencyID
		// The employee belonged to the previous agency.
		next.AssignedEmployeeID = ""
	case agencyChanged:
		return nil, change, fmt.Errorf("%w: assignment cannot be cleared", domain.ErrInvalidTransition)
	case statusChanged:
		// Status edits never move agency counters; only a write of the
		// assigned agency does. A closed case keeps its agency and slot.
		if !CanTransition(c.Status, targetStatus) {
			return nil, change, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.Status, targetStatus)
		}
	}
	next.Status = targetStatus

	employeeChanged := false
	if update.AssignedEmployeeID != nil && *update.AssignedEmployeeID != next.AssignedEmployeeID {
		if *update.AssignedEmployeeID != "" && !CanAssignEmployee(targetStatus) {
			return nil, change, fmt.Errorf("%w: cannot assign an employee to a case in status %s", domain.ErrInvalidTransition, targetStatus)
		}
		next.AssignedEmployeeID = *update.AssignedEmployeeID
		employeeChanged = true
	}

	if next.Status.HoldsAssignment() && next.AssignedAgencyID == "" {
		return nil, change, fmt.Errorf("%w: status %s requires an assigned agency", domain.ErrInvalidTransition, next.Status)
	}
	if next.AssignedEmployeeID != "" && next.AssignedAgencyID == "" {
		return nil, change, fmt.Errorf("%w: employee assignment requires an agency", domain.ErrInvalidInput)
	}

	if (update.RecommendedStrategy == nil) != (update.StrategyExplanation == nil) {
		return nil, change, fmt.Errorf("%w: recommendedStrategy and strategyExplanation are set together", domain.ErrInvalidInput)
	}
	if update.RecommendedStrategy != nil {
		next.RecommendedStrategy = *update.RecommendedStrategy
		next.StrategyExplanation = *update.StrategyExplanation
	}
	if update.RecoveryProbability != nil {
		next.RecoveryProbability = *update.RecoveryProbability
	}
	if update.UrgencyScore != nil {
		next.UrgencyScore = *update.UrgencyScore
	}
	if update.BreachRisk != nil {
		next.SLA.BreachRisk = *update.BreachRisk
	}
	if err := next.Validate(); err != nil {
		return nil, change, err
	}

	if (statusChanged || agencyChanged || employeeChanged) && update.Activity == nil {
		return nil, change, fmt.Errorf("%w: status and assignment changes require an activity entry", domain.ErrInvalidInput)
	}
	if update.Activity != nil {
		entry := *update.Activity
		if entry.Activity == "" || entry.Actor == "" {
			return nil, change, fmt.Errorf("%w: activity entries need text and an actor", domain.ErrInvalidInput)
		}
		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		entry.CaseID = c.ID
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now.UTC()
		}
		next.History = append(next.History, entry)
	}

	next.UpdatedAt = now.UTC()
	return next, change, nil
}
