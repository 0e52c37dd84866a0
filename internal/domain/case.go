package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	StatusNew        CaseStatus = "New"
	StatusAssigned   CaseStatus = "Assigned"
	StatusInProgress CaseStatus = "In Progress"
	StatusSettled    CaseStatus = "Settled"
	StatusEscalated  CaseStatus = "Escalated"
	StatusClosed     CaseStatus = "Closed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []CaseStatus{
	StatusNew, StatusAssigned, StatusInProgress, StatusSettled, StatusEscalated, StatusClosed,
}

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// HoldsAssignment reports whether a case in this status must carry an agency.
func (s CaseStatus) HoldsAssignment() bool {
	switch s {
	case StatusAssigned, StatusInProgress, StatusSettled, StatusEscalated:
		return true
	}
	return false
}

// Case is an overdue invoice tracked through the recovery lifecycle.
type Case struct {
	ID                  string     `json:"id"`
	CustomerName        string     `json:"customerName"`
	Amount              float64    `json:"amount"`
	AgingDays           int        `json:"agingDays"`
	Status              CaseStatus `json:"status"`
	RecoveryProbability float64    `json:"recoveryProbability"`
	UrgencyScore        float64    `json:"urgencyScore"`

	// Strategy fields are always written together.
	RecommendedStrategy string `json:"recommendedStrategy,omitempty"`
	StrategyExplanation string `json:"strategyExplanation,omitempty"`

	AssignedAgencyID   string `json:"assignedAgencyId,omitempty"`
	AssignedEmployeeID string `json:"assignedEmployeeId,omitempty"`

	SLA     SLA                `json:"sla"`
	History []ActivityLogEntry `json:"history"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SLA holds the service-level target of a case.
type SLA struct {
	DueDate    time.Time `json:"dueDate"`
	BreachRisk float64   `json:"breachRisk"` // 0..1
}

// ActivityLogEntry is one immutable line of a case's history.
type ActivityLogEntry struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"caseId"`
	Timestamp   time.Time `json:"timestamp"`
	Activity    string    `json:"activity"`
	Actor       string    `json:"user"`
	Explanation string    `json:"explanation,omitempty"`
}

// Well-known actors recorded in case history.
const (
	ActorSystem    = "System"
	ActorAllocator = "Agentic Allocator"
	ActorStrategy  = "Strategy Engine"
)

// Clone returns a deep copy safe to hand out of a store.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.History = make([]ActivityLogEntry, len(c.History))
	copy(out.History, c.History)
	return &out
}

// LastActivity returns the most recent history entry, if any.
func (c *Case) LastActivity() (ActivityLogEntry, bool) {
	if len(c.History) == 0 {
		return ActivityLogEntry{}, false
	}
	return c.History[len(c.History)-1], true
}

// Validate checks field ranges on a case about to be stored.
func (c *Case) Validate() error {
	if strings.TrimSpace(c.CustomerName) == "" {
		return fmt.Errorf("%w: customerName is required", ErrInvalidInput)
	}
	if c.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if c.AgingDays < 0 {
		return fmt.Errorf("%w: agingDays must be non-negative", ErrInvalidInput)
	}
	if c.RecoveryProbability < 0 || c.RecoveryProbability > 1 {
		return fmt.Errorf("%w: recoveryProbability must be within [0,1]", ErrInvalidInput)
	}
	if c.UrgencyScore < 0 || c.UrgencyScore > 100 {
		return fmt.Errorf("%w: urgencyScore must be within [0,100]", ErrInvalidInput)
	}
	if c.SLA.BreachRisk < 0 || c.SLA.BreachRisk > 1 {
		return fmt.Errorf("%w: sla.breachRisk must be within [0,1]", ErrInvalidInput)
	}
	if (c.RecommendedStrategy == "") != (c.StrategyExplanation == "") {
		return fmt.Errorf("%w: recommendedStrategy and strategyExplanation are set together", ErrInvalidInput)
	}
	return nil
}

// NewCaseID returns a fresh case identifier.
func NewCaseID() string {
	return "CASE-" + strings.ToUpper(uuid.New().String()[:8])
}

// NewActivity builds a history entry with a fresh id.
func NewActivity(caseID, activity, actor, explanation string, at time.Time) ActivityLogEntry {
	return ActivityLogEntry{
		ID:          uuid.New().String(),
		CaseID:      caseID,
		Timestamp:   at.UTC(),
		Activity:    activity,
		Actor:       actor,
		Explanation: explanation,
	}
}

// NewCase holds the caller-supplied fields of createCase.
type NewCase struct {
	// ID is optional; stores generate one when empty.
	ID                  string
	CustomerName        string
	Amount              float64
	AgingDays           int
	RecoveryProbability float64
	UrgencyScore        float64
	RecommendedStrategy string
	StrategyExplanation string
	BreachRisk          *float64
	CreatedBy           string
}

// CaseDefaults are applied by stores when a case is created.
type CaseDefaults struct {
	SLAWindow  time.Duration
	BreachRisk float64
}

// DefaultCaseDefaults returns a 30 day SLA at low breach risk.
func DefaultCaseDefaults() CaseDefaults {
	return CaseDefaults{
		SLAWindow:  30 * 24 * time.Hour,
		BreachRisk: 0.1,
	}
}

// Build turns the request into a stored case in status New with one history entry.
func (n NewCase) Build(id string, defaults CaseDefaults, now time.Time) (*Case, error) {
	now = now.UTC()
	risk := defaults.BreachRisk
	if n.BreachRisk != nil {
		risk = *n.BreachRisk
	}
	actor := n.CreatedBy
	if actor == "" {
		actor = ActorSystem
	}

	c := &Case{
		ID:                  id,
		CustomerName:        strings.TrimSpace(n.CustomerName),
		Amount:              n.Amount,
		AgingDays:           n.AgingDays,
		Status:              StatusNew,
		RecoveryProbability: n.RecoveryProbability,
		UrgencyScore:        n.UrgencyScore,
		RecommendedStrategy: n.RecommendedStrategy,
		StrategyExplanation: n.StrategyExplanation,
		SLA: SLA{
			DueDate:    now.Add(defaults.SLAWindow),
			BreachRisk: risk,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.History = []ActivityLogEntry{NewActivity(id, "Case created.", actor, "", now)}
	return c, nil
}

// CaseFilter narrows ListCases. Empty fields do not filter.
type CaseFilter struct {
	Status     CaseStatus
	AgencyID   string
	EmployeeID string
}

// Matches reports whether c satisfies every set predicate.
func (f CaseFilter) Matches(c *Case) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.AgencyID != "" && c.AssignedAgencyID != f.AgencyID {
		return false
	}
	if f.EmployeeID != "" && c.AssignedEmployeeID != f.EmployeeID {
		return false
	}
	return true
}

// CaseUpdate is a partial update applied atomically by a store.
// Nil pointers leave the field untouched; an empty AssignedAgencyID clears it.
type CaseUpdate struct {
	Status              *CaseStatus
	AssignedAgencyID    *string
	AssignedEmployeeID  *string
	RecoveryProbability *float64
	UrgencyScore        *float64
	RecommendedStrategy *string
	StrategyExplanation *string
	BreachRisk          *float64

	// Activity is appended to the history in the same write.
	Activity *ActivityLogEntry

	// ExpectStatus makes the update conditional on the stored status.
	ExpectStatus *CaseStatus

	// EnforceCapacity rejects the write with ErrCapacityExhausted when the
	// newly assigned agency is already at capacity.
	EnforceCapacity bool
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
