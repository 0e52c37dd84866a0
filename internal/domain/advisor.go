package domain

import "context"

// Explainer phrases the reason behind an allocation.
type Explainer interface {
	ExplainAllocation(ctx context.Context, features AllocationFeatures) (string, error)
}

// PrioritizeInput is the prioritization feature vector.
type PrioritizeInput struct {
	Amount                float64 `json:"amount"`
	AgingDays             int     `json:"agingDays"`
	HistoricalSuccessRate float64 `json:"historicalSuccessRate"`
}

// Priority is what prioritization attaches to a case.
type Priority struct {
	RecoveryProbability float64 `json:"recoveryProbability"` // 0..1
	UrgencyScore        float64 `json:"urgencyScore"`        // 0..100
	Recommendation      string  `json:"recommendation"`
}

// Prioritizer scores a new case.
type Prioritizer interface {
	Prioritize(ctx context.Context, input PrioritizeInput) (Priority, error)
}

// Recovery approaches a strategy may recommend.
const (
	ApproachSoftReminder       = "soft reminder"
	ApproachAggressiveFollowUp = "aggressive follow-up"
	ApproachSettlementOffer    = "settlement offer"
	ApproachLegalEscalation    = "legal escalation"
)

// ValidApproach reports whether s is one of the recognised approaches.
func ValidApproach(s string) bool {
	switch s {
	case ApproachSoftReminder, ApproachAggressiveFollowUp, ApproachSettlementOffer, ApproachLegalEscalation:
		return true
	}
	return false
}

// StrategyInput is the strategy feature vector.
type StrategyInput struct {
	Amount            float64 `json:"amount"`
	AgingDays         int     `json:"ageingDays"`
	HistoricalSuccess string  `json:"historicalSuccess"`
}

// Strategy is a recommended recovery approach.
type Strategy struct {
	RecoveryApproach string `json:"recoveryApproach"`
	Explanation      string `json:"explanation"`
}

// Strategist suggests how to recover a case.
type Strategist interface {
	GenerateStrategy(ctx context.Context, input StrategyInput) (Strategy, error)
}

// Advisor bundles the three generative collaborators.
type Advisor interface {
	Explainer
	Prioritizer
	Strategist
}
