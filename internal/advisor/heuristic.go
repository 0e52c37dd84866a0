// Package advisor provides the explanation, prioritization and strategy
// collaborators used by case creation and allocation.
package advisor

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/dcaos/internal/domain"
)

// Aging beyond this many days saturates urgency and decay.
const agingHorizon = 120.0

// Amounts beyond this saturate the amount half of urgency.
const amountHorizon = 10000.0

// Heuristic is a deterministic, offline advisor. It never fails and is the
// fallback for every remote call.
type Heuristic struct{}

var _ domain.Advisor = Heuristic{}

// ExplainAllocation renders a fixed template from the feature vector.
func (Heuristic) ExplainAllocation(ctx context.Context, f domain.AllocationFeatures) (string, error) {
	utilization := 0
	if f.Capacity > 0 {
		utilization = int(math.Round(100 * float64(f.CurrentLoad) / float64(f.Capacity)))
	}
	return fmt.Sprintf(
		"Assigned to %s: reputation score %d/100 with %d%% utilization (%d of %d slots in use). SLA breach risk is %d%%, so the best-rated agency with free capacity was chosen.",
		f.AgencyID, f.ReputationScore, utilization, f.CurrentLoad, f.Capacity,
		int(math.Round(100*f.SLABreachRisk)),
	), nil
}

// Prioritize lowers recovery probability with age and raises urgency with
// amount and age.
func (Heuristic) Prioritize(ctx context.Context, in domain.PrioritizeInput) (domain.Priority, error) {
	aging := math.Max(float64(in.AgingDays), 0)
	hsr := clamp(in.HistoricalSuccessRate, 0, 1)

	probability := clamp(hsr*math.Exp(-aging/agingHorizon), 0, 1)
	urgency := 100 * (0.5*math.Min(math.Max(in.Amount, 0)/amountHorizon, 1) + 0.5*math.Min(aging/agingHorizon, 1))
	urgency = math.Round(clamp(urgency, 0, 100))

	var recommendation string
	switch {
	case urgency >= 70:
		recommendation = "Escalate immediately to a top-performing agency."
	case urgency >= 40:
		recommendation = "Assign promptly and schedule a follow-up within a week."
	default:
		recommendation = "Send a courtesy reminder before assigning to an agency."
	}

	return domain.Priority{
		RecoveryProbability: math.Round(probability*1000) / 1000,
		UrgencyScore:        urgency,
		Recommendation:      recommendation,
	}, nil
}

// GenerateStrategy picks the approach from the aging bucket.
func (Heuristic) GenerateStrategy(ctx context.Context, in domain.StrategyInput) (domain.Strategy, error) {
	var approach, reason string
	switch {
	case in.AgingDays <= 30:
		approach = domain.ApproachSoftReminder
		reason = "The invoice is recently overdue and the relationship is worth preserving"
	case in.AgingDays <= 60:
		approach = domain.ApproachAggressiveFollowUp
		reason = "The balance has been outstanding for over a month and needs frequent contact"
	case in.AgingDays <= 90:
		approach = domain.ApproachSettlementOffer
		reason = "Recovery odds are falling, and a discounted settlement secures most of the balance"
	default:
		approach = domain.ApproachLegalEscalation
		reason = "The debt is past 90 days and informal recovery has likely stalled"
	}

	explanation := fmt.Sprintf("%s (%d days, $%.2f).", reason, in.AgingDays, in.Amount)
	if in.HistoricalSuccess != "" {
		explanation += " " + in.HistoricalSuccess
	}
	return domain.Strategy{RecoveryApproach: approach, Explanation: explanation}, nil
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
