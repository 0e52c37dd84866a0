package allocation

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/dcaos/internal/domain"
)

// Policy is an optional CEL expression that narrows which agencies may
// receive a case, on top of the capacity rule. It sees two maps:
//
//	case:   id, customerName, amount, agingDays, recoveryProbability, urgencyScore, breachRisk
//	agency: id, name, reputation, load, capacity, utilization, slaCompliance, recoverySuccessRate
//
// Example: `case.amount < 10000.0 || agency.reputation >= 90`.
type Policy struct {
	expression string
	program    cel.Program
}

// NewPolicy compiles expression. An empty expression allows every agency.
func NewPolicy(expression string) (*Policy, error) {
	if expression == "" {
		return &Policy{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("case", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("agency", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile eligibility policy: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DynType {
		return nil, fmt.Errorf("eligibility policy must return bool, got %s", outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for eligibility policy: %w", err)
	}

	return &Policy{expression: expression, program: program}, nil
}

// Expression returns the source expression.
func (p *Policy) Expression() string {
	if p == nil {
		return ""
	}
	return p.expression
}

// Allows reports whether agency may receive c. Evaluation errors deny.
func (p *Policy) Allows(c *domain.Case, a *domain.Agency) (bool, error) {
	if p == nil || p.program == nil {
		return true, nil
	}

	activation := map[string]any{
		"case": map[string]any{
			"id":                  c.ID,
			"customerName":        c.CustomerName,
			"amount":              c.Amount,
			"agingDays":           int64(c.AgingDays),
			"recoveryProbability": c.RecoveryProbability,
			"urgencyScore":        c.UrgencyScore,
			"breachRisk":          c.SLA.BreachRisk,
		},
		"agency": map[string]any{
			"id":                  a.ID,
			"name":                a.Name,
			"reputation":          int64(a.ReputationScore),
			"load":                int64(a.CurrentLoad),
			"capacity":            int64(a.Capacity),
			"utilization":         a.Utilization(),
			"slaCompliance":       a.SLACompliance,
			"recoverySuccessRate": a.RecoverySuccessRate,
		},
	}

	out, _, err := p.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}
	allowed, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("eligibility policy returned %s, want bool", out.Type().TypeName())
	}
	return bool(allowed), nil
}
