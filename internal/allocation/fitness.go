// Package allocation assigns pending cases to collection agencies.
package allocation

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/dcaos/internal/domain"
)

// Fitness ranks an agency for allocation:
// reputation × (1 − load/capacity). A full agency scores 0.
func Fitness(a *domain.Agency) (float64, error) {
	if a.Capacity <= 0 {
		return 0, fmt.Errorf("%w: agency %s has capacity %d", domain.ErrInvalidInput, a.ID, a.Capacity)
	}
	return float64(a.ReputationScore) * (1 - float64(a.CurrentLoad)/float64(a.Capacity)), nil
}

// Candidate is an agency with its fitness at ranking time.
type Candidate struct {
	Agency  *domain.Agency
	Fitness float64
}

// Rank scores agencies and sorts them by fitness descending, ties broken by
// agency id ascending. Agencies that cannot be scored are returned
// separately and never ranked.
func Rank(agencies []*domain.Agency) (ranked []Candidate, invalid []string) {
	ranked = make([]Candidate, 0, len(agencies))
	for _, a := range agencies {
		f, err := Fitness(a)
		if err != nil {
			invalid = append(invalid, a.ID)
			continue
		}
		ranked = append(ranked, Candidate{Agency: a, Fitness: f})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Fitness != ranked[j].Fitness {
			return ranked[i].Fitness > ranked[j].Fitness
		}
		return ranked[i].Agency.ID < ranked[j].Agency.ID
	})
	return ranked, invalid
}
