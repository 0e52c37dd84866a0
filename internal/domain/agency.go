package domain

import "fmt"

// Agency is a debt collection agency (DCA) that receives case assignments.
type Agency struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ReputationScore int    `json:"reputationScore"` // 0..100
	CurrentLoad     int    `json:"currentLoad"`
	Capacity        int    `json:"capacity"`

	// Informational percentages, not used by allocation.
	SLACompliance       float64 `json:"slaCompliance"`
	RecoverySuccessRate float64 `json:"recoverySuccessRate"`
	UpdateDiscipline    float64 `json:"updateDiscipline"`
}

// Eligible reports whether the agency can take another case automatically.
func (a *Agency) Eligible() bool {
	return a.CurrentLoad < a.Capacity
}

// Utilization returns load over capacity.
func (a *Agency) Utilization() float64 {
	if a.Capacity <= 0 {
		return 0
	}
	return float64(a.CurrentLoad) / float64(a.Capacity)
}

// Validate checks provisioning data.
func (a *Agency) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: agency id is required", ErrInvalidInput)
	}
	if a.Name == "" {
		return fmt.Errorf("%w: agency name is required", ErrInvalidInput)
	}
	if a.ReputationScore < 0 || a.ReputationScore > 100 {
		return fmt.Errorf("%w: reputationScore must be within [0,100]", ErrInvalidInput)
	}
	if a.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidInput)
	}
	if a.CurrentLoad < 0 {
		return fmt.Errorf("%w: currentLoad must be non-negative", ErrInvalidInput)
	}
	// Manual assignment may push a stored agency past capacity later, but
	// one is never provisioned that way.
	if a.CurrentLoad > a.Capacity {
		return fmt.Errorf("%w: currentLoad %d exceeds capacity %d", ErrInvalidInput, a.CurrentLoad, a.Capacity)
	}
	return nil
}

// Clone returns a copy of the agency.
func (a *Agency) Clone() *Agency {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

// AgencyFilter narrows ListAgencies.
type AgencyFilter struct {
	AgencyID string
}

// Matches reports whether a satisfies every set predicate.
func (f AgencyFilter) Matches(a *Agency) bool {
	return f.AgencyID == "" || a.ID == f.AgencyID
}
