package domain

import "time"

// AllocationMode tells whether the engine or an admin picked the agency.
type AllocationMode string

const (
	ModeAuto   AllocationMode = "auto"
	ModeManual AllocationMode = "manual"
)

// AllocationFeatures is the numeric feature vector handed to the explainer.
type AllocationFeatures struct {
	CaseID          string  `json:"caseId"`
	AgencyID        string  `json:"dcaId"`
	ReputationScore int     `json:"agencyReputationScore"`
	CurrentLoad     int     `json:"currentLoad"` // before the assignment
	Capacity        int     `json:"capacity"`
	SLABreachRisk   float64 `json:"slaBreachRisk"`
}

// CandidateScore records how one agency ranked during an allocation.
type CandidateScore struct {
	AgencyID string  `json:"agencyId"`
	Fitness  float64 `json:"fitness"`
	Load     int     `json:"load"`
	Capacity int     `json:"capacity"`
	Eligible bool    `json:"eligible"`
}

// AllocationDecision is the structured audit record of one assignment.
type AllocationDecision struct {
	ID          string             `json:"id"`
	CaseID      string             `json:"caseId"`
	AgencyID    string             `json:"agencyId"`
	Mode        AllocationMode     `json:"mode"`
	Fitness     float64            `json:"fitness"`
	Features    AllocationFeatures `json:"features"`
	Candidates  []CandidateScore   `json:"candidates,omitempty"`
	Explanation string             `json:"explanation"`
	Fallback    bool               `json:"fallback"`
	Actor       string             `json:"actor"`
	Timestamp   time.Time          `json:"timestamp"`
}
