package domain

// Scope is the query capability passed into store reads.
// It replaces role checks scattered across callers.
type Scope struct {
	UserID   string
	Role     Role
	AgencyID string
	system   bool
}

// SystemScope sees every record. Used by the allocator and background jobs.
func SystemScope() Scope {
	return Scope{system: true}
}

// Unrestricted reports whether the scope sees every case and agency.
func (s Scope) Unrestricted() bool {
	return s.system || s.Role == RoleFedexAdmin
}

// IsAdmin reports whether the scope may allocate and create cases.
func (s Scope) IsAdmin() bool {
	return s.system || s.Role == RoleFedexAdmin
}

// NarrowCases intersects f with the scope. ok is false when the two
// cannot both hold, in which case the result set is empty.
func (s Scope) NarrowCases(f CaseFilter) (CaseFilter, bool) {
	if s.Unrestricted() {
		return f, true
	}
	if s.AgencyID == "" {
		return f, false
	}
	if f.AgencyID != "" && f.AgencyID != s.AgencyID {
		return f, false
	}
	f.AgencyID = s.AgencyID

	if s.Role == RoleAgencyEmployee {
		if f.EmployeeID != "" && f.EmployeeID != s.UserID {
			return f, false
		}
		f.EmployeeID = s.UserID
	}
	return f, true
}

// NarrowAgencies intersects f with the scope.
func (s Scope) NarrowAgencies(f AgencyFilter) (AgencyFilter, bool) {
	if s.Unrestricted() {
		return f, true
	}
	if s.AgencyID == "" {
		return f, false
	}
	if f.AgencyID != "" && f.AgencyID != s.AgencyID {
		return f, false
	}
	f.AgencyID = s.AgencyID
	return f, true
}

// CanSee reports whether c is inside the scope.
func (s Scope) CanSee(c *Case) bool {
	f, ok := s.NarrowCases(CaseFilter{})
	return ok && f.Matches(c)
}
