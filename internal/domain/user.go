package domain

import (
	"fmt"
	"net/mail"
	"strings"
)

// Role determines what a user can see and do.
type Role string

const (
	RoleFedexAdmin     Role = "fedex_admin"
	RoleAgencyAdmin    Role = "dca_admin"
	RoleAgencyEmployee Role = "dca_employee"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleFedexAdmin, RoleAgencyAdmin, RoleAgencyEmployee:
		return true
	}
	return false
}

// User is a person operating the dashboard.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	AgencyID string `json:"dcaId,omitempty"`
}

// Validate checks a user record before it is stored.
func (u *User) Validate() error {
	if len(strings.TrimSpace(u.Name)) < 2 {
		return fmt.Errorf("%w: name must be at least 2 characters", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	if !u.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, u.Role)
	}
	if u.Role != RoleFedexAdmin && u.AgencyID == "" {
		return fmt.Errorf("%w: agency users require dcaId", ErrInvalidInput)
	}
	return nil
}

// Scope returns the access scope of this user.
func (u *User) Scope() Scope {
	return Scope{UserID: u.ID, Role: u.Role, AgencyID: u.AgencyID}
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	AgencyID string
	Role     Role
}

// Matches reports whether u satisfies every set predicate.
func (f UserFilter) Matches(u *User) bool {
	if f.AgencyID != "" && u.AgencyID != f.AgencyID {
		return false
	}
	if f.Role != "" && u.Role != f.Role {
		return false
	}
	return true
}
