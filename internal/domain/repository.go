// Package domain defines the core interfaces and types for the case platform.
package domain

import (
	"context"
	"time"
)

// Repository is the entity store for cases, agencies and users.
// Every mutation of a case is all-or-nothing, including the agency load
// counters it touches.
type Repository interface {
	// Case operations
	ListCases(ctx context.Context, scope Scope, filter CaseFilter) ([]*Case, error)
	GetCase(ctx context.Context, scope Scope, id string) (*Case, error)
	CreateCase(ctx context.Context, req NewCase) (*Case, error)
	ApplyCaseUpdate(ctx context.Context, id string, update CaseUpdate) (*Case, error)

	// Agency operations
	ListAgencies(ctx context.Context, scope Scope, filter AgencyFilter) ([]*Agency, error)
	GetAgency(ctx context.Context, id string) (*Agency, error)
	SaveAgency(ctx context.Context, agency *Agency) error
	AdjustAgencyLoad(ctx context.Context, id string, delta int) (*Agency, error)

	// User operations
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]*User, error)
	SaveUser(ctx context.Context, user *User) error

	// Allocation audit
	SaveDecision(ctx context.Context, decision *AllocationDecision) error
	ListDecisions(ctx context.Context, caseID string) ([]*AllocationDecision, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the store: "memory", "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Defaults applied to new cases
	CaseDefaults CaseDefaults
}
