package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/lifecycle"
)

// MemoryRepository implements domain.Repository in process memory.
// A single mutex serializes every write, so a case update and the agency
// counters it moves are committed as one step.
type MemoryRepository struct {
	mu       sync.RWMutex
	defaults domain.CaseDefaults
	now      func() time.Time

	cases     []*domain.Case
	caseIdx   map[string]int
	agencies  map[string]*domain.Agency
	agencyIDs []string
	users     map[string]*domain.User
	userIDs   []string

	decisions map[string][]*domain.AllocationDecision
	closed    bool
}

// NewMemory creates an empty in-memory repository.
func NewMemory(defaults domain.CaseDefaults) *MemoryRepository {
	if defaults.SLAWindow <= 0 {
		defaults = domain.DefaultCaseDefaults()
	}
	return &MemoryRepository{
		defaults:  defaults,
		now:       time.Now,
		caseIdx:   make(map[string]int),
		agencies:  make(map[string]*domain.Agency),
		users:     make(map[string]*domain.User),
		decisions: make(map[string][]*domain.AllocationDecision),
	}
}

// ListCases returns copies of the cases matching filter within scope,
// in insertion order.
func (r *MemoryRepository) ListCases(ctx context.Context, scope domain.Scope, filter domain.CaseFilter) ([]*domain.Case, error) {
	filter, ok := scope.NarrowCases(filter)
	if !ok {
		return []*domain.Case{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Case, 0, len(r.cases))
	for _, c := range r.cases {
		if filter.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// GetCase returns a copy of one case.
func (r *MemoryRepository) GetCase(ctx context.Context, scope domain.Scope, id string) (*domain.Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.caseIdx[id]
	if !ok || !scope.CanSee(r.cases[idx]) {
		return nil, fmt.Errorf("%w: case %s", domain.ErrNotFound, id)
	}
	return r.cases[idx].Clone(), nil
}

// CreateCase stores a new case in status New.
func (r *MemoryRepository) CreateCase(ctx context.Context, req domain.NewCase) (*domain.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := req.ID
	if id != "" {
		if _, taken := r.caseIdx[id]; taken {
			return nil, fmt.Errorf("%w: case %s already exists", domain.ErrConflict, id)
		}
	} else {
		id = domain.NewCaseID()
		for {
			if _, taken := r.caseIdx[id]; !taken {
				break
			}
			id = domain.NewCaseID()
		}
	}

	c, err := req.Build(id, r.defaults, r.now())
	if err != nil {
		return nil, err
	}
	r.insertLocked(c)
	return c.Clone(), nil
}

func (r *MemoryRepository) insertLocked(c *domain.Case) {
	r.caseIdx[c.ID] = len(r.cases)
	r.cases = append(r.cases, c)
}

// ApplyCaseUpdate merges update into the case and moves agency counters
// in the same critical section.
func (r *MemoryRepository) ApplyCaseUpdate(ctx context.Context, id string, update domain.CaseUpdate) (*domain.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.caseIdx[id]
	if !ok {
		return nil, fmt.Errorf("%w: case %s", domain.ErrNotFound, id)
	}

	next, change, err := lifecycle.Apply(r.cases[idx], update, r.now())
	if err != nil {
		return nil, err
	}

	// Validate the counter movement before touching anything.
	var release, acquire *domain.Agency
	if change.Release != "" {
		release = r.agencies[change.Release]
	}
	if change.Acquire != "" {
		acquire, ok = r.agencies[change.Acquire]
		if !ok {
			return nil, fmt.Errorf("%w: agency %s", domain.ErrNotFound, change.Acquire)
		}
		if change.EnforceCapacity && !acquire.Eligible() {
			return nil, fmt.Errorf("%w: %s (%d/%d)", domain.ErrCapacityExhausted, acquire.ID, acquire.CurrentLoad, acquire.Capacity)
		}
	}

	if release != nil && release.CurrentLoad > 0 {
		release.CurrentLoad--
	}
	if acquire != nil {
		acquire.CurrentLoad++
	}
	r.cases[idx] = next

	return next.Clone(), nil
}

// ListAgencies returns agencies within scope in provisioning order.
func (r *MemoryRepository) ListAgencies(ctx context.Context, scope domain.Scope, filter domain.AgencyFilter) ([]*domain.Agency, error) {
	filter, ok := scope.NarrowAgencies(filter)
	if !ok {
		return []*domain.Agency{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Agency, 0, len(r.agencyIDs))
	for _, id := range r.agencyIDs {
		a := r.agencies[id]
		if filter.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

// GetAgency returns a copy of one agency.
func (r *MemoryRepository) GetAgency(ctx context.Context, id string) (*domain.Agency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agencies[id]
	if !ok {
		return nil, fmt.Errorf("%w: agency %s", domain.ErrNotFound, id)
	}
	return a.Clone(), nil
}

// SaveAgency provisions or updates an agency.
func (r *MemoryRepository) SaveAgency(ctx context.Context, agency *domain.Agency) error {
	if err := agency.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agencies[agency.ID]; !exists {
		r.agencyIDs = append(r.agencyIDs, agency.ID)
	}
	r.agencies[agency.ID] = agency.Clone()
	return nil
}

// AdjustAgencyLoad moves an agency's load by delta, floored at zero.
func (r *MemoryRepository) AdjustAgencyLoad(ctx context.Context, id string, delta int) (*domain.Agency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agencies[id]
	if !ok {
		return nil, fmt.Errorf("%w: agency %s", domain.ErrNotFound, id)
	}
	a.CurrentLoad += delta
	if a.CurrentLoad < 0 {
		a.CurrentLoad = 0
	}
	return a.Clone(), nil
}

// GetUser returns one user.
func (r *MemoryRepository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
	}
	out := *u
	return &out, nil
}

// ListUsers returns users matching filter in creation order.
func (r *MemoryRepository) ListUsers(ctx context.Context, filter domain.UserFilter) ([]*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.User, 0, len(r.userIDs))
	for _, id := range r.userIDs {
		u := r.users[id]
		if filter.Matches(u) {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SaveUser creates or updates a user.
func (r *MemoryRepository) SaveUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if err := user.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if user.AgencyID != "" {
		if _, ok := r.agencies[user.AgencyID]; !ok {
			return fmt.Errorf("%w: agency %s", domain.ErrNotFound, user.AgencyID)
		}
	}
	if _, exists := r.users[user.ID]; !exists {
		r.userIDs = append(r.userIDs, user.ID)
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

// SaveDecision appends an allocation decision to the case's audit trail.
func (r *MemoryRepository) SaveDecision(ctx context.Context, decision *domain.AllocationDecision) error {
	if decision.ID == "" || decision.CaseID == "" {
		return fmt.Errorf("%w: decision id and caseId are required", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *decision
	cp.Candidates = append([]domain.CandidateScore(nil), decision.Candidates...)
	r.decisions[decision.CaseID] = append(r.decisions[decision.CaseID], &cp)
	return nil
}

// ListDecisions returns the decisions of a case in insertion order.
func (r *MemoryRepository) ListDecisions(ctx context.Context, caseID string) ([]*domain.AllocationDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.decisions[caseID]
	out := make([]*domain.AllocationDecision, len(src))
	for i, d := range src {
		cp := *d
		cp.Candidates = append([]domain.CandidateScore(nil), d.Candidates...)
		out[i] = &cp
	}
	return out, nil
}

// Ping reports whether the repository is usable.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("repository is closed")
	}
	return nil
}

// Close marks the repository closed.
func (r *MemoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
