// Package repository provides the entity store implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/lifecycle"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db       *sql.DB
	driver   string
	defaults domain.CaseDefaults
	now      func() time.Time
	newID    func() string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	if cfg.CaseDefaults.SLAWindow <= 0 {
		cfg.CaseDefaults = domain.DefaultCaseDefaults()
	}

	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.CaseDefaults), nil
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:       db,
		driver:   cfg.Driver,
		defaults: cfg.CaseDefaults,
		now:      time.Now,
		newID:    domain.NewCaseID,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	// Counters start above any row already stored.
	for _, table := range sequencedTables {
		query := `INSERT INTO sequences (name, value)
			SELECT '` + table + `', COALESCE(MAX(seq), 0) FROM ` + table + ` WHERE true
			ON CONFLICT (name) DO NOTHING`
		if _, err := r.db.Exec(query); err != nil {
			return fmt.Errorf("failed to initialize %s sequence: %w", table, err)
		}
	}
	return nil
}

// nextSeq takes the next insertion number for table. The counter row stays
// locked until tx ends, so numbers follow commit order on every driver.
func (r *SQLRepository) nextSeq(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		r.rebind(`UPDATE sequences SET value = value + 1 WHERE name = ? RETURNING value`), table,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s sequence: %w", table, err)
	}
	return seq, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn inside a transaction, rolling back on any error.
func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// inReadTx runs fn against one snapshot, so multi-query reads never mix
// states from before and after a concurrent write.
func (r *SQLRepository) inReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	opts := &sql.TxOptions{ReadOnly: true}
	if r.driver == "postgres" {
		opts.Isolation = sql.LevelRepeatableRead
	}
	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

const caseColumns = `
	id, version, customer_name, amount, aging_days, status,
	recovery_probability, urgency_score, recommended_strategy, strategy_explanation,
	assigned_agency_id, assigned_employee_id, sla_due_date, sla_breach_risk,
	created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*domain.Case, int64, error) {
	var c domain.Case
	var version int64
	var status string
	err := row.Scan(
		&c.ID, &version, &c.CustomerName, &c.Amount, &c.AgingDays, &status,
		&c.RecoveryProbability, &c.UrgencyScore, &c.RecommendedStrategy, &c.StrategyExplanation,
		&c.AssignedAgencyID, &c.AssignedEmployeeID, &c.SLA.DueDate, &c.SLA.BreachRisk,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, 0, err
	}
	c.Status = domain.CaseStatus(status)
	c.History = []domain.ActivityLogEntry{}
	return &c, version, nil
}

// caseWhere renders a filter as a WHERE clause with ? placeholders.
func caseWhere(f domain.CaseFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AgencyID != "" {
		conds = append(conds, "assigned_agency_id = ?")
		args = append(args, f.AgencyID)
	}
	if f.EmployeeID != "" {
		conds = append(conds, "assigned_employee_id = ?")
		args = append(args, f.EmployeeID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListCases returns the cases matching filter within scope, in creation order.
func (r *SQLRepository) ListCases(ctx context.Context, scope domain.Scope, filter domain.CaseFilter) ([]*domain.Case, error) {
	filter, ok := scope.NarrowCases(filter)
	if !ok {
		return []*domain.Case{}, nil
	}
	where, args := caseWhere(filter)

	var cases []*domain.Case
	err := r.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		cases, err = r.listCases(ctx, tx, where, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cases, nil
}

func (r *SQLRepository) listCases(ctx context.Context, tx *sql.Tx, where string, args []any) ([]*domain.Case, error) {
	rows, err := tx.QueryContext(ctx, r.rebind(`SELECT `+caseColumns+` FROM cases`+where+` ORDER BY seq, id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cases := []*domain.Case{}
	byID := make(map[string]*domain.Case)
	for rows.Next() {
		c, _, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(cases) == 0 {
		return cases, nil
	}

	query := `
		SELECT id, case_id, timestamp, activity, actor, explanation
		FROM case_activity
		WHERE case_id IN (SELECT id FROM cases` + where + `)
		ORDER BY case_id, seq
	`
	actRows, err := tx.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer actRows.Close()

	for actRows.Next() {
		e, err := scanActivity(actRows)
		if err != nil {
			return nil, err
		}
		if c, ok := byID[e.CaseID]; ok {
			c.History = append(c.History, e)
		}
	}
	return cases, actRows.Err()
}

func scanActivity(row rowScanner) (domain.ActivityLogEntry, error) {
	var e domain.ActivityLogEntry
	err := row.Scan(&e.ID, &e.CaseID, &e.Timestamp, &e.Activity, &e.Actor, &e.Explanation)
	return e, err
}

// GetCase retrieves one case with its history.
func (r *SQLRepository) GetCase(ctx context.Context, scope domain.Scope, id string) (*domain.Case, error) {
	var c *domain.Case
	err := r.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, _, err = r.loadCase(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !scope.CanSee(c) {
		return nil, fmt.Errorf("%w: case %s", domain.ErrNotFound, id)
	}
	return c, nil
}

func (r *SQLRepository) loadCase(ctx context.Context, q queryer, id string) (*domain.Case, int64, error) {
	row := q.QueryRowContext(ctx, r.rebind(`SELECT `+caseColumns+` FROM cases WHERE id = ?`), id)
	c, version, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: case %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, 0, err
	}

	rows, err := q.QueryContext(ctx, r.rebind(`
		SELECT id, case_id, timestamp, activity, actor, explanation
		FROM case_activity
		WHERE case_id = ?
		ORDER BY seq
	`), id)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, 0, err
		}
		c.History = append(c.History, e)
	}
	return c, version, rows.Err()
}

// CreateCase inserts a new case in status New together with its first
// history entry.
func (r *SQLRepository) CreateCase(ctx context.Context, req domain.NewCase) (*domain.Case, error) {
	now := r.now()

	var c *domain.Case
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		id, err := r.freeCaseID(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		c, err = req.Build(id, r.defaults, now)
		if err != nil {
			return err
		}
		seq, err := r.nextSeq(ctx, tx, "cases")
		if err != nil {
			return err
		}

		query := `
			INSERT INTO cases (
				id, seq, version, customer_name, amount, aging_days, status,
				recovery_probability, urgency_score, recommended_strategy, strategy_explanation,
				assigned_agency_id, assigned_employee_id, sla_due_date, sla_breach_risk,
				created_at, updated_at
			) VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, r.rebind(query),
			c.ID, seq, c.CustomerName, c.Amount, c.AgingDays, string(c.Status),
			c.RecoveryProbability, c.UrgencyScore, c.RecommendedStrategy, c.StrategyExplanation,
			c.AssignedAgencyID, c.AssignedEmployeeID, c.SLA.DueDate, c.SLA.BreachRisk,
			c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return err
		}
		return r.insertActivity(ctx, tx, c.History, 0)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// freeCaseID returns want if it is unused, or a fresh unused id when want is
// empty. A taken explicit id is a conflict.
func (r *SQLRepository) freeCaseID(ctx context.Context, tx *sql.Tx, want string) (string, error) {
	id := want
	if id == "" {
		id = r.newID()
	}
	for {
		var exists int
		err := tx.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM cases WHERE id = ?`), id).Scan(&exists)
		if err != nil {
			return "", err
		}
		if exists == 0 {
			return id, nil
		}
		if want != "" {
			return "", fmt.Errorf("%w: case %s already exists", domain.ErrConflict, id)
		}
		id = r.newID()
	}
}

func (r *SQLRepository) insertActivity(ctx context.Context, tx *sql.Tx, entries []domain.ActivityLogEntry, firstSeq int) error {
	query := r.rebind(`
		INSERT INTO case_activity (id, case_id, seq, timestamp, activity, actor, explanation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx, query, e.ID, e.CaseID, firstSeq+i, e.Timestamp, e.Activity, e.Actor, e.Explanation); err != nil {
			return err
		}
	}
	return nil
}

// ApplyCaseUpdate merges update into the stored case. The case row, its new
// history entries and the agency counters are written in one transaction;
// a concurrent writer makes the update fail with ErrConflict.
func (r *SQLRepository) ApplyCaseUpdate(ctx context.Context, id string, update domain.CaseUpdate) (*domain.Case, error) {
	var out *domain.Case

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		current, version, err := r.loadCase(ctx, tx, id)
		if err != nil {
			return err
		}

		next, change, err := lifecycle.Apply(current, update, r.now())
		if err != nil {
			return err
		}

		if change.Acquire != "" {
			if err := r.acquireSlot(ctx, tx, change.Acquire, change.EnforceCapacity); err != nil {
				return err
			}
		}
		if change.Release != "" {
			if err := r.releaseSlot(ctx, tx, change.Release); err != nil {
				return err
			}
		}

		query := `
			UPDATE cases SET
				version = version + 1,
				status = ?, recovery_probability = ?, urgency_score = ?,
				recommended_strategy = ?, strategy_explanation = ?,
				assigned_agency_id = ?, assigned_employee_id = ?,
				sla_breach_risk = ?, updated_at = ?
			WHERE id = ? AND version = ?
		`
		result, err := tx.ExecContext(ctx, r.rebind(query),
			string(next.Status), next.RecoveryProbability, next.UrgencyScore,
			next.RecommendedStrategy, next.StrategyExplanation,
			next.AssignedAgencyID, next.AssignedEmployeeID,
			next.SLA.BreachRisk, next.UpdatedAt,
			id, version,
		)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: case %s was modified concurrently", domain.ErrConflict, id)
		}

		added := next.History[len(current.History):]
		if err := r.insertActivity(ctx, tx, added, len(current.History)); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// acquireSlot increments an agency's load. With enforce set the increment is
// conditional on free capacity, so two writers cannot both take the last slot.
func (r *SQLRepository) acquireSlot(ctx context.Context, tx *sql.Tx, agencyID string, enforce bool) error {
	query := `UPDATE agencies SET current_load = current_load + 1 WHERE id = ?`
	if enforce {
		query += ` AND current_load < capacity`
	}
	result, err := tx.ExecContext(ctx, r.rebind(query), agencyID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	a, err := r.getAgency(ctx, tx, agencyID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s (%d/%d)", domain.ErrCapacityExhausted, a.ID, a.CurrentLoad, a.Capacity)
}

func (r *SQLRepository) releaseSlot(ctx context.Context, tx *sql.Tx, agencyID string) error {
	query := `
		UPDATE agencies
		SET current_load = CASE WHEN current_load > 0 THEN current_load - 1 ELSE 0 END
		WHERE id = ?
	`
	_, err := tx.ExecContext(ctx, r.rebind(query), agencyID)
	return err
}

const agencyColumns = `
	id, name, reputation_score, current_load, capacity,
	sla_compliance, recovery_success_rate, update_discipline
`

func scanAgency(row rowScanner) (*domain.Agency, error) {
	var a domain.Agency
	err := row.Scan(
		&a.ID, &a.Name, &a.ReputationScore, &a.CurrentLoad, &a.Capacity,
		&a.SLACompliance, &a.RecoverySuccessRate, &a.UpdateDiscipline,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAgencies returns agencies within scope in provisioning order.
func (r *SQLRepository) ListAgencies(ctx context.Context, scope domain.Scope, filter domain.AgencyFilter) ([]*domain.Agency, error) {
	filter, ok := scope.NarrowAgencies(filter)
	if !ok {
		return []*domain.Agency{}, nil
	}

	query := `SELECT ` + agencyColumns + ` FROM agencies`
	var args []any
	if filter.AgencyID != "" {
		query += ` WHERE id = ?`
		args = append(args, filter.AgencyID)
	}
	query += ` ORDER BY seq, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agencies := []*domain.Agency{}
	for rows.Next() {
		a, err := scanAgency(rows)
		if err != nil {
			return nil, err
		}
		agencies = append(agencies, a)
	}
	return agencies, rows.Err()
}

// GetAgency retrieves one agency.
func (r *SQLRepository) GetAgency(ctx context.Context, id string) (*domain.Agency, error) {
	return r.getAgency(ctx, r.db, id)
}

func (r *SQLRepository) getAgency(ctx context.Context, q queryer, id string) (*domain.Agency, error) {
	row := q.QueryRowContext(ctx, r.rebind(`SELECT `+agencyColumns+` FROM agencies WHERE id = ?`), id)
	a, err := scanAgency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agency %s", domain.ErrNotFound, id)
	}
	return a, err
}

// SaveAgency provisions or updates an agency. Provisioning order is kept
// across updates.
func (r *SQLRepository) SaveAgency(ctx context.Context, agency *domain.Agency) error {
	if err := agency.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO agencies (
			id, seq, name, reputation_score, current_load, capacity,
			sla_compliance, recovery_success_rate, update_discipline
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			reputation_score = excluded.reputation_score,
			current_load = excluded.current_load,
			capacity = excluded.capacity,
			sla_compliance = excluded.sla_compliance,
			recovery_success_rate = excluded.recovery_success_rate,
			update_discipline = excluded.update_discipline
	`
	return r.inTx(ctx, func(tx *sql.Tx) error {
		seq, err := r.nextSeq(ctx, tx, "agencies")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.rebind(query),
			agency.ID, seq, agency.Name, agency.ReputationScore,
			agency.CurrentLoad, agency.Capacity,
			agency.SLACompliance, agency.RecoverySuccessRate, agency.UpdateDiscipline,
		)
		return err
	})
}

// AdjustAgencyLoad moves an agency's load by delta, floored at zero.
func (r *SQLRepository) AdjustAgencyLoad(ctx context.Context, id string, delta int) (*domain.Agency, error) {
	var out *domain.Agency
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE agencies
			SET current_load = CASE WHEN current_load + ? > 0 THEN current_load + ? ELSE 0 END
			WHERE id = ?
		`
		result, err := tx.ExecContext(ctx, r.rebind(query), delta, delta, id)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: agency %s", domain.ErrNotFound, id)
		}
		out, err = r.getAgency(ctx, tx, id)
		return err
	})
	return out, err
}

// GetUser retrieves one user.
func (r *SQLRepository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT id, name, email, role, agency_id FROM users WHERE id = ?`

	var u domain.User
	var role string
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&u.ID, &u.Name, &u.Email, &role, &u.AgencyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	u.Role = domain.Role(role)
	return &u, nil
}

// ListUsers returns users matching filter in creation order.
func (r *SQLRepository) ListUsers(ctx context.Context, filter domain.UserFilter) ([]*domain.User, error) {
	query := `SELECT id, name, email, role, agency_id FROM users`
	var conds []string
	var args []any
	if filter.AgencyID != "" {
		conds = append(conds, "agency_id = ?")
		args = append(args, filter.AgencyID)
	}
	if filter.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, string(filter.Role))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY seq, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*domain.User{}
	for rows.Next() {
		var u domain.User
		var role string
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &role, &u.AgencyID); err != nil {
			return nil, err
		}
		u.Role = domain.Role(role)
		users = append(users, &u)
	}
	return users, rows.Err()
}

// SaveUser creates or updates a user.
func (r *SQLRepository) SaveUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	if err := user.Validate(); err != nil {
		return err
	}
	if user.AgencyID != "" {
		if _, err := r.GetAgency(ctx, user.AgencyID); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO users (id, seq, name, email, role, agency_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			agency_id = excluded.agency_id
	`
	return r.inTx(ctx, func(tx *sql.Tx) error {
		seq, err := r.nextSeq(ctx, tx, "users")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.rebind(query),
			user.ID, seq, user.Name, user.Email, string(user.Role), user.AgencyID,
		)
		return err
	})
}

// SaveDecision appends an allocation decision to the case's audit trail.
func (r *SQLRepository) SaveDecision(ctx context.Context, decision *domain.AllocationDecision) error {
	if decision.ID == "" || decision.CaseID == "" {
		return fmt.Errorf("%w: decision id and caseId are required", domain.ErrInvalidInput)
	}

	features, err := json.Marshal(decision.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	candidates, err := json.Marshal(decision.Candidates)
	if err != nil {
		return fmt.Errorf("failed to marshal candidates: %w", err)
	}
	fallback := 0
	if decision.Fallback {
		fallback = 1
	}

	query := `
		INSERT INTO allocation_decisions (
			id, case_id, seq, agency_id, mode, fitness,
			features, candidates, explanation, fallback, actor, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	return r.inTx(ctx, func(tx *sql.Tx) error {
		seq, err := r.nextSeq(ctx, tx, "allocation_decisions")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, r.rebind(query),
			decision.ID, decision.CaseID, seq, decision.AgencyID,
			string(decision.Mode), decision.Fitness,
			string(features), string(candidates),
			decision.Explanation, fallback, decision.Actor, decision.Timestamp,
		)
		return err
	})
}

// ListDecisions returns the decisions of a case in insertion order.
func (r *SQLRepository) ListDecisions(ctx context.Context, caseID string) ([]*domain.AllocationDecision, error) {
	query := `
		SELECT id, case_id, agency_id, mode, fitness,
			   features, candidates, explanation, fallback, actor, timestamp
		FROM allocation_decisions
		WHERE case_id = ?
		ORDER BY seq, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	decisions := []*domain.AllocationDecision{}
	for rows.Next() {
		var d domain.AllocationDecision
		var mode, features, candidates string
		var fallback int
		if err := rows.Scan(
			&d.ID, &d.CaseID, &d.AgencyID, &mode, &d.Fitness,
			&features, &candidates, &d.Explanation, &fallback, &d.Actor, &d.Timestamp,
		); err != nil {
			return nil, err
		}
		d.Mode = domain.AllocationMode(mode)
		d.Fallback = fallback != 0
		if err := json.Unmarshal([]byte(features), &d.Features); err != nil {
			return nil, fmt.Errorf("failed to unmarshal features: %w", err)
		}
		if err := json.Unmarshal([]byte(candidates), &d.Candidates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidates: %w", err)
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
