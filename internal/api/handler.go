package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/dcaos/internal/casework"
	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/workload"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	cases    *casework.Service
	workload *workload.Service
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, cases *casework.Service, wl *workload.Service, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		cases:    cases,
		workload: wl,
		version:  version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "healthy"
	code := http.StatusOK
	checks := map[string]string{}

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			checks["repository"] = err.Error()
		} else {
			checks["repository"] = "ok"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		} else {
			checks["cache"] = "ok"
		}
	}

	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Me returns the calling user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetUser(r.Context()))
}

// ListCases handles GET /cases.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := domain.CaseFilter{
		Status:     domain.CaseStatus(q.Get("status")),
		AgencyID:   q.Get("agencyId"),
		EmployeeID: q.Get("employeeId"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown status " + strconv.Quote(string(filter.Status)),
		})
		return
	}

	cases, err := h.repo.ListCases(ctx, GetScope(ctx), filter)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": cases,
		"count": len(cases),
	})
}

// CreateCase handles POST /cases.
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req casework.CreateCaseInput
	if !decode(w, r, &req) {
		return
	}

	c, err := h.cases.CreateCase(ctx, GetScope(ctx), req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCase handles GET /cases/{id}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, err := h.repo.GetCase(ctx, GetScope(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// StatusRequest is the body of PATCH /cases/{id}/status.
type StatusRequest struct {
	Status domain.CaseStatus `json:"status"`
}

// ChangeStatus handles PATCH /cases/{id}/status.
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.cases.ChangeStatus(ctx, GetScope(ctx), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AssignRequest is the body of POST /cases/{id}/assign.
type AssignRequest struct {
	AgencyID string `json:"dcaId"`
}

// AssignAgency handles POST /cases/{id}/assign.
func (h *Handler) AssignAgency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AssignRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AgencyID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "dcaId is required",
		})
		return
	}

	c, err := h.cases.AssignAgency(ctx, GetScope(ctx), chi.URLParam(r, "id"), req.AgencyID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// EmployeeRequest is the body of POST /cases/{id}/employee.
type EmployeeRequest struct {
	EmployeeID string `json:"employeeId"`
}

// AssignEmployee handles POST /cases/{id}/employee.
func (h *Handler) AssignEmployee(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EmployeeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.EmployeeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "employeeId is required",
		})
		return
	}

	c, err := h.cases.AssignEmployee(ctx, GetScope(ctx), chi.URLParam(r, "id"), req.EmployeeID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GenerateStrategy handles POST /cases/{id}/strategy.
func (h *Handler) GenerateStrategy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, err := h.cases.GenerateStrategy(ctx, GetScope(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListDecisions handles GET /cases/{id}/decisions.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := chi.URLParam(r, "id")

	// The case read applies the caller's scope.
	if _, err := h.repo.GetCase(ctx, GetScope(ctx), caseID); err != nil {
		writeError(ctx, w, err)
		return
	}

	decisions, err := h.repo.ListDecisions(ctx, caseID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// RunAllocation handles POST /allocations/run.
func (h *Handler) RunAllocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := h.cases.RunAllocation(ctx, GetScope(ctx))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"allocated":       result.Allocated,
		"pending":         result.Pending,
		"decisions":       result.Decisions,
		"invalidAgencies": result.InvalidAgencies,
		"tookMs":          result.Took.Milliseconds(),
	})
}

// ListAgencies handles GET /agencies.
func (h *Handler) ListAgencies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agencies, err := h.repo.ListAgencies(ctx, GetScope(ctx), domain.AgencyFilter{})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agencies": agencies,
		"count":    len(agencies),
	})
}

// GetAgency handles GET /agencies/{id}.
func (h *Handler) GetAgency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agencies, err := h.repo.ListAgencies(ctx, GetScope(ctx), domain.AgencyFilter{AgencyID: chi.URLParam(r, "id")})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if len(agencies) == 0 {
		writeError(ctx, w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, agencies[0])
}

// Workload handles GET /workload. ?fresh=true forces a reconciliation.
func (h *Handler) Workload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !GetScope(ctx).IsAdmin() {
		writeError(ctx, w, domain.ErrForbidden)
		return
	}

	var (
		report *workload.Report
		err    error
	)
	if r.URL.Query().Get("fresh") == "true" {
		report, err = h.workload.Reconcile(ctx)
	} else {
		report, err = h.workload.Latest(ctx)
	}
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Dashboard handles GET /dashboard.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := h.workload.Summarize(ctx, GetScope(ctx))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListUsers handles GET /users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	users, err := h.cases.ListUsers(ctx, GetScope(ctx), domain.UserFilter{
		AgencyID: q.Get("dcaId"),
		Role:     domain.Role(q.Get("role")),
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// CreateUser handles POST /users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req casework.NewUserInput
	if !decode(w, r, &req) {
		return
	}

	u, err := h.cases.CreateUser(ctx, GetScope(ctx), req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrCapacityExhausted),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrCollaborator):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err, "trace_id", GetTraceID(ctx))
		msg = "internal server error"
	}
	writeJSON(w, code, map[string]string{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
