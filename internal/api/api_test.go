package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/dcaos/internal/allocation"
	"github.com/opensource-finance/dcaos/internal/bus"
	"github.com/opensource-finance/dcaos/internal/cache"
	"github.com/opensource-finance/dcaos/internal/casework"
	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/metrics"
	"github.com/opensource-finance/dcaos/internal/repository"
	"github.com/opensource-finance/dcaos/internal/workload"
)

// Seeded identities.
const (
	adminID    = "user-1"
	agencyID   = "user-2"
	employeeID = "user-3"
)

// createTestServer creates a server over the seeded in-memory dataset.
func createTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	repo := repository.NewMemory(domain.DefaultCaseDefaults())
	if err := repository.Seed(ctx, repo); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	m := metrics.New()
	lru := cache.NewLRUCache(100)
	engine := allocation.NewEngine(repo, allocation.Options{Bus: eventBus, Metrics: m})
	cases := casework.New(casework.Config{Repository: repo, Engine: engine, Bus: eventBus})

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return NewServer(cfg, Deps{
		Repository: repo,
		Cache:      lru,
		Cases:      cases,
		Workload:   workload.NewService(repo, lru, time.Minute, m),
		Metrics:    m,
		Version:    "test-v1",
	})
}

// do sends a request as userID and returns the recorder.
func do(server *Server, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

type caseList struct {
	Cases []domain.Case `json:"cases"`
	Count int           `json:"count"`
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/health", "", nil)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]interface{}
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%v'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%v'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/ready", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(server, http.MethodGet, "/ready", "", nil)

		rr := do(server, http.MethodGet, "/metrics", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "dcaos_http_requests_total") {
			t.Error("expected request counter in metrics output")
		}
	})
}

func TestIdentity(t *testing.T) {
	server := createTestServer(t)

	t.Run("MissingUserID", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/cases", "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rr.Code)
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/cases", "user-404", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rr.Code)
		}
	})

	t.Run("Me", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/me", agencyID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var u domain.User
		json.Unmarshal(rr.Body.Bytes(), &u)
		if u.ID != agencyID || u.Role != domain.RoleAgencyAdmin || u.AgencyID != "dca-1" {
			t.Errorf("unexpected user: %+v", u)
		}
	})
}

func TestCaseEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("ListAsAdmin", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/cases", adminID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp caseList
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != repository.SeedCaseCount {
			t.Errorf("expected %d cases, got %d", repository.SeedCaseCount, resp.Count)
		}
	})

	t.Run("ListByStatus", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/cases?status=New", adminID, nil)

		var resp caseList
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count == 0 {
			t.Fatal("expected seeded New cases")
		}
		for _, c := range resp.Cases {
			if c.Status != domain.StatusNew {
				t.Errorf("case %s has status %s", c.ID, c.Status)
			}
		}
	})

	t.Run("ListUnknownStatus", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/cases?status=Lost", adminID, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListAsEmployee", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/cases", employeeID, nil)

		var resp caseList
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count == 0 {
			t.Fatal("expected the employee to see its cases")
		}
		for _, c := range resp.Cases {
			if c.AssignedAgencyID != "dca-1" || c.AssignedEmployeeID != employeeID {
				t.Errorf("case %s outside employee scope", c.ID)
			}
		}
	})

	t.Run("ListOtherAgencyIsEmpty", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/cases?agencyId=dca-2", agencyID, nil)

		var resp caseList
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if rr.Code != http.StatusOK || resp.Count != 0 {
			t.Errorf("expected empty list, got %d cases (status %d)", resp.Count, rr.Code)
		}
	})

	t.Run("GetOutsideScope", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/cases/CASE-1001", agencyID, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/cases/CASE-9999", adminID, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Create", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/cases", adminID, casework.CreateCaseInput{
			CustomerName: "Orion Services",
			Amount:       4200,
			AgingDays:    45,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var c domain.Case
		json.Unmarshal(rr.Body.Bytes(), &c)
		if c.ID == "" || c.Status != domain.StatusNew {
			t.Errorf("unexpected case: %+v", c)
		}
		if len(c.History) != 1 || c.History[0].Actor != "Alex Johnson" {
			t.Errorf("expected one creation entry by the admin, got %+v", c.History)
		}
	})

	t.Run("CreateForbidden", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/cases", agencyID, casework.CreateCaseInput{CustomerName: "X", Amount: 10})
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/cases", adminID, casework.CreateCaseInput{CustomerName: "Zero", Amount: 0})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/cases", adminID, "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ChangeStatus", func(t *testing.T) {
		rr := do(server, http.MethodPatch, "/cases/CASE-1001/status", adminID, StatusRequest{Status: domain.StatusInProgress})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var c domain.Case
		json.Unmarshal(rr.Body.Bytes(), &c)
		if c.Status != domain.StatusInProgress {
			t.Errorf("expected In Progress, got %s", c.Status)
		}
	})

	t.Run("ChangeStatusInvalidTransition", func(t *testing.T) {
		rr := do(server, http.MethodPatch, "/cases/CASE-1006/status", adminID, StatusRequest{Status: domain.StatusAssigned})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("StrategyAndAssignment", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/cases/CASE-1006/assign", adminID, AssignRequest{AgencyID: "dca-1"})
		if rr.Code != http.StatusOK {
			t.Fatalf("assign: expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(server, http.MethodPost, "/cases/CASE-1006/employee", agencyID, EmployeeRequest{EmployeeID: employeeID})
		if rr.Code != http.StatusOK {
			t.Fatalf("employee: expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var c domain.Case
		json.Unmarshal(rr.Body.Bytes(), &c)
		if c.AssignedAgencyID != "dca-1" || c.AssignedEmployeeID != employeeID {
			t.Errorf("unexpected assignment: agency %s employee %s", c.AssignedAgencyID, c.AssignedEmployeeID)
		}

		rr = do(server, http.MethodPost, "/cases/CASE-1006/strategy", employeeID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("strategy: expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		json.Unmarshal(rr.Body.Bytes(), &c)
		if !domain.ValidApproach(c.RecommendedStrategy) || c.StrategyExplanation == "" {
			t.Errorf("unexpected strategy %q / %q", c.RecommendedStrategy, c.StrategyExplanation)
		}

		rr = do(server, http.MethodGet, "/cases/CASE-1006/decisions", adminID, nil)
		var resp struct {
			Decisions []domain.AllocationDecision `json:"decisions"`
			Count     int                         `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 || resp.Decisions[0].Mode != domain.ModeManual {
			t.Errorf("expected one manual decision, got %+v", resp.Decisions)
		}
	})

	t.Run("AssignRequiresAgency", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/cases/CASE-1012/assign", adminID, AssignRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("AssignForbidden", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/cases/CASE-1012/assign", employeeID, AssignRequest{AgencyID: "dca-1"})
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/cases", adminID, nil)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestAllocationEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := do(server, http.MethodPost, "/allocations/run", agencyID, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rr.Code)
	}

	rr = do(server, http.MethodPost, "/allocations/run", adminID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Allocated int `json:"allocated"`
		Pending   int `json:"pending"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Allocated == 0 || resp.Pending != 0 {
		t.Errorf("expected every seeded New case allocated, got %+v", resp)
	}

	rr = do(server, http.MethodGet, "/cases?status=New", adminID, nil)
	var pending caseList
	json.Unmarshal(rr.Body.Bytes(), &pending)
	if pending.Count != 0 {
		t.Errorf("expected no New cases after the run, got %d", pending.Count)
	}

	rr = do(server, http.MethodGet, "/agencies", adminID, nil)
	var agencies struct {
		Agencies []domain.Agency `json:"agencies"`
	}
	json.Unmarshal(rr.Body.Bytes(), &agencies)
	for _, a := range agencies.Agencies {
		if a.CurrentLoad < 0 || a.CurrentLoad > a.Capacity {
			t.Errorf("agency %s load %d outside [0, %d]", a.ID, a.CurrentLoad, a.Capacity)
		}
	}
}

func TestAgencyEndpoints(t *testing.T) {
	server := createTestServer(t)

	tests := []struct {
		name   string
		path   string
		userID string
		code   int
		count  int
	}{
		{"AdminListsAll", "/agencies", adminID, http.StatusOK, 4},
		{"AgencyAdminListsOwn", "/agencies", agencyID, http.StatusOK, 1},
		{"GetOwn", "/agencies/dca-1", agencyID, http.StatusOK, -1},
		{"GetOther", "/agencies/dca-2", agencyID, http.StatusNotFound, -1},
		{"GetUnknown", "/agencies/dca-9", adminID, http.StatusNotFound, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(server, http.MethodGet, tt.path, tt.userID, nil)
			if rr.Code != tt.code {
				t.Fatalf("expected status %d, got %d", tt.code, rr.Code)
			}
			if tt.count < 0 {
				return
			}
			var resp struct {
				Count int `json:"count"`
			}
			json.Unmarshal(rr.Body.Bytes(), &resp)
			if resp.Count != tt.count {
				t.Errorf("expected %d agencies, got %d", tt.count, resp.Count)
			}
		})
	}
}

func TestWorkloadAndDashboard(t *testing.T) {
	server := createTestServer(t)

	t.Run("WorkloadAdminOnly", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/workload", agencyID, nil)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}
	})

	t.Run("Workload", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/workload?fresh=true", adminID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var report workload.Report
		json.Unmarshal(rr.Body.Bytes(), &report)
		if len(report.Agencies) != 4 {
			t.Errorf("expected 4 agencies, got %d", len(report.Agencies))
		}
		if len(report.Drifted) != 0 {
			t.Errorf("expected no drift on seeded data, got %v", report.Drifted)
		}
	})

	t.Run("DashboardIsScoped", func(t *testing.T) {
		var all, own workload.Summary

		rr := do(server, http.MethodGet, "/dashboard", adminID, nil)
		json.Unmarshal(rr.Body.Bytes(), &all)
		rr = do(server, http.MethodGet, "/dashboard", agencyID, nil)
		json.Unmarshal(rr.Body.Bytes(), &own)

		if all.TotalCases != repository.SeedCaseCount {
			t.Errorf("expected %d cases, got %d", repository.SeedCaseCount, all.TotalCases)
		}
		if own.TotalCases == 0 || own.TotalCases >= all.TotalCases {
			t.Errorf("expected agency summary to be a strict subset, got %d of %d", own.TotalCases, all.TotalCases)
		}
	})
}

func TestUserEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("AgencyAdminAddsEmployee", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/users", agencyID, casework.NewUserInput{
			Name:  "Lena Park",
			Email: "lena.p@globalrecovery.com",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var u domain.User
		json.Unmarshal(rr.Body.Bytes(), &u)
		if u.Role != domain.RoleAgencyEmployee || u.AgencyID != "dca-1" {
			t.Errorf("unexpected user: %+v", u)
		}
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/users", agencyID, casework.NewUserInput{
			Name:  "Lena Again",
			Email: "LENA.P@globalrecovery.com",
		})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("EmployeeForbidden", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/users", employeeID, casework.NewUserInput{
			Name:  "Sam Lee",
			Email: "sam@globalrecovery.com",
		})
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}
	})

	t.Run("ListIsScoped", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/users", agencyID, nil)

		var resp struct {
			Users []domain.User `json:"users"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.Users) == 0 {
			t.Fatal("expected the agency team")
		}
		for _, u := range resp.Users {
			if u.AgencyID != "dca-1" {
				t.Errorf("user %s outside agency scope", u.ID)
			}
		}
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrCapacityExhausted, http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrCollaborator, http.StatusBadGateway},
		{fmt.Errorf("%w: case CASE-1", domain.ErrNotFound), http.StatusNotFound},
		{errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.code {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}

type staticResolver struct {
	user *domain.User
}

func (s staticResolver) Resolve(ctx context.Context, userID string) (*domain.User, domain.Scope, error) {
	if s.user == nil || s.user.ID != userID {
		return nil, domain.Scope{}, domain.ErrNotFound
	}
	return s.user, s.user.Scope(), nil
}

func TestMiddleware(t *testing.T) {
	t.Run("IdentityMiddlewareSetsScope", func(t *testing.T) {
		var captured domain.Scope

		resolver := staticResolver{user: &domain.User{ID: "u-1", Role: domain.RoleAgencyAdmin, AgencyID: "dca-7"}}
		handler := IdentityMiddleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetScope(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(UserIDHeader, "u-1")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if captured.UserID != "u-1" || captured.AgencyID != "dca-7" || captured.Role != domain.RoleAgencyAdmin {
			t.Errorf("unexpected scope: %+v", captured)
		}
	})

	t.Run("EmptyScopeSeesNothing", func(t *testing.T) {
		scope := GetScope(context.Background())
		if scope.IsAdmin() || scope.Unrestricted() {
			t.Error("a missing identity must not be privileged")
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
