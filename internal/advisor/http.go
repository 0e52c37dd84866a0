package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/dcaos/internal/domain"
)

// Gateway endpoints.
const (
	pathExplain    = "/v1/allocations/explain"
	pathPrioritize = "/v1/cases/prioritize"
	pathStrategy   = "/v1/cases/strategy"
)

// HTTPAdvisor calls a generative-model gateway over JSON/HTTP.
// Every failure is reported as domain.ErrCollaborator.
type HTTPAdvisor struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

var _ domain.Advisor = (*HTTPAdvisor)(nil)

// NewHTTPAdvisor creates a gateway client.
func NewHTTPAdvisor(baseURL, apiKey string, timeout time.Duration) *HTTPAdvisor {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &HTTPAdvisor{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// post sends body as JSON and decodes a 2xx reply into out.
func (h *HTTPAdvisor) post(ctx context.Context, path string, body, out any) error {
	start := time.Now()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request body: %v", domain.ErrCollaborator, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", domain.ErrCollaborator, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: execute request: %v", domain.ErrCollaborator, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response body: %v", domain.ErrCollaborator, err)
	}

	slog.Debug("advisor request completed",
		"path", path,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", domain.ErrCollaborator, path, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrCollaborator, path, err)
	}
	return nil
}

// ExplainAllocation asks the gateway to phrase an allocation.
func (h *HTTPAdvisor) ExplainAllocation(ctx context.Context, f domain.AllocationFeatures) (string, error) {
	var out struct {
		Explanation string `json:"explanation"`
	}
	if err := h.post(ctx, pathExplain, f, &out); err != nil {
		return "", err
	}
	return out.Explanation, nil
}

// Prioritize asks the gateway to score a case.
func (h *HTTPAdvisor) Prioritize(ctx context.Context, in domain.PrioritizeInput) (domain.Priority, error) {
	var out domain.Priority
	err := h.post(ctx, pathPrioritize, in, &out)
	return out, err
}

// GenerateStrategy asks the gateway for a recovery approach.
func (h *HTTPAdvisor) GenerateStrategy(ctx context.Context, in domain.StrategyInput) (domain.Strategy, error) {
	var out domain.Strategy
	err := h.post(ctx, pathStrategy, in, &out)
	return out, err
}
