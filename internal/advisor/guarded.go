package advisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/metrics"
)

// Call names used in metrics.
const (
	CallExplain    = "explain"
	CallPrioritize = "prioritize"
	CallStrategy   = "strategy"
)

// Options configures a Guarded advisor.
type Options struct {
	// Timeout bounds each call. Zero means no extra bound.
	Timeout time.Duration

	// Cache keeps prioritization answers for identical inputs. Optional.
	Cache    domain.Cache
	CacheTTL time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Guarded wraps an advisor with timeouts, range checks and metrics.
// Prioritization and strategy fall back to the heuristic on any failure;
// explanation failures are returned so the allocator can record them.
type Guarded struct {
	next     domain.Advisor
	fallback Heuristic
	opts     Options
	logger   *slog.Logger
}

var _ domain.Advisor = (*Guarded)(nil)

// NewGuarded wraps next.
func NewGuarded(next domain.Advisor, opts Options) *Guarded {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{next: next, opts: opts, logger: logger}
}

// New builds the advisor selected by cfg, already guarded.
func New(cfg domain.AdvisorConfig, cache domain.Cache, m *metrics.Metrics, logger *slog.Logger) (*Guarded, error) {
	opts := Options{
		Timeout:  cfg.Timeout,
		Cache:    cache,
		CacheTTL: cfg.CacheTTL,
		Metrics:  m,
		Logger:   logger,
	}

	switch cfg.Type {
	case "", "heuristic":
		return NewGuarded(Heuristic{}, opts), nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("advisor: http type requires a base URL")
		}
		return NewGuarded(NewHTTPAdvisor(cfg.BaseURL, cfg.APIKey, cfg.Timeout), opts), nil
	default:
		return nil, fmt.Errorf("unsupported advisor type: %s", cfg.Type)
	}
}

func (g *Guarded) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.opts.Timeout > 0 {
		return context.WithTimeout(ctx, g.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func asCollaboratorErr(err error) error {
	if errors.Is(err, domain.ErrCollaborator) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrCollaborator, err)
}

// ExplainAllocation returns a non-empty explanation or ErrCollaborator.
func (g *Guarded) ExplainAllocation(ctx context.Context, f domain.AllocationFeatures) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	text, err := g.next.ExplainAllocation(ctx, f)
	took := time.Since(start)

	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty explanation")
	}
	if err != nil {
		g.opts.Metrics.AdvisorCall(CallExplain, metrics.OutcomeError, took)
		return "", asCollaboratorErr(err)
	}
	g.opts.Metrics.AdvisorCall(CallExplain, metrics.OutcomeOK, took)
	return strings.TrimSpace(text), nil
}

// Prioritize never fails: out-of-range answers are clamped and failures are
// replaced by the heuristic.
func (g *Guarded) Prioritize(ctx context.Context, in domain.PrioritizeInput) (domain.Priority, error) {
	key := cacheKey(CallPrioritize, in)
	if p, ok := g.cached(ctx, key); ok {
		g.opts.Metrics.AdvisorCall(CallPrioritize, metrics.OutcomeCached, 0)
		return p, nil
	}

	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	p, err := g.next.Prioritize(callCtx, in)
	took := time.Since(start)

	if err == nil && (math.IsNaN(p.RecoveryProbability) || math.IsNaN(p.UrgencyScore)) {
		err = errors.New("non-numeric score")
	}
	if err != nil {
		g.logger.Warn("prioritization failed, using heuristic", "error", err)
		g.opts.Metrics.AdvisorCall(CallPrioritize, metrics.OutcomeFallback, took)
		return g.fallback.Prioritize(ctx, in)
	}

	outcome := metrics.OutcomeOK
	if p.RecoveryProbability < 0 || p.RecoveryProbability > 1 || p.UrgencyScore < 0 || p.UrgencyScore > 100 {
		g.logger.Warn("prioritization out of range, clamping",
			"recovery_probability", p.RecoveryProbability,
			"urgency_score", p.UrgencyScore,
		)
		p.RecoveryProbability = clamp(p.RecoveryProbability, 0, 1)
		p.UrgencyScore = clamp(p.UrgencyScore, 0, 100)
		outcome = metrics.OutcomeClamped
	}
	g.opts.Metrics.AdvisorCall(CallPrioritize, outcome, took)

	g.store(ctx, key, p)
	return p, nil
}

// GenerateStrategy never fails: unknown approaches and failures are replaced
// by the heuristic.
func (g *Guarded) GenerateStrategy(ctx context.Context, in domain.StrategyInput) (domain.Strategy, error) {
	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	s, err := g.next.GenerateStrategy(callCtx, in)
	took := time.Since(start)

	if err == nil {
		s.RecoveryApproach = strings.ToLower(strings.TrimSpace(s.RecoveryApproach))
		s.Explanation = strings.TrimSpace(s.Explanation)
		switch {
		case !domain.ValidApproach(s.RecoveryApproach):
			err = fmt.Errorf("unknown approach %q", s.RecoveryApproach)
		case s.Explanation == "":
			err = errors.New("empty explanation")
		}
	}
	if err != nil {
		g.logger.Warn("strategy generation failed, using heuristic", "error", err)
		g.opts.Metrics.AdvisorCall(CallStrategy, metrics.OutcomeFallback, took)
		return g.fallback.GenerateStrategy(ctx, in)
	}

	g.opts.Metrics.AdvisorCall(CallStrategy, metrics.OutcomeOK, took)
	return s, nil
}

// cacheKey hashes the request so identical inputs share an entry.
func cacheKey(prefix string, data any) string {
	raw, _ := json.Marshal(data)
	hash := sha256.Sum256(raw)
	return fmt.Sprintf("advisor:%s:%s", prefix, hex.EncodeToString(hash[:8]))
}

func (g *Guarded) cached(ctx context.Context, key string) (domain.Priority, bool) {
	var p domain.Priority
	if g.opts.Cache == nil {
		return p, false
	}
	raw, err := g.opts.Cache.Get(ctx, key)
	if err != nil || raw == nil {
		return p, false
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, false
	}
	return p, true
}

func (g *Guarded) store(ctx context.Context, key string, p domain.Priority) {
	if g.opts.Cache == nil || g.opts.CacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := g.opts.Cache.Set(ctx, key, raw, g.opts.CacheTTL); err != nil {
		g.logger.Warn("failed to cache prioritization", "error", err)
	}
}
