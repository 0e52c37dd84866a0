package workload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/dcaos/internal/cache"
	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/metrics"
	"github.com/opensource-finance/dcaos/internal/repository"
)

func seeded(t *testing.T) *repository.MemoryRepository {
	t.Helper()
	repo := repository.NewMemory(domain.DefaultCaseDefaults())
	require.NoError(t, repository.Seed(context.Background(), repo))
	return repo
}

func TestReconcileSeedDataset(t *testing.T) {
	ctx := context.Background()
	repo := seeded(t)

	report, err := NewService(repo, nil, 0, metrics.New()).Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Agencies, 4)
	assert.Empty(t, report.Drifted, "published loads cover every seeded case")

	cases, err := repo.ListCases(ctx, domain.SystemScope(), domain.CaseFilter{Status: domain.StatusNew})
	require.NoError(t, err)
	assert.Equal(t, len(cases), report.Unassigned)

	for _, line := range report.Agencies {
		assert.Equal(t, line.StoredLoad-line.ActiveCases, line.Drift)
		assert.GreaterOrEqual(t, line.Drift, 0, line.AgencyID)
	}
	assert.Zero(t, report.Agencies[3].ActiveCases, "dca-4 receives no seeded cases")
}

func TestReconcileReportsNegativeDrift(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(domain.DefaultCaseDefaults())
	require.NoError(t, repo.SaveAgency(ctx, &domain.Agency{ID: "dca-1", Name: "One", ReputationScore: 90, Capacity: 5}))

	c, err := repo.CreateCase(ctx, domain.NewCase{CustomerName: "Acme", Amount: 100})
	require.NoError(t, err)
	_, err = repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
		Status:           domain.Ptr(domain.StatusAssigned),
		AssignedAgencyID: domain.Ptr("dca-1"),
		Activity:         &domain.ActivityLogEntry{Activity: "Assigned to One.", Actor: domain.ActorAllocator},
	})
	require.NoError(t, err)
	_, err = repo.AdjustAgencyLoad(ctx, "dca-1", -1)
	require.NoError(t, err)

	report, err := NewService(repo, nil, 0, nil).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dca-1"}, report.Drifted)
	assert.Equal(t, -1, report.Agencies[0].Drift)

	a, _ := repo.GetAgency(ctx, "dca-1")
	assert.Equal(t, 0, a.CurrentLoad, "reconcile never corrects")
}

func TestLatestUsesCache(t *testing.T) {
	ctx := context.Background()
	repo := seeded(t)
	svc := NewService(repo, cache.NewLRUCache(10), time.Minute, nil)

	first, err := svc.Latest(ctx)
	require.NoError(t, err)

	_, err = repo.AdjustAgencyLoad(ctx, "dca-1", 1)
	require.NoError(t, err)

	cached, err := svc.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Agencies[0].StoredLoad, cached.Agencies[0].StoredLoad, "served from cache")

	fresh, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Agencies[0].StoredLoad+1, fresh.Agencies[0].StoredLoad)
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	repo := seeded(t)
	svc := NewService(repo, nil, 0, nil)

	all, err := svc.Summarize(ctx, domain.SystemScope())
	require.NoError(t, err)
	assert.Equal(t, repository.SeedCaseCount, all.TotalCases)
	assert.Greater(t, all.TotalAmount, 0.0)
	assert.Equal(t, all.ByStatus[domain.StatusAssigned]+all.ByStatus[domain.StatusInProgress], all.ActiveCases)
	assert.Equal(t, all.ByStatus[domain.StatusSettled], all.SettledCases)
	assert.Equal(t, all.ByStatus[domain.StatusNew], all.PendingCases)
	assert.GreaterOrEqual(t, all.AverageBreachRisk, 0.0)
	assert.LessOrEqual(t, all.AverageBreachRisk, 1.0)

	var total int
	for _, n := range all.ByStatus {
		total += n
	}
	assert.Equal(t, all.TotalCases, total)

	agency, err := svc.Summarize(ctx, domain.Scope{UserID: "user-2", Role: domain.RoleAgencyAdmin, AgencyID: "dca-4"})
	require.NoError(t, err)
	assert.Zero(t, agency.TotalCases)
	assert.Zero(t, agency.AverageBreachRisk)
}

func TestReconcileCountsClosedCases(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(domain.DefaultCaseDefaults())
	require.NoError(t, repo.SaveAgency(ctx, &domain.Agency{ID: "dca-1", Name: "One", ReputationScore: 90, Capacity: 5}))

	c, err := repo.CreateCase(ctx, domain.NewCase{CustomerName: "Acme", Amount: 100})
	require.NoError(t, err)
	_, err = repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
		Status:           domain.Ptr(domain.StatusAssigned),
		AssignedAgencyID: domain.Ptr("dca-1"),
		Activity:         &domain.ActivityLogEntry{Activity: "Assigned to One.", Actor: domain.ActorAllocator},
	})
	require.NoError(t, err)
	_, err = repo.ApplyCaseUpdate(ctx, c.ID, domain.CaseUpdate{
		Status:   domain.Ptr(domain.StatusClosed),
		Activity: &domain.ActivityLogEntry{Activity: "Closed.", Actor: "Admin"},
	})
	require.NoError(t, err)

	report, err := NewService(repo, nil, 0, nil).Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Agencies, 1)
	assert.Equal(t, 1, report.Agencies[0].StoredLoad, "closing keeps the slot")
	assert.Equal(t, 1, report.Agencies[0].ActiveCases)
	assert.Zero(t, report.Agencies[0].Drift)
	assert.Empty(t, report.Drifted)
}
