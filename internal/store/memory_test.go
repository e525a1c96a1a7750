package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/something1703/Nexus-Zero/internal/models"
)

func seedService(t *testing.T, m *MemoryStore, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := m.UpsertService(context.Background(), ServiceInput{Name: name, Status: models.HealthHealthy, RollbackSafetyScore: 1})
		require.NoError(t, err)
	}
}

func TestMemoryCreateIncidentEnforcesActiveUniqueness(t *testing.T) {
	m := NewMemoryStore()
	seedService(t, m, "order-api")
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateIncident(ctx, IncidentInput{Service: "order-api", Severity: models.SeverityHigh, ErrorSignature: "db_pool_exhaustion", SeenAt: time.Now()})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else {
				assert.ErrorIs(t, err, ErrConflict)
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 19, conflicts)
}

func TestMemoryAuditChainAndImmutability(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	first, err := m.AppendAudit(ctx, AuditInput{Actor: "sentinel", ActionType: "scan", Status: models.AuditPending})
	require.NoError(t, err)
	second, err := m.AppendAudit(ctx, AuditInput{Actor: "detective", ActionType: "diagnose", Status: models.AuditPending})
	require.NoError(t, err)
	assert.Equal(t, "", first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, int64(2), second.Seq)

	_, err = m.CompleteAudit(ctx, first.ID, CompletionInput{Status: models.AuditSuccess, At: time.Now()})
	require.NoError(t, err)
	_, err = m.CompleteAudit(ctx, first.ID, CompletionInput{Status: models.AuditFailed, At: time.Now()})
	assert.ErrorIs(t, err, ErrImmutable)
	_, err = m.ApproveAudit(ctx, first.ID, "alice", time.Now())
	assert.ErrorIs(t, err, ErrImmutable)
	_, err = m.CompleteAudit(ctx, uuid.New(), CompletionInput{Status: models.AuditFailed, At: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCompleteAuditOnlyIfUnapproved(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	e, err := m.AppendAudit(ctx, AuditInput{Actor: "executor", ActionType: "remediation", Status: models.AuditPending, RequiresApproval: true})
	require.NoError(t, err)
	_, err = m.ApproveAudit(ctx, e.ID, "alice", time.Now())
	require.NoError(t, err)

	_, err = m.CompleteAudit(ctx, e.ID, CompletionInput{Status: models.AuditRejected, At: time.Now(), OnlyIfUnapproved: true})
	assert.ErrorIs(t, err, ErrImmutable)

	got, err := m.GetAudit(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.Completed())
	assert.True(t, got.HumanApproved)
}

func TestMemoryListAuditPagesInOrder(t *testing.T) {
	m := NewMemoryStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.NowFunc = func() time.Time { return fixed }
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.AppendAudit(ctx, AuditInput{Actor: "historian", ActionType: "lookup", Status: models.AuditSuccess})
		require.NoError(t, err)
	}

	page, err := m.ListAudit(ctx, AuditFilter{Actor: "historian"}, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	last := page[1]
	rest, err := m.ListAudit(ctx, AuditFilter{Actor: "historian"}, &AuditCursor{CreatedAt: last.CreatedAt, Seq: last.Seq}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, int64(3), rest[0].Seq)
}

func TestMemoryPlaybookUsageStats(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	pb, err := m.CreatePlaybook(ctx, PlaybookInput{
		Name:           "Database Connection Pool Exhaustion",
		TriggerPattern: "connection pool exhausted",
		Solutions: []SolutionInput{
			{Rank: 2, Action: models.Action{Type: models.ActionRestart, Params: models.RestartParams{}}},
			{Rank: 1, Action: models.Action{Type: models.ActionScaleUp, Params: models.ScaleParams{Direction: models.ActionScaleUp, Factor: 2}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pb.Solutions[0].Rank)

	_, err = m.RecordPlaybookUsage(ctx, pb.ID, true, 10)
	require.NoError(t, err)
	pb, err = m.RecordPlaybookUsage(ctx, pb.ID, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, pb.TimesUsed)
	assert.Equal(t, 1, pb.SuccessCount)
	assert.InDelta(t, 0.5, pb.SuccessRate, 1e-9)
	assert.InDelta(t, 10, pb.AvgResolutionMinutes, 1e-9)

	_, err = m.CreatePlaybook(ctx, PlaybookInput{Name: "Database Connection Pool Exhaustion"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryClaimUnstreamedRetriesFailures(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	e, err := m.AppendAudit(ctx, AuditInput{Actor: "executor", ActionType: "rollback", Status: models.AuditSuccess, CompletedAt: &now})
	require.NoError(t, err)
	_, err = m.AppendAudit(ctx, AuditInput{Actor: "executor", ActionType: "rollback", Status: models.AuditPending})
	require.NoError(t, err)

	claimed, err := m.ClaimUnstreamed(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, m.MarkStreamResult(ctx, e.ID, "", assert.AnError))

	claimed, err = m.ClaimUnstreamed(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, m.MarkStreamResult(ctx, e.ID, "", assert.AnError))

	claimed, err = m.ClaimUnstreamed(ctx, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	state, attempts := m.StreamState(e.ID)
	assert.Equal(t, "failed", state)
	assert.Equal(t, 2, attempts)
}

func TestMemoryClaimUnstreamedReclaimsStaleClaims(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	m.NowFunc = func() time.Time { return t0 }
	e, err := m.AppendAudit(ctx, AuditInput{Actor: "executor", ActionType: "rollback", Status: models.AuditSuccess, CompletedAt: &t0})
	require.NoError(t, err)

	claimed, err := m.ClaimUnstreamed(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	m.NowFunc = func() time.Time { return t0.Add(staleClaimAfter) }
	claimed, err = m.ClaimUnstreamed(ctx, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	m.NowFunc = func() time.Time { return t0.Add(staleClaimAfter + time.Second) }
	claimed, err = m.ClaimUnstreamed(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, e.ID, claimed[0].ID)
	state, attempts := m.StreamState(e.ID)
	assert.Equal(t, "in_progress", state)
	assert.Equal(t, 2, attempts)
}

func TestMemoryListClosedIncidentsPages(t *testing.T) {
	m := NewMemoryStore()
	seedService(t, m, "order-api")
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		inc, err := m.CreateIncident(ctx, IncidentInput{Service: "order-api", Severity: models.SeverityLow, ErrorSignature: "sig", SeenAt: at})
		require.NoError(t, err)
		_, err = m.TransitionIncident(ctx, inc.ID, models.IncidentOpen, models.IncidentClosed, TransitionPatch{At: at})
		require.NoError(t, err)
		ids = append(ids, inc.ID)
	}
	_, err := m.CreateIncident(ctx, IncidentInput{Service: "order-api", Severity: models.SeverityHigh, ErrorSignature: "sig", SeenAt: base})
	require.NoError(t, err)

	var got []uuid.UUID
	var after *IncidentCursor
	for {
		page, err := m.ListClosedIncidents(ctx, ClosedIncidentFilter{ErrorSignature: "sig"}, after, 2)
		require.NoError(t, err)
		for _, inc := range page {
			got = append(got, inc.ID)
		}
		if len(page) < 2 {
			break
		}
		last := page[len(page)-1]
		after = &IncidentCursor{ClosedAt: *last.ClosedAt, ID: last.ID}
	}
	assert.Equal(t, []uuid.UUID{ids[4], ids[3], ids[2], ids[1], ids[0]}, got)

	none, err := m.ListClosedIncidents(ctx, ClosedIncidentFilter{HasEmbedding: true}, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
