package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/something1703/Nexus-Zero/internal/agentstate"
	"github.com/something1703/Nexus-Zero/internal/aggregator"
	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/audit"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/playbook"
	"github.com/something1703/Nexus-Zero/internal/risk"
	"github.com/something1703/Nexus-Zero/internal/store"
)

// fakeGate hands out a fixed verdict so tests do not depend on the wall clock.
type fakeGate struct {
	verdict risk.Verdict
	err     error
}

func (g *fakeGate) Assess(_ context.Context, inc models.Incident, sol models.PlaybookSolution) (risk.Assessment, error) {
	if g.err != nil {
		return risk.Assessment{}, g.err
	}
	a := risk.Assessment{
		Level:      models.SeverityLow,
		Verdict:    g.verdict,
		ActionType: sol.Action.Type,
		AssessedAt: time.Now().UTC(),
	}
	switch g.verdict {
	case risk.VerdictRequiresApproval:
		a.Level = models.SeverityHigh
		a.RequiresApproval = true
		a.ApprovalReasons = []string{"risk level is high"}
	case risk.VerdictBlocked:
		a.Level = models.SeverityCritical
		a.RequiresApproval = true
		a.GuardrailViolations = []string{"blast radius 7 exceeds limit 5"}
		a.ApprovalReasons = a.GuardrailViolations
	}
	return a, nil
}

type fixture struct {
	svc      *Service
	st       *store.MemoryStore
	agg      *aggregator.Aggregator
	matcher  *playbook.Matcher
	ledger   *audit.Ledger
	gate     *fakeGate
	incident models.Incident
	pool     models.Playbook
}

func newFixture(t *testing.T, verdict risk.Verdict) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.UpsertService(ctx, store.ServiceInput{Name: "payment-api", Status: models.HealthHealthy})
	require.NoError(t, err)

	f := &fixture{
		st:      st,
		agg:     aggregator.New(st, aggregator.Config{}, nil),
		matcher: playbook.New(st, st, playbook.Config{}, nil),
		ledger:  audit.NewLedger(st, nil),
		gate:    &fakeGate{verdict: verdict},
	}
	f.svc = New(f.agg, f.matcher, f.gate, f.ledger, Config{}, nil)

	ref, err := f.agg.Ingest(ctx, models.ErrorEvent{
		Service:        "payment-api",
		ErrorSignature: "db_pool_exhaustion",
		Message:        "connection pool exhausted",
		Severity:       models.SeverityHigh,
	})
	require.NoError(t, err)
	f.incident, err = f.agg.Get(ctx, ref.ID)
	require.NoError(t, err)

	f.pool, err = f.matcher.CreatePlaybook(ctx, playbook.Spec{
		Name:           "Database Connection Pool Exhaustion",
		TriggerPattern: "connection pool",
		Solutions: []playbook.SolutionSpec{
			{Rank: 1, Action: models.Action{Type: models.ActionConfigChange, Params: models.ConfigChangeParams{Key: "db.pool.max", Value: json.RawMessage("50")}}},
			{Rank: 2, Action: models.Action{Type: models.ActionScaleUp, Params: models.ScaleParams{Direction: models.ActionScaleUp, Factor: 2}}},
		},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) propose(t *testing.T, rank int) Request {
	t.Helper()
	req, err := f.svc.Propose(context.Background(), "remediation-agent", Proposal{
		IncidentID: f.incident.ID,
		PlaybookID: f.pool.ID,
		Rank:       rank,
	})
	require.NoError(t, err)
	return req
}

func TestProposeRecordsPendingEntry(t *testing.T) {
	f := newFixture(t, risk.VerdictProceed)
	req := f.propose(t, 2)

	assert.Equal(t, f.incident.ID, req.IncidentID)
	assert.Equal(t, 2, req.Solution.Rank)
	assert.Equal(t, models.ActionScaleUp, req.Solution.Action.Type)
	assert.Equal(t, models.AuditPending, req.Status)
	assert.Equal(t, "remediation-agent", req.ProposedBy)

	e, err := f.ledger.Get(context.Background(), req.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ActionRemediation, e.ActionType)
	assert.False(t, e.RequiresApproval)
	require.NotNil(t, e.ServiceName)
	assert.Equal(t, "payment-api", *e.ServiceName)

	got, err := f.svc.Get(context.Background(), req.EntryID)
	require.NoError(t, err)
	assert.Equal(t, req.Solution.Action, got.Solution.Action)
}

func TestProposeValidation(t *testing.T) {
	f := newFixture(t, risk.VerdictProceed)
	ctx := context.Background()

	_, err := f.svc.Propose(ctx, " ", Proposal{IncidentID: f.incident.ID, PlaybookID: f.pool.ID, Rank: 1})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.svc.Propose(ctx, "agent", Proposal{IncidentID: f.incident.ID, PlaybookID: f.pool.ID, Rank: 0})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.svc.Propose(ctx, "agent", Proposal{IncidentID: f.incident.ID, PlaybookID: f.pool.ID, Rank: 9})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = f.svc.Propose(ctx, "agent", Proposal{IncidentID: uuid.New(), PlaybookID: f.pool.ID, Rank: 1})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	f.gate.err = apperr.Timeout("blast radius", context.DeadlineExceeded)
	_, err = f.svc.Propose(ctx, "agent", Proposal{IncidentID: f.incident.ID, PlaybookID: f.pool.ID, Rank: 1})
	assert.True(t, errors.Is(err, apperr.ErrTimeout))
}

func TestAssessDoesNotRecord(t *testing.T) {
	f := newFixture(t, risk.VerdictRequiresApproval)
	ctx := context.Background()

	a, err := f.svc.Assess(ctx, Proposal{IncidentID: f.incident.ID, PlaybookID: f.pool.ID, Rank: 2})
	require.NoError(t, err)
	assert.Equal(t, risk.VerdictRequiresApproval, a.Verdict)
	assert.Equal(t, models.ActionScaleUp, a.ActionType)

	trail, err := f.ledger.Trail(ctx, f.incident.ID)
	require.NoError(t, err)
	assert.Empty(t, trail)

	_, err = f.svc.Assess(ctx, Proposal{IncidentID: f.incident.ID, PlaybookID: uuid.New(), Rank: 1})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestGetRejectsOtherEntries(t *testing.T) {
	f := newFixture(t, risk.VerdictProceed)
	e, err := f.ledger.Record(context.Background(), audit.Entry{Actor: "analysis-agent", ActionType: "blast_radius"})
	require.NoError(t, err)
	_, err = f.svc.Get(context.Background(), e.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestProceedRunsWithoutApproval(t *testing.T) {
	f := newFixture(t, risk.VerdictProceed)
	ctx := context.Background()
	req := f.propose(t, 1)

	auth, err := f.svc.Authorize(ctx, req.EntryID)
	require.NoError(t, err)
	assert.True(t, auth.Authorized)

	done, err := f.svc.ReportOutcome(ctx, "executor", req.EntryID, Outcome{Success: true, Result: map[string]int{"poolSize": 50}})
	require.NoError(t, err)
	assert.Equal(t, models.AuditSuccess, done.Status)
	assert.True(t, done.Completed)

	inc, err := f.agg.Get(ctx, f.incident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, inc.Status)
	require.NotNil(t, inc.ResolutionAction)
	assert.Equal(t, models.ActionConfigChange, inc.ResolutionAction.Type)

	auth, err = f.svc.Authorize(ctx, req.EntryID)
	require.NoError(t, err)
	assert.False(t, auth.Authorized)

	_, err = f.svc.ReportOutcome(ctx, "executor", req.EntryID, Outcome{Success: false})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestApprovalRequiredBeforeSuccess(t *testing.T) {
	f := newFixture(t, risk.VerdictRequiresApproval)
	ctx := context.Background()
	req := f.propose(t, 1)
	assert.True(t, req.Risk.RequiresApproval)

	auth, err := f.svc.Authorize(ctx, req.EntryID)
	require.NoError(t, err)
	assert.False(t, auth.Authorized)
	assert.Equal(t, "awaiting human approval", auth.Reason)

	_, err = f.svc.ReportOutcome(ctx, "executor", req.EntryID, Outcome{Success: true})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	approved, err := f.svc.Approve(ctx, req.EntryID, "oncall@example.com")
	require.NoError(t, err)
	assert.True(t, approved.Approved)
	assert.Equal(t, "oncall@example.com", approved.ApprovedBy)

	auth, err = f.svc.Authorize(ctx, req.EntryID)
	require.NoError(t, err)
	assert.True(t, auth.Authorized)

	_, err = f.svc.ReportOutcome(ctx, "executor", req.EntryID, Outcome{Success: true})
	require.NoError(t, err)
	inc, err := f.agg.Get(ctx, f.incident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, inc.Status)
}

func TestBlockedIsNeverAuthorized(t *testing.T) {
	f := newFixture(t, risk.VerdictBlocked)
	ctx := context.Background()
	req := f.propose(t, 1)

	_, err := f.svc.Approve(ctx, req.EntryID, "oncall@example.com")
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	auth, err := f.svc.Authorize(ctx, req.EntryID)
	require.NoError(t, err)
	assert.False(t, auth.Authorized)
	assert.Equal(t, "blocked by guardrails", auth.Reason)

	_, err = f.svc.ReportOutcome(ctx, "executor", req.EntryID, Outcome{Success: true})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestReject(t *testing.T) {
	f := newFixture(t, risk.VerdictRequiresApproval)
	ctx := context.Background()
	req := f.propose(t, 1)

	rejected, err := f.svc.Reject(ctx, req.EntryID, "oncall@example.com", "too risky during launch")
	require.NoError(t, err)
	assert.Equal(t, models.AuditRejected, rejected.Status)

	e, err := f.ledger.Get(ctx, req.EntryID)
	require.NoError(t, err)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "too risky during launch", *e.ErrorMessage)
	assert.JSONEq(t, `{"rejectedBy":"oncall@example.com","reason":"too risky during launch"}`, string(e.Result))

	auth, err := f.svc.Authorize(ctx, req.EntryID)
	require.NoError(t, err)
	assert.False(t, auth.Authorized)

	_, err = f.svc.Reject(ctx, req.EntryID, "oncall@example.com", "")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	_, err = f.svc.Approve(ctx, req.EntryID, "oncall@example.com")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestProposeRequiresActiveIncident(t *testing.T) {
	f := newFixture(t, risk.VerdictProceed)
	ctx := context.Background()
	req := f.propose(t, 1)
	_, err := f.svc.ReportOutcome(ctx, "executor", req.EntryID, Outcome{Success: true})
	require.NoError(t, err)

	_, err = f.svc.Propose(ctx, "agent", Proposal{IncidentID: f.incident.ID, PlaybookID: f.pool.ID, Rank: 2})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestCloseIncidentUpdatesPlaybookUsage(t *testing.T) {
	f := newFixture(t, risk.VerdictProceed)
	ctx := context.Background()

	other, err := f.matcher.CreatePlaybook(ctx, playbook.Spec{
		Name:           "Restart Pods",
		TriggerPattern: "exhausted",
		Solutions: []playbook.SolutionSpec{
			{Rank: 1, Action: models.Action{Type: models.ActionCircuitBreaker, Params: models.CircuitBreakerParams{Target: "db"}}},
		},
	})
	require.NoError(t, err)

	failed, err := f.svc.Propose(ctx, "agent", Proposal{IncidentID: f.incident.ID, PlaybookID: other.ID, Rank: 1})
	require.NoError(t, err)
	_, err = f.svc.ReportOutcome(ctx, "executor", failed.EntryID, Outcome{Success: false, ErrorMessage: "breaker did not trip"})
	require.NoError(t, err)

	ignored := f.propose(t, 2)
	_, err = f.svc.Reject(ctx, ignored.EntryID, "oncall", "no")
	require.NoError(t, err)

	worked := f.propose(t, 1)
	_, err = f.svc.ReportOutcome(ctx, "executor", worked.EntryID, Outcome{Success: true})
	require.NoError(t, err)

	_, err = f.svc.CloseIncident(ctx, " ", f.incident.ID)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	closed, err := f.svc.CloseIncident(ctx, "remediation-agent", f.incident.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentClosed, closed.Status)

	pool, err := f.matcher.GetPlaybook(ctx, f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.TimesUsed)
	assert.InDelta(t, 1.0, pool.SuccessRate, 1e-9)

	breaker, err := f.matcher.GetPlaybook(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, breaker.TimesUsed)
	assert.Zero(t, breaker.SuccessRate)

	trail, err := f.ledger.Trail(ctx, f.incident.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	last := trail[len(trail)-1]
	assert.Equal(t, ActionCloseIncident, last.ActionType)
	assert.Equal(t, models.AuditSuccess, last.Status)

	_, err = f.svc.CloseIncident(ctx, "remediation-agent", f.incident.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestExpirePending(t *testing.T) {
	f := newFixture(t, risk.VerdictRequiresApproval)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	f.st.NowFunc = func() time.Time { return t0 }

	stale := f.propose(t, 1)
	approved := f.propose(t, 2)
	_, err := f.svc.Approve(ctx, approved.EntryID, "oncall")
	require.NoError(t, err)

	f.st.NowFunc = func() time.Time { return t0.Add(25 * time.Minute) }
	fresh := f.propose(t, 1)

	f.svc.now = func() time.Time { return t0.Add(31 * time.Minute) }
	n, err := f.svc.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := f.ledger.Get(ctx, stale.EntryID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditRejected, e.Status)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "approval timeout", *e.ErrorMessage)

	for _, id := range []uuid.UUID{approved.EntryID, fresh.EntryID} {
		e, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.AuditPending, e.Status)
		assert.False(t, e.Completed())
	}

	n, err = f.svc.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// approvingStore approves every listed entry right after handing out the
// list, the way an approver clicking during a sweep would.
type approvingStore struct {
	*store.MemoryStore
	approved []uuid.UUID
}

func (a *approvingStore) ListAudit(ctx context.Context, f store.AuditFilter, after *store.AuditCursor, limit int) ([]models.AuditLogEntry, error) {
	entries, err := a.MemoryStore.ListAudit(ctx, f, after, limit)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, err := a.MemoryStore.ApproveAudit(ctx, e.ID, "oncall", time.Now().UTC()); err != nil {
			return nil, err
		}
		a.approved = append(a.approved, e.ID)
	}
	return entries, nil
}

func TestExpirePendingKeepsLateApproval(t *testing.T) {
	f := newFixture(t, risk.VerdictRequiresApproval)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	f.st.NowFunc = func() time.Time { return t0 }
	req := f.propose(t, 1)

	racing := &approvingStore{MemoryStore: f.st}
	svc := New(f.agg, f.matcher, f.gate, audit.NewLedger(racing, nil), Config{}, nil)
	svc.now = func() time.Time { return t0.Add(time.Hour) }

	n, err := svc.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []uuid.UUID{req.EntryID}, racing.approved)

	e, err := f.ledger.Get(ctx, req.EntryID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditPending, e.Status)
	assert.False(t, e.Completed())
	assert.True(t, e.HumanApproved)

	auth, err := f.svc.Authorize(ctx, req.EntryID)
	require.NoError(t, err)
	assert.True(t, auth.Authorized)
}

type countingExpirer struct {
	calls int
	err   error
}

func (c *countingExpirer) ExpirePending(context.Context) (int, error) {
	c.calls++
	return 2, c.err
}

func TestSweeper(t *testing.T) {
	_, err := NewSweeper(&countingExpirer{}, nil, "every minute please", nil)
	require.Error(t, err)

	st := store.NewMemoryStore()
	agents := agentstate.NewManager(st, nil)
	exp := &countingExpirer{}
	s, err := NewSweeper(exp, agents, "@every 1m", nil)
	require.NoError(t, err)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, exp.calls)

	state, err := agents.Load(context.Background(), SweeperActor)
	require.NoError(t, err)
	require.NotNil(t, state.LastRunAt)
	assert.True(t, at.Equal(*state.LastRunAt))

	exp.err = errors.New("store down")
	_, err = s.Sweep(context.Background())
	require.Error(t, err)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	s, err := NewSweeper(&countingExpirer{}, nil, "@every 1h", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
