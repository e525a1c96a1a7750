package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/store"
)

func newAggregator(t *testing.T, cfg Config) (*Aggregator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	for _, name := range []string{"order-api", "payment-api"} {
		_, err := st.UpsertService(context.Background(), store.ServiceInput{Name: name, Status: models.HealthHealthy})
		require.NoError(t, err)
	}
	return New(st, cfg, nil), st
}

func event(ts time.Time) models.ErrorEvent {
	return models.ErrorEvent{
		Service:        "order-api",
		ErrorSignature: "db_pool_exhaustion",
		Message:        "connection pool exhausted",
		Severity:       models.SeverityHigh,
		Timestamp:      ts,
	}
}

func TestConcurrentBurstCollapsesIntoOneIncident(t *testing.T) {
	agg, st := newAggregator(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := agg.Ingest(ctx, event(base.Add(time.Duration(i)*time.Millisecond)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	incidents, err := st.ListIncidents(ctx, store.IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	inc := incidents[0]
	assert.Equal(t, models.IncidentOpen, inc.Status)
	assert.Equal(t, 50, inc.OccurrenceCount)
	assert.Equal(t, base.Add(49*time.Millisecond), inc.LastSeenAt)
}

func TestIngestAggregatesAndEscalates(t *testing.T) {
	agg, _ := newAggregator(t, Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := agg.Ingest(ctx, event(now))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, 1, first.OccurrenceCount)

	ev := event(now.Add(time.Second))
	ev.Severity = models.SeverityCritical
	second, err := agg.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, models.SeverityCritical, second.Severity)
	assert.Equal(t, models.IncidentOpen, second.Status)

	// out-of-order events never move last_seen_at backwards
	_, err = agg.Ingest(ctx, event(now.Add(-time.Hour)))
	require.NoError(t, err)
	inc, err := agg.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Second), inc.LastSeenAt)
}

func TestIngestValidation(t *testing.T) {
	agg, _ := newAggregator(t, Config{})
	ctx := context.Background()

	_, err := agg.Ingest(ctx, models.ErrorEvent{ErrorSignature: "x"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = agg.Ingest(ctx, models.ErrorEvent{Service: "order-api"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = agg.Ingest(ctx, models.ErrorEvent{Service: "order-api", ErrorSignature: "x", Severity: "urgent"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = agg.Ingest(ctx, models.ErrorEvent{Service: "ghost", ErrorSignature: "x"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestIngestFingerprintsWhenSignatureMissing(t *testing.T) {
	agg, _ := newAggregator(t, Config{})
	ctx := context.Background()
	a, err := agg.Ingest(ctx, models.ErrorEvent{Service: "order-api", ErrorType: "TimeoutError", Message: "request 1234 timed out after 30s"})
	require.NoError(t, err)
	b, err := agg.Ingest(ctx, models.ErrorEvent{Service: "order-api", ErrorType: "TimeoutError", Message: "request 98 timed out after 5s"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 2, b.OccurrenceCount)
}

func TestStateMachineMonotonic(t *testing.T) {
	agg, _ := newAggregator(t, Config{})
	ctx := context.Background()
	ref, err := agg.Ingest(ctx, event(time.Now()))
	require.NoError(t, err)

	_, err = agg.Transition(ctx, ref.ID, models.IncidentOpen, models.IncidentInvestigating)
	require.NoError(t, err)

	_, err = agg.Transition(ctx, ref.ID, models.IncidentOpen, models.IncidentResolved)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	// stale expected status
	_, err = agg.Transition(ctx, ref.ID, models.IncidentOpen, models.IncidentInvestigating)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	_, err = agg.Transition(ctx, ref.ID, models.IncidentInvestigating, models.IncidentOpen)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	action := models.Action{Type: models.ActionRestart, Params: models.RestartParams{Graceful: true}}
	inc, err := agg.Resolve(ctx, ref.ID, &action)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, inc.Status)
	require.NotNil(t, inc.ResolvedAt)
	require.NotNil(t, inc.ResolutionSeconds)
	require.NotNil(t, inc.ResolutionAction)
	assert.Equal(t, models.ActionRestart, inc.ResolutionAction.Type)

	inc, err = agg.Close(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentClosed, inc.Status)
	assert.NotNil(t, inc.ClosedAt)

	_, err = agg.Transition(ctx, ref.ID, models.IncidentClosed, models.IncidentOpen)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestRacingTransitionsExactlyOneWins(t *testing.T) {
	agg, _ := newAggregator(t, Config{})
	ctx := context.Background()
	ref, err := agg.Ingest(ctx, event(time.Now()))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		invalid int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.Transition(ctx, ref.ID, models.IncidentOpen, models.IncidentInvestigating)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrInvalidTransition):
				invalid++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, invalid)
}

func TestTransitionUnknownIncident(t *testing.T) {
	agg, _ := newAggregator(t, Config{})
	_, err := agg.Transition(context.Background(), uuid.New(), models.IncidentOpen, models.IncidentInvestigating)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestDiagnoseMovesOpenToInvestigating(t *testing.T) {
	agg, _ := newAggregator(t, Config{})
	ctx := context.Background()
	ref, err := agg.Ingest(ctx, event(time.Now()))
	require.NoError(t, err)

	_, err = agg.Diagnose(ctx, ref.ID, Diagnosis{RootCause: "pool too small", Confidence: 1.5})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	change := "deploy v2.3.1"
	inc, err := agg.Diagnose(ctx, ref.ID, Diagnosis{RootCause: "pool too small", SuspectChange: &change, Confidence: 0.8})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentInvestigating, inc.Status)
	require.NotNil(t, inc.RootCause)
	assert.Equal(t, "pool too small", *inc.RootCause)
	assert.InDelta(t, 0.8, *inc.Confidence, 1e-9)

	// a second diagnosis refines without moving status
	inc, err = agg.Diagnose(ctx, ref.ID, Diagnosis{RootCause: "leaked connections", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentInvestigating, inc.Status)
}

func closeIncident(t *testing.T, agg *Aggregator, ref IncidentRef) {
	t.Helper()
	ctx := context.Background()
	_, err := agg.Transition(ctx, ref.ID, models.IncidentOpen, models.IncidentInvestigating)
	require.NoError(t, err)
	_, err = agg.Resolve(ctx, ref.ID, nil)
	require.NoError(t, err)
	_, err = agg.Close(ctx, ref.ID)
	require.NoError(t, err)
}

func TestClosedIncidentRecurrenceDefaultsToNew(t *testing.T) {
	agg, _ := newAggregator(t, Config{})
	ctx := context.Background()
	ref, err := agg.Ingest(ctx, event(time.Now()))
	require.NoError(t, err)
	closeIncident(t, agg, ref)

	again, err := agg.Ingest(ctx, event(time.Now()))
	require.NoError(t, err)
	assert.True(t, again.Created)
	assert.NotEqual(t, ref.ID, again.ID)
}

func TestClosedIncidentReopensWithinWindow(t *testing.T) {
	agg, _ := newAggregator(t, Config{RecurrenceWindow: 10 * time.Minute})
	ctx := context.Background()
	closedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return closedAt }

	ref, err := agg.Ingest(ctx, event(closedAt.Add(-time.Hour)))
	require.NoError(t, err)
	closeIncident(t, agg, ref)

	reopened, err := agg.Ingest(ctx, event(closedAt.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.True(t, reopened.Reopened)
	assert.Equal(t, ref.ID, reopened.ID)
	assert.Equal(t, models.IncidentOpen, reopened.Status)
	assert.Equal(t, 2, reopened.OccurrenceCount)

	inc, err := agg.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, inc.ReopenCount)
	assert.Nil(t, inc.ClosedAt)

	closeIncident(t, agg, reopened)
	fresh, err := agg.Ingest(ctx, event(closedAt.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, fresh.Created)
}

func TestListValidatesFilter(t *testing.T) {
	agg, _ := newAggregator(t, Config{})
	_, err := agg.List(context.Background(), Filter{Statuses: []models.IncidentStatus{"archived"}})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestCancelledIngestTimesOut(t *testing.T) {
	agg, _ := newAggregator(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := agg.Ingest(ctx, event(time.Now()))
	assert.True(t, errors.Is(err, apperr.ErrTimeout))
}
