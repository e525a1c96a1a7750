package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/store"
)

func newLedger() (*Ledger, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return NewLedger(st, nil), st
}

func TestRecordRejectsUnapprovedSuccess(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	_, err := l.Record(ctx, Entry{Actor: "remediator", ActionType: "remediation", RequiresApproval: true, Status: models.AuditSuccess})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = l.Record(ctx, Entry{Actor: "remediator", ActionType: "remediation", HumanApproved: true})
	assert.True(t, errors.Is(err, apperr.ErrValidation), "approval without approver")

	e, err := l.Record(ctx, Entry{
		Actor: "remediator", ActionType: "remediation", RequiresApproval: true,
		HumanApproved: true, ApprovedBy: "alice", Status: models.AuditSuccess,
	})
	require.NoError(t, err)
	assert.True(t, e.Completed())
	require.NotNil(t, e.ApprovedBy)
	assert.Equal(t, "alice", *e.ApprovedBy)
}

func TestRecordValidation(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()
	_, err := l.Record(ctx, Entry{ActionType: "x"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = l.Record(ctx, Entry{Actor: "a"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = l.Record(ctx, Entry{Actor: "a", ActionType: "x", Status: "done"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = l.Record(ctx, Entry{Actor: "a", ActionType: "x", Details: json.RawMessage("not json")})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestApproveThenComplete(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()
	e, err := l.Record(ctx, Entry{Actor: "remediator", ActionType: "remediation", RequiresApproval: true, Details: map[string]any{"action": "rollback"}})
	require.NoError(t, err)
	assert.Equal(t, models.AuditPending, e.Status)
	assert.False(t, e.Completed())

	_, err = l.Complete(ctx, e.ID, Outcome{Status: models.AuditSuccess})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = l.Complete(ctx, e.ID, Outcome{Status: models.AuditPending})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = l.Approve(ctx, e.ID, " ")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	approved, err := l.Approve(ctx, e.ID, "alice")
	require.NoError(t, err)
	assert.True(t, approved.HumanApproved)

	done, err := l.Complete(ctx, e.ID, Outcome{Status: models.AuditSuccess, Result: map[string]any{"ok": true}})
	require.NoError(t, err)
	assert.Equal(t, models.AuditSuccess, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))

	_, err = l.Complete(ctx, e.ID, Outcome{Status: models.AuditFailed})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	_, err = l.Approve(ctx, e.ID, "bob")
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	_, err = l.Complete(ctx, uuid.New(), Outcome{Status: models.AuditFailed})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCorrectAppendsNewEntry(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()
	orig, err := l.Record(ctx, Entry{Actor: "diagnoser", ActionType: "diagnosis", Status: models.AuditSuccess, Details: map[string]any{"rootCause": "dns"}})
	require.NoError(t, err)

	fix, err := l.Correct(ctx, orig.ID, Entry{Actor: "diagnoser", ActionType: "diagnosis", Status: models.AuditSuccess, Details: map[string]any{"rootCause": "pool"}})
	require.NoError(t, err)
	require.NotNil(t, fix.CorrectsID)
	assert.Equal(t, orig.ID, *fix.CorrectsID)

	again, err := l.Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rootCause":"dns"}`, string(again.Details))

	_, err = l.Correct(ctx, uuid.New(), Entry{Actor: "a", ActionType: "x"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestQueryIsPagedOrderedAndRestartable(t *testing.T) {
	l, st := newLedger()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	st.NowFunc = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	incident := uuid.New()
	for i := 0; i < 7; i++ {
		e := Entry{Actor: "detector", ActionType: "ingest"}
		if i%2 == 0 {
			e.IncidentID = &incident
		}
		_, err := l.Record(ctx, e)
		require.NoError(t, err)
	}
	_, err := l.Record(ctx, Entry{Actor: "other", ActionType: "ingest"})
	require.NoError(t, err)

	seq := l.Query(ctx, Filter{Actor: "detector", PageSize: 2})
	first, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, first, 7)
	for i := 1; i < len(first); i++ {
		assert.True(t, first[i-1].CreatedAt.Before(first[i].CreatedAt))
	}
	second, err := Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// early break
	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)

	trail, err := l.Trail(ctx, incident)
	require.NoError(t, err)
	assert.Len(t, trail, 4)

	since := base.Add(3 * time.Second)
	until := base.Add(6 * time.Second)
	window, err := Collect(l.Query(ctx, Filter{Since: &since, Until: &until}))
	require.NoError(t, err)
	assert.Len(t, window, 3)
}

type tamperingStore struct {
	*store.MemoryStore
	target uuid.UUID
}

func (s tamperingStore) ListAudit(ctx context.Context, f store.AuditFilter, after *store.AuditCursor, limit int) ([]models.AuditLogEntry, error) {
	out, err := s.MemoryStore.ListAudit(ctx, f, after, limit)
	for i := range out {
		if out[i].ID == s.target {
			out[i].Actor = "mallory"
		}
	}
	return out, err
}

func TestVerifyChain(t *testing.T) {
	l, st := newLedger()
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		e, err := l.Record(ctx, Entry{Actor: "a", ActionType: "x", Details: map[string]any{"i": i}})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	// completion is outside the chain
	_, err := l.Complete(ctx, ids[1], Outcome{Status: models.AuditFailed, ErrorMessage: "boom"})
	require.NoError(t, err)

	n, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	tampered := NewLedger(tamperingStore{MemoryStore: st, target: ids[2]}, nil)
	n, err = tampered.VerifyChain(ctx)
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, ids[2], chainErr.EntryID)
	assert.Equal(t, 2, n)
}
