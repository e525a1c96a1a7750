package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/something1703/Nexus-Zero/internal/models"
)

// auditChainLockKey serialises appenders so the hash chain never forks.
const auditChainLockKey = 0x4e78_4175_6474

const auditColumns = `id, seq, actor, action_type, details, incident_id, service_name, requires_approval,
	human_approved, approved_by, approved_at, status, result, error_message, corrects_id, prev_hash, hash,
	created_at, completed_at`

func scanAudit(row rowScanner) (models.AuditLogEntry, error) {
	var (
		e            models.AuditLogEntry
		details      []byte
		result       []byte
		incidentID   uuid.NullUUID
		serviceName  sql.NullString
		approvedBy   sql.NullString
		approvedAt   sql.NullTime
		errorMessage sql.NullString
		correctsID   uuid.NullUUID
		completedAt  sql.NullTime
	)
	if err := row.Scan(
		&e.ID,
		&e.Seq,
		&e.Actor,
		&e.ActionType,
		&details,
		&incidentID,
		&serviceName,
		&e.RequiresApproval,
		&e.HumanApproved,
		&approvedBy,
		&approvedAt,
		&e.Status,
		&result,
		&errorMessage,
		&correctsID,
		&e.PrevHash,
		&e.Hash,
		&e.CreatedAt,
		&completedAt,
	); err != nil {
		return models.AuditLogEntry{}, err
	}
	e.Details = append([]byte(nil), details...)
	e.Result = append([]byte(nil), result...)
	if incidentID.Valid {
		id := incidentID.UUID
		e.IncidentID = &id
	}
	if correctsID.Valid {
		id := correctsID.UUID
		e.CorrectsID = &id
	}
	e.ServiceName = stringPtr(serviceName)
	e.ApprovedBy = stringPtr(approvedBy)
	e.ApprovedAt = timePtr(approvedAt)
	e.ErrorMessage = stringPtr(errorMessage)
	e.CompletedAt = timePtr(completedAt)
	return e, nil
}

func (s *PGStore) AppendAudit(ctx context.Context, in AuditInput) (models.AuditLogEntry, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.AuditLogEntry{}, fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return models.AuditLogEntry{}, fmt.Errorf("lock audit chain: %w", err)
	}
	var prevHash string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.AuditLogEntry{}, fmt.Errorf("select last audit hash: %w", err)
	}

	entry := entryFromInput(in, time.Now().UTC().Truncate(time.Microsecond))
	entry.PrevHash = prevHash
	entry.Hash, err = HashEntry(entry, prevHash)
	if err != nil {
		return models.AuditLogEntry{}, err
	}

	var completedAt sql.NullTime
	if entry.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *entry.CompletedAt, Valid: true}
	}
	var approvedAt sql.NullTime
	if entry.ApprovedAt != nil {
		approvedAt = sql.NullTime{Time: *entry.ApprovedAt, Valid: true}
	}
	query := `
		INSERT INTO audit_log (id, actor, action_type, details, incident_id, service_name, requires_approval,
			human_approved, approved_by, approved_at, status, result, error_message, corrects_id, prev_hash, hash,
			created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING seq
	`
	if err := tx.QueryRowContext(
		ctx,
		query,
		entry.ID,
		entry.Actor,
		entry.ActionType,
		entry.Details,
		entry.IncidentID,
		entry.ServiceName,
		entry.RequiresApproval,
		entry.HumanApproved,
		entry.ApprovedBy,
		approvedAt,
		entry.Status,
		entry.Result,
		entry.ErrorMessage,
		entry.CorrectsID,
		entry.PrevHash,
		entry.Hash,
		entry.CreatedAt,
		completedAt,
	).Scan(&entry.Seq); err != nil {
		if isForeignKeyViolation(err) {
			return models.AuditLogEntry{}, ErrNotFound
		}
		return models.AuditLogEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.AuditLogEntry{}, fmt.Errorf("commit audit entry: %w", err)
	}
	return entry, nil
}

func (s *PGStore) GetAudit(ctx context.Context, id uuid.UUID) (models.AuditLogEntry, error) {
	e, err := scanAudit(s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AuditLogEntry{}, ErrNotFound
		}
		return models.AuditLogEntry{}, fmt.Errorf("select audit entry: %w", err)
	}
	return e, nil
}

func (s *PGStore) ApproveAudit(ctx context.Context, id uuid.UUID, approver string, at time.Time) (models.AuditLogEntry, error) {
	query := `
		UPDATE audit_log SET human_approved = TRUE, approved_by = $2, approved_at = $3
		WHERE id = $1 AND status = 'pending' AND completed_at IS NULL
		RETURNING ` + auditColumns
	return s.mutateOpenAudit(ctx, "approve audit entry", id, query, id, approver, at)
}

func (s *PGStore) CompleteAudit(ctx context.Context, id uuid.UUID, in CompletionInput) (models.AuditLogEntry, error) {
	guard := "completed_at IS NULL"
	if in.OnlyIfUnapproved {
		guard += " AND NOT human_approved"
	}
	query := `
		UPDATE audit_log SET status = $2, result = $3, error_message = $4, completed_at = $5
		WHERE id = $1 AND ` + guard + `
		RETURNING ` + auditColumns
	return s.mutateOpenAudit(ctx, "complete audit entry", id, query, id, in.Status, ensureJSON(in.Result, "{}"), in.ErrorMessage, in.At)
}

// mutateOpenAudit runs an update guarded by completed_at IS NULL and tells a
// missing row apart from one the guard refused.
func (s *PGStore) mutateOpenAudit(ctx context.Context, op string, id uuid.UUID, query string, args ...any) (models.AuditLogEntry, error) {
	e, err := scanAudit(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.AuditLogEntry{}, fmt.Errorf("%s: %w", op, err)
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM audit_log WHERE id = $1)`, id).Scan(&exists); err != nil {
		return models.AuditLogEntry{}, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return models.AuditLogEntry{}, ErrNotFound
	}
	return models.AuditLogEntry{}, ErrImmutable
}

// ListAudit returns up to limit entries matching f in (created_at, seq)
// order, strictly after the cursor when one is given.
func (s *PGStore) ListAudit(ctx context.Context, f AuditFilter, after *AuditCursor, limit int) ([]models.AuditLogEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.ActionType != "" {
		add("action_type = $%d", f.ActionType)
	}
	if f.IncidentID != nil {
		add("incident_id = $%d", *f.IncidentID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.RequiresApproval != nil {
		add("requires_approval = $%d", *f.RequiresApproval)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at < $%d", *f.Until)
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.Seq)
		where = append(where, fmt.Sprintf("(created_at, seq) > ($%d, $%d)", len(args)-1, len(args)))
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, seq ASC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLogEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows err: %w", err)
	}
	return out, nil
}

// staleClaimAfter is how long an in-progress claim may sit before another
// claimer takes the entry over.
const staleClaimAfter = 5 * time.Minute

// ClaimUnstreamed marks up to limit completed entries as in progress for the
// streamer and returns them. Rows locked by another claimer are skipped.
func (s *PGStore) ClaimUnstreamed(ctx context.Context, limit, maxAttempts int) ([]models.AuditLogEntry, error) {
	const claim = `
		WITH candidates AS (
			SELECT a.id
			FROM audit_log a
			LEFT JOIN audit_stream_status st ON st.entry_id = a.id
			WHERE a.completed_at IS NOT NULL
			  AND (st.entry_id IS NULL
			       OR (st.state = 'failed' AND st.attempts < $2)
			       OR (st.state = 'in_progress' AND st.claimed_at < NOW() - make_interval(secs => $3)))
			ORDER BY a.created_at ASC, a.seq ASC
			LIMIT $1
			FOR UPDATE OF a SKIP LOCKED
		)
		INSERT INTO audit_stream_status (entry_id, state, attempts, claimed_at)
		SELECT id, 'in_progress', 1, NOW() FROM candidates
		ON CONFLICT (entry_id) DO UPDATE SET
			state = 'in_progress',
			attempts = audit_stream_status.attempts + 1,
			claimed_at = NOW()
		RETURNING entry_id
	`
	rows, err := s.db.QueryContext(ctx, claim, limit, maxAttempts, staleClaimAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim unstreamed audit entries: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claimed rows err: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	entries, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE id = ANY($1) ORDER BY created_at ASC, seq ASC`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load claimed audit entries: %w", err)
	}
	defer entries.Close()
	var out []models.AuditLogEntry
	for entries.Next() {
		e, err := scanAudit(entries)
		if err != nil {
			return nil, fmt.Errorf("scan claimed audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, entries.Err()
}

func (s *PGStore) MarkStreamResult(ctx context.Context, id uuid.UUID, archiveKey string, streamErr error) error {
	state := "success"
	var lastErr sql.NullString
	if streamErr != nil {
		state = "failed"
		lastErr = sql.NullString{String: streamErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_stream_status SET
			state = $2,
			archive_key = COALESCE($3, archive_key),
			last_error = $4,
			streamed_at = CASE WHEN $2 = 'success' THEN NOW() ELSE streamed_at END
		WHERE entry_id = $1
	`, id, state, nullString(archiveKey), lastErr)
	if err != nil {
		return fmt.Errorf("mark stream result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
