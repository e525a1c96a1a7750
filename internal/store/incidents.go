package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/something1703/Nexus-Zero/internal/models"
)

const incidentColumns = `id, service_name, severity, status, error_signature, error_message, error_count,
	first_seen_at, last_seen_at, root_cause, suspect_change, confidence_score, resolution_action,
	resolution_seconds, resolved_at, closed_at, reopen_count, embedding, created_at, updated_at`

// severityRankSQL orders severities so that a larger value is more severe.
const severityRankSQL = `array_position(ARRAY['low','medium','high','critical'], %s)`

func scanIncident(row rowScanner) (models.Incident, error) {
	var (
		inc               models.Incident
		rootCause         sql.NullString
		suspect           sql.NullString
		confidence        sql.NullFloat64
		resolution        []byte
		resolutionSeconds sql.NullInt64
		resolvedAt        sql.NullTime
		closedAt          sql.NullTime
		embedding         []float64
	)
	if err := row.Scan(
		&inc.ID,
		&inc.Service,
		&inc.Severity,
		&inc.Status,
		&inc.ErrorSignature,
		&inc.ErrorMessage,
		&inc.OccurrenceCount,
		&inc.FirstSeenAt,
		&inc.LastSeenAt,
		&rootCause,
		&suspect,
		&confidence,
		&resolution,
		&resolutionSeconds,
		&resolvedAt,
		&closedAt,
		&inc.ReopenCount,
		pq.Array(&embedding),
		&inc.CreatedAt,
		&inc.UpdatedAt,
	); err != nil {
		return models.Incident{}, err
	}
	inc.RootCause = stringPtr(rootCause)
	inc.SuspectChange = stringPtr(suspect)
	if confidence.Valid {
		v := confidence.Float64
		inc.Confidence = &v
	}
	if len(resolution) > 0 {
		var action models.Action
		if err := json.Unmarshal(resolution, &action); err != nil {
			return models.Incident{}, fmt.Errorf("decode resolution action: %w", err)
		}
		inc.ResolutionAction = &action
	}
	if resolutionSeconds.Valid {
		v := resolutionSeconds.Int64
		inc.ResolutionSeconds = &v
	}
	inc.ResolvedAt = timePtr(resolvedAt)
	inc.ClosedAt = timePtr(closedAt)
	inc.Embedding = embedding
	return inc, nil
}

func (s *PGStore) queryIncident(ctx context.Context, op, query string, args ...any) (models.Incident, error) {
	inc, err := scanIncident(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Incident{}, ErrNotFound
		}
		return models.Incident{}, fmt.Errorf("%s: %w", op, err)
	}
	return inc, nil
}

func (s *PGStore) FindActiveIncident(ctx context.Context, service, signature string) (models.Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE service_name = $1 AND error_signature = $2 AND status IN ('open','investigating')`
	return s.queryIncident(ctx, "select active incident", query, service, signature)
}

func (s *PGStore) FindLatestClosed(ctx context.Context, service, signature string) (models.Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE service_name = $1 AND error_signature = $2 AND status = 'closed'
		ORDER BY closed_at DESC NULLS LAST
		LIMIT 1`
	return s.queryIncident(ctx, "select closed incident", query, service, signature)
}

// CreateIncident inserts an open incident. A concurrent insert for the same
// active fingerprint surfaces as ErrConflict via the partial unique index.
func (s *PGStore) CreateIncident(ctx context.Context, in IncidentInput) (models.Incident, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	var embedding any
	if len(in.Embedding) > 0 {
		embedding = pq.Array(in.Embedding)
	}
	query := `
		INSERT INTO incidents (id, service_name, severity, status, error_signature, error_message, error_count, first_seen_at, last_seen_at, embedding)
		VALUES ($1,$2,$3,'open',$4,$5,1,$6,$6,$7)
		RETURNING ` + incidentColumns
	inc, err := scanIncident(s.db.QueryRowContext(ctx, query, in.ID, in.Service, in.Severity, in.ErrorSignature, in.ErrorMessage, in.SeenAt, embedding))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Incident{}, ErrConflict
		}
		if isForeignKeyViolation(err) {
			return models.Incident{}, ErrNotFound
		}
		return models.Incident{}, fmt.Errorf("insert incident: %w", err)
	}
	return inc, nil
}

// AggregateIncident folds one more occurrence into an active incident in a
// single statement. ErrNotFound means the incident left the active set.
func (s *PGStore) AggregateIncident(ctx context.Context, id uuid.UUID, seenAt time.Time, severity models.Severity) (models.Incident, error) {
	query := `
		UPDATE incidents SET
			error_count = error_count + 1,
			last_seen_at = GREATEST(last_seen_at, $2),
			severity = CASE WHEN ` + fmt.Sprintf(severityRankSQL, "$3::text") + ` > ` + fmt.Sprintf(severityRankSQL, "severity") + `
				THEN $3 ELSE severity END,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('open','investigating')
		RETURNING ` + incidentColumns
	return s.queryIncident(ctx, "aggregate incident", query, id, seenAt, severity)
}

func (s *PGStore) ReopenIncident(ctx context.Context, id uuid.UUID, seenAt time.Time, severity models.Severity) (models.Incident, error) {
	query := `
		UPDATE incidents SET
			status = 'open',
			error_count = error_count + 1,
			last_seen_at = GREATEST(last_seen_at, $2),
			severity = CASE WHEN ` + fmt.Sprintf(severityRankSQL, "$3::text") + ` > ` + fmt.Sprintf(severityRankSQL, "severity") + `
				THEN $3 ELSE severity END,
			reopen_count = reopen_count + 1,
			resolved_at = NULL,
			closed_at = NULL,
			resolution_seconds = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'closed'
		RETURNING ` + incidentColumns
	inc, err := s.queryIncident(ctx, "reopen incident", query, id, seenAt, severity)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Incident{}, ErrConflict
		}
		if errors.Is(err, ErrNotFound) {
			return models.Incident{}, s.statusMismatchOrMissing(ctx, id)
		}
		return models.Incident{}, err
	}
	return inc, nil
}

func (s *PGStore) GetIncident(ctx context.Context, id uuid.UUID) (models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	return s.queryIncident(ctx, "select incident", query, id)
}

func (s *PGStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]models.Incident, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND ($2 = '' OR service_name = $2)
		ORDER BY ` + fmt.Sprintf(severityRankSQL, "severity") + ` DESC, last_seen_at DESC, id ASC
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(statuses), f.Service, limit)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("incidents rows err: %w", err)
	}
	return out, nil
}

// ListClosedIncidents pages through closed incidents, most recently closed
// first, strictly after the cursor when one is given.
func (s *PGStore) ListClosedIncidents(ctx context.Context, f ClosedIncidentFilter, after *IncidentCursor, limit int) ([]models.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		afterAt any
		afterID = uuid.Nil
	)
	if after != nil {
		afterAt = after.ClosedAt
		afterID = after.ID
	}
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE status = 'closed' AND closed_at IS NOT NULL
		  AND ($1 = '' OR service_name = $1)
		  AND ($2 = '' OR error_signature = $2)
		  AND (NOT $3 OR embedding IS NOT NULL)
		  AND ($4::timestamptz IS NULL OR (closed_at, id) < ($4::timestamptz, $5::uuid))
		ORDER BY closed_at DESC, id DESC
		LIMIT $6`
	rows, err := s.db.QueryContext(ctx, query, f.Service, f.ErrorSignature, f.HasEmbedding, afterAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed incidents: %w", err)
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("closed incidents rows err: %w", err)
	}
	return out, nil
}

// TransitionIncident moves id from one status to another only if the row
// still carries the expected status.
func (s *PGStore) TransitionIncident(ctx context.Context, id uuid.UUID, from, to models.IncidentStatus, patch TransitionPatch) (models.Incident, error) {
	var resolution any
	if patch.ResolutionAction != nil {
		raw, err := json.Marshal(patch.ResolutionAction)
		if err != nil {
			return models.Incident{}, fmt.Errorf("encode resolution action: %w", err)
		}
		resolution = raw
	}
	query := `
		UPDATE incidents SET
			status = $3,
			updated_at = $4,
			resolved_at = CASE WHEN $3 = 'resolved' THEN $4 ELSE resolved_at END,
			resolution_seconds = CASE WHEN $3 = 'resolved'
				THEN GREATEST(0, EXTRACT(EPOCH FROM ($4 - first_seen_at)))::bigint
				ELSE resolution_seconds END,
			resolution_action = COALESCE($5, resolution_action),
			closed_at = CASE WHEN $3 = 'closed' THEN $4 ELSE closed_at END
		WHERE id = $1 AND status = $2
		RETURNING ` + incidentColumns
	inc, err := s.queryIncident(ctx, "transition incident", query, id, from, to, patch.At, resolution)
	if errors.Is(err, ErrNotFound) {
		return models.Incident{}, s.statusMismatchOrMissing(ctx, id)
	}
	return inc, err
}

func (s *PGStore) statusMismatchOrMissing(ctx context.Context, id uuid.UUID) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM incidents WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select incident status: %w", err)
	}
	return fmt.Errorf("%w: current status %s", ErrStatusMismatch, current)
}

func (s *PGStore) UpdateDiagnosis(ctx context.Context, id uuid.UUID, in DiagnosisInput) (models.Incident, error) {
	query := `
		UPDATE incidents SET
			root_cause = $2,
			suspect_change = $3,
			confidence_score = $4,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('open','investigating')
		RETURNING ` + incidentColumns
	inc, err := s.queryIncident(ctx, "update diagnosis", query, id, in.RootCause, in.SuspectChange, in.Confidence)
	if errors.Is(err, ErrNotFound) {
		return models.Incident{}, s.statusMismatchOrMissing(ctx, id)
	}
	return inc, err
}

func (s *PGStore) SetIncidentEmbedding(ctx context.Context, id uuid.UUID, embedding []float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE incidents SET embedding = $2, updated_at = NOW() WHERE id = $1`, id, pq.Array(embedding))
	if err != nil {
		return fmt.Errorf("update incident embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
