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

const playbookColumns = `id, name, description, trigger_pattern, service_pattern, category, success_rate,
	success_count, times_used, avg_resolution_minutes, embedding, created_at, updated_at`

func scanPlaybook(row rowScanner) (models.Playbook, error) {
	var (
		pb        models.Playbook
		embedding []float64
	)
	if err := row.Scan(
		&pb.ID,
		&pb.Name,
		&pb.Description,
		&pb.TriggerPattern,
		&pb.ServicePattern,
		&pb.Category,
		&pb.SuccessRate,
		&pb.SuccessCount,
		&pb.TimesUsed,
		&pb.AvgResolutionMinutes,
		pq.Array(&embedding),
		&pb.CreatedAt,
		&pb.UpdatedAt,
	); err != nil {
		return models.Playbook{}, err
	}
	pb.Embedding = embedding
	pb.Solutions = []models.PlaybookSolution{}
	return pb, nil
}

func (s *PGStore) CreatePlaybook(ctx context.Context, in PlaybookInput) (models.Playbook, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Playbook{}, fmt.Errorf("begin playbook tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var embedding any
	if len(in.Embedding) > 0 {
		embedding = pq.Array(in.Embedding)
	}
	query := `
		INSERT INTO playbooks (id, name, description, trigger_pattern, service_pattern, category, success_rate,
			success_count, times_used, avg_resolution_minutes, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING ` + playbookColumns
	pb, err := scanPlaybook(tx.QueryRowContext(
		ctx,
		query,
		in.ID,
		in.Name,
		in.Description,
		in.TriggerPattern,
		in.ServicePattern,
		in.Category,
		in.SuccessRate,
		in.SuccessCount,
		in.TimesUsed,
		in.AvgResolutionMinutes,
		embedding,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Playbook{}, ErrConflict
		}
		return models.Playbook{}, fmt.Errorf("insert playbook: %w", err)
	}

	for _, sol := range in.Solutions {
		out, err := insertSolution(ctx, tx, pb.ID, sol)
		if err != nil {
			return models.Playbook{}, err
		}
		pb.Solutions = append(pb.Solutions, out)
	}
	if err := tx.Commit(); err != nil {
		return models.Playbook{}, fmt.Errorf("commit playbook: %w", err)
	}
	sortSolutions(pb.Solutions)
	return pb, nil
}

func insertSolution(ctx context.Context, tx *sql.Tx, playbookID uuid.UUID, in SolutionInput) (models.PlaybookSolution, error) {
	params, err := json.Marshal(in.Action.Params)
	if err != nil {
		return models.PlaybookSolution{}, fmt.Errorf("encode action params: %w", err)
	}
	if in.Action.Params == nil {
		params = []byte("{}")
	}
	prereqs, err := json.Marshal(nonNilConditions(in.Prerequisites))
	if err != nil {
		return models.PlaybookSolution{}, fmt.Errorf("encode prerequisites: %w", err)
	}
	checks, err := json.Marshal(nonNilConditions(in.PostChecks))
	if err != nil {
		return models.PlaybookSolution{}, fmt.Errorf("encode post checks: %w", err)
	}
	sol := models.PlaybookSolution{
		ID:                        uuid.New(),
		PlaybookID:                playbookID,
		Rank:                      in.Rank,
		Description:               in.Description,
		Action:                    in.Action,
		Prerequisites:             nonNilConditions(in.Prerequisites),
		PostChecks:                nonNilConditions(in.PostChecks),
		ExpectedResolutionMinutes: in.ExpectedResolutionMinutes,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO playbook_solutions (id, playbook_id, rank, description, action_type, action_params, prerequisites, post_checks, expected_resolution_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sol.ID, playbookID, sol.Rank, sol.Description, in.Action.Type, params, prereqs, checks, sol.ExpectedResolutionMinutes); err != nil {
		return models.PlaybookSolution{}, fmt.Errorf("insert playbook solution: %w", err)
	}
	return sol, nil
}

func nonNilConditions(in []models.Condition) []models.Condition {
	if in == nil {
		return []models.Condition{}
	}
	return in
}

func (s *PGStore) GetPlaybook(ctx context.Context, id uuid.UUID) (models.Playbook, error) {
	return s.getPlaybook(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE id = $1`, id)
}

func (s *PGStore) GetPlaybookByName(ctx context.Context, name string) (models.Playbook, error) {
	return s.getPlaybook(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE name = $1`, name)
}

func (s *PGStore) getPlaybook(ctx context.Context, query string, arg any) (models.Playbook, error) {
	pb, err := scanPlaybook(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Playbook{}, ErrNotFound
		}
		return models.Playbook{}, fmt.Errorf("select playbook: %w", err)
	}
	sols, err := s.listSolutions(ctx, []uuid.UUID{pb.ID})
	if err != nil {
		return models.Playbook{}, err
	}
	pb.Solutions = append(pb.Solutions, sols[pb.ID]...)
	return pb, nil
}

// ListPlaybooks returns every playbook with its solutions in rank order.
func (s *PGStore) ListPlaybooks(ctx context.Context) ([]models.Playbook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+playbookColumns+` FROM playbooks ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query playbooks: %w", err)
	}
	defer rows.Close()

	var (
		out []models.Playbook
		ids []uuid.UUID
	)
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan playbook: %w", err)
		}
		out = append(out, pb)
		ids = append(ids, pb.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("playbooks rows err: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}
	sols, err := s.listSolutions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Solutions = append(out[i].Solutions, sols[out[i].ID]...)
	}
	return out, nil
}

func (s *PGStore) listSolutions(ctx context.Context, playbookIDs []uuid.UUID) (map[uuid.UUID][]models.PlaybookSolution, error) {
	const query = `
		SELECT id, playbook_id, rank, description, action_type, action_params, prerequisites, post_checks, expected_resolution_minutes
		FROM playbook_solutions
		WHERE playbook_id = ANY($1)
		ORDER BY playbook_id, rank ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(playbookIDs))
	if err != nil {
		return nil, fmt.Errorf("query playbook solutions: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]models.PlaybookSolution, len(playbookIDs))
	for rows.Next() {
		var (
			sol                      models.PlaybookSolution
			actionType               string
			params, prereqs, checks []byte
		)
		if err := rows.Scan(&sol.ID, &sol.PlaybookID, &sol.Rank, &sol.Description, &actionType, &params, &prereqs, &checks, &sol.ExpectedResolutionMinutes); err != nil {
			return nil, fmt.Errorf("scan playbook solution: %w", err)
		}
		action, err := models.DecodeAction(models.ActionType(actionType), params)
		if err != nil {
			return nil, err
		}
		sol.Action = action
		if err := json.Unmarshal(prereqs, &sol.Prerequisites); err != nil {
			return nil, fmt.Errorf("decode prerequisites: %w", err)
		}
		if err := json.Unmarshal(checks, &sol.PostChecks); err != nil {
			return nil, fmt.Errorf("decode post checks: %w", err)
		}
		out[sol.PlaybookID] = append(out[sol.PlaybookID], sol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("playbook solutions rows err: %w", err)
	}
	return out, nil
}

func (s *PGStore) DeletePlaybook(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM playbooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete playbook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPlaybookUsage bumps usage counters. Right-hand sides read the
// pre-update row, so the statement is a single atomic read-modify-write.
func (s *PGStore) RecordPlaybookUsage(ctx context.Context, id uuid.UUID, success bool, resolutionMinutes float64) (models.Playbook, error) {
	const query = `
		UPDATE playbooks SET
			times_used = times_used + 1,
			success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
			success_rate = (success_count + CASE WHEN $2 THEN 1 ELSE 0 END)::float8 / (times_used + 1),
			avg_resolution_minutes = CASE WHEN $2
				THEN (avg_resolution_minutes * success_count + $3) / (success_count + 1)
				ELSE avg_resolution_minutes END,
			updated_at = $4
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, id, success, resolutionMinutes, time.Now().UTC())
	if err != nil {
		return models.Playbook{}, fmt.Errorf("record playbook usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Playbook{}, ErrNotFound
	}
	return s.GetPlaybook(ctx, id)
}
