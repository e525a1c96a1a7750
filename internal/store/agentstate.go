package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/something1703/Nexus-Zero/internal/models"
)

func (s *PGStore) GetAgentState(ctx context.Context, actor string) (models.AgentState, error) {
	var (
		st  models.AgentState
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT actor, state, updated_at FROM agent_state WHERE actor = $1`, actor).Scan(&st.Actor, &raw, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AgentState{}, ErrNotFound
		}
		return models.AgentState{}, fmt.Errorf("select agent state: %w", err)
	}
	st.State = append(json.RawMessage(nil), raw...)
	return st, nil
}

func (s *PGStore) PutAgentState(ctx context.Context, actor string, state json.RawMessage) (models.AgentState, error) {
	query := `
		INSERT INTO agent_state (actor, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (actor) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
		RETURNING updated_at
	`
	st := models.AgentState{Actor: actor, State: ensureJSON(state, "{}")}
	if err := s.db.QueryRowContext(ctx, query, actor, st.State).Scan(&st.UpdatedAt); err != nil {
		return models.AgentState{}, fmt.Errorf("upsert agent state: %w", err)
	}
	return st, nil
}

func (s *PGStore) DeleteAgentState(ctx context.Context, actor string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE actor = $1`, actor); err != nil {
		return fmt.Errorf("delete agent state: %w", err)
	}
	return nil
}
