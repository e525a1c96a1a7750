// Package agentstate persists the small per-actor state blobs (last run,
// thresholds, cursors) that actors carry between invocations. The state is
// advisory and may be reset at any time.
package agentstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/store"
)

type State struct {
	LastRunAt  *time.Time         `json:"lastRunAt,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	Cursor     string             `json:"cursor,omitempty"`
	Cache      map[string]string  `json:"cache,omitempty"`
}

// Threshold returns the named threshold or def when unset.
func (s State) Threshold(name string, def float64) float64 {
	if v, ok := s.Thresholds[name]; ok {
		return v
	}
	return def
}

type Manager struct {
	store  store.AgentStateStore
	logger *zap.Logger
}

func NewManager(st store.AgentStateStore, logger *zap.Logger) *Manager {
	return &Manager{store: st, logger: logging.OrNop(logger)}
}

func validActor(op, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return apperr.Validation(op, "actor is required")
	}
	return nil
}

// Load returns the actor's state. A missing or unreadable blob yields the
// zero state.
func (m *Manager) Load(ctx context.Context, actor string) (State, error) {
	const op = "load agent state"
	if err := validActor(op, actor); err != nil {
		return State{}, err
	}
	raw, err := m.store.GetAgentState(ctx, actor)
	if errors.Is(err, store.ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, apperr.FromContext(op, fmt.Errorf("%s: %w", op, err))
	}
	var st State
	if err := json.Unmarshal(raw.State, &st); err != nil {
		m.logger.Warn("discarding unreadable agent state", zap.String("actor", actor), zap.Error(err))
		return State{}, nil
	}
	return st, nil
}

func (m *Manager) Save(ctx context.Context, actor string, st State) error {
	const op = "save agent state"
	if err := validActor(op, actor); err != nil {
		return err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := m.store.PutAgentState(ctx, actor, raw); err != nil {
		return apperr.FromContext(op, fmt.Errorf("%s: %w", op, err))
	}
	return nil
}

// Update loads, mutates and saves the actor's state.
func (m *Manager) Update(ctx context.Context, actor string, fn func(*State)) (State, error) {
	st, err := m.Load(ctx, actor)
	if err != nil {
		return State{}, err
	}
	fn(&st)
	return st, m.Save(ctx, actor, st)
}

// MarkRun records at as the actor's last run.
func (m *Manager) MarkRun(ctx context.Context, actor string, at time.Time) error {
	_, err := m.Update(ctx, actor, func(s *State) {
		t := at.UTC()
		s.LastRunAt = &t
	})
	return err
}

func (m *Manager) Reset(ctx context.Context, actor string) error {
	const op = "reset agent state"
	if err := validActor(op, actor); err != nil {
		return err
	}
	if err := m.store.DeleteAgentState(ctx, actor); err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperr.FromContext(op, fmt.Errorf("%s: %w", op, err))
	}
	m.logger.Info("agent state reset", zap.String("actor", actor))
	return nil
}
