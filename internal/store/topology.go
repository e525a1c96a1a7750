package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/something1703/Nexus-Zero/internal/models"
)

const serviceColumns = `id, name, type, environment, region, current_version, rollback_safety_score, status, created_at, updated_at`

func scanService(row rowScanner) (models.Service, error) {
	var svc models.Service
	err := row.Scan(
		&svc.ID,
		&svc.Name,
		&svc.Type,
		&svc.Environment,
		&svc.Region,
		&svc.CurrentVersion,
		&svc.RollbackSafetyScore,
		&svc.Status,
		&svc.CreatedAt,
		&svc.UpdatedAt,
	)
	return svc, err
}

func (s *PGStore) UpsertService(ctx context.Context, in ServiceInput) (models.Service, error) {
	query := `
		INSERT INTO services (id, name, type, environment, region, current_version, rollback_safety_score, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (name) DO UPDATE SET
			type = EXCLUDED.type,
			environment = EXCLUDED.environment,
			region = EXCLUDED.region,
			current_version = EXCLUDED.current_version,
			rollback_safety_score = EXCLUDED.rollback_safety_score,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING ` + serviceColumns

	svc, err := scanService(s.db.QueryRowContext(
		ctx,
		query,
		uuid.New(),
		in.Name,
		in.Type,
		in.Environment,
		in.Region,
		in.CurrentVersion,
		in.RollbackSafetyScore,
		in.Status,
	))
	if err != nil {
		return models.Service{}, fmt.Errorf("upsert service: %w", err)
	}
	return svc, nil
}

func (s *PGStore) GetService(ctx context.Context, name string) (models.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE name = $1`
	svc, err := scanService(s.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Service{}, ErrNotFound
		}
		return models.Service{}, fmt.Errorf("select service: %w", err)
	}
	return svc, nil
}

func (s *PGStore) ListServices(ctx context.Context) ([]models.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()

	var out []models.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("services rows err: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpdateServiceHealth(ctx context.Context, name string, status models.HealthStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE services SET status = $2, updated_at = NOW() WHERE name = $1`, name, status)
	if err != nil {
		return fmt.Errorf("update service health: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CreateDependency(ctx context.Context, in DependencyInput) (models.ServiceDependency, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO service_dependencies (id, service_name, depends_on, dependency_type, criticality)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`
	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, query, in.ID, in.Service, in.DependsOn, in.DependencyType, in.Criticality).Scan(&createdAt); err != nil {
		if isUniqueViolation(err) {
			return models.ServiceDependency{}, ErrConflict
		}
		if isForeignKeyViolation(err) {
			return models.ServiceDependency{}, ErrNotFound
		}
		return models.ServiceDependency{}, fmt.Errorf("insert dependency: %w", err)
	}
	return models.ServiceDependency{
		ID:             in.ID,
		Service:        in.Service,
		DependsOn:      in.DependsOn,
		DependencyType: in.DependencyType,
		Criticality:    in.Criticality,
		CreatedAt:      createdAt,
	}, nil
}

func (s *PGStore) listDependencies(ctx context.Context, query string, args ...any) ([]models.ServiceDependency, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	var out []models.ServiceDependency
	for rows.Next() {
		var dep models.ServiceDependency
		if err := rows.Scan(&dep.ID, &dep.Service, &dep.DependsOn, &dep.DependencyType, &dep.Criticality, &dep.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dependencies rows err: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListDependencies(ctx context.Context) ([]models.ServiceDependency, error) {
	const query = `
		SELECT id, service_name, depends_on, dependency_type, criticality, created_at
		FROM service_dependencies
		ORDER BY depends_on ASC, service_name ASC
	`
	return s.listDependencies(ctx, query)
}

// ListDependents returns the edges whose target is name, most critical first.
func (s *PGStore) ListDependents(ctx context.Context, name string) ([]models.ServiceDependency, error) {
	const query = `
		SELECT id, service_name, depends_on, dependency_type, criticality, created_at
		FROM service_dependencies
		WHERE depends_on = $1
		ORDER BY array_position(ARRAY['critical','high','medium','low'], criticality), service_name ASC
	`
	return s.listDependencies(ctx, query, name)
}

func (s *PGStore) RecordDeployment(ctx context.Context, in DeploymentInput) (models.DeploymentEvent, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.DeploymentEvent{}, fmt.Errorf("begin deployment tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var completedAt sql.NullTime
	if in.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *in.CompletedAt, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deployment_events (id, service_name, version, previous_version, commit_sha, deployed_by, status, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, in.ID, in.Service, in.Version, in.PreviousVersion, in.CommitSHA, in.DeployedBy, in.Status, in.StartedAt, completedAt); err != nil {
		return models.DeploymentEvent{}, fmt.Errorf("insert deployment: %w", err)
	}
	if in.Status == models.DeploymentSucceeded {
		res, err := tx.ExecContext(ctx, `UPDATE services SET current_version = $2, updated_at = NOW() WHERE name = $1`, in.Service, in.Version)
		if err != nil {
			return models.DeploymentEvent{}, fmt.Errorf("update service version: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.DeploymentEvent{}, ErrNotFound
		}
	}
	if err := tx.Commit(); err != nil {
		return models.DeploymentEvent{}, fmt.Errorf("commit deployment: %w", err)
	}
	return models.DeploymentEvent{
		ID:              in.ID,
		Service:         in.Service,
		Version:         in.Version,
		PreviousVersion: in.PreviousVersion,
		CommitSHA:       in.CommitSHA,
		DeployedBy:      in.DeployedBy,
		Status:          in.Status,
		StartedAt:       in.StartedAt,
		CompletedAt:     in.CompletedAt,
	}, nil
}

func (s *PGStore) ListDeployments(ctx context.Context, service string, since time.Time) ([]models.DeploymentEvent, error) {
	const query = `
		SELECT id, service_name, version, previous_version, commit_sha, deployed_by, status, started_at, completed_at
		FROM deployment_events
		WHERE ($1 = '' OR service_name = $1) AND started_at >= $2
		ORDER BY started_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, service, since)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	var out []models.DeploymentEvent
	for rows.Next() {
		var (
			ev          models.DeploymentEvent
			completedAt sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.Service, &ev.Version, &ev.PreviousVersion, &ev.CommitSHA, &ev.DeployedBy, &ev.Status, &ev.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		ev.CompletedAt = timePtr(completedAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deployments rows err: %w", err)
	}
	return out, nil
}

func (s *PGStore) RecordConfigChange(ctx context.Context, in ConfigChangeInput) (models.ConfigChange, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO config_changes (id, service_name, change_type, config_key, old_value, new_value, changed_by, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at
	`
	var createdAt time.Time
	if err := s.db.QueryRowContext(
		ctx,
		query,
		in.ID,
		in.Service,
		in.ChangeType,
		in.Key,
		ensureJSON(in.OldValue, "null"),
		ensureJSON(in.NewValue, "null"),
		in.ChangedBy,
		in.Reason,
	).Scan(&createdAt); err != nil {
		return models.ConfigChange{}, fmt.Errorf("insert config change: %w", err)
	}
	return models.ConfigChange{
		ID:         in.ID,
		Service:    in.Service,
		ChangeType: in.ChangeType,
		Key:        in.Key,
		OldValue:   in.OldValue,
		NewValue:   in.NewValue,
		ChangedBy:  in.ChangedBy,
		Reason:     in.Reason,
		CreatedAt:  createdAt,
	}, nil
}
