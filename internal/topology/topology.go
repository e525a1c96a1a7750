// Package topology owns services and their dependency edges.
package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/store"
)

const snapshotKey = "graph"

type Config struct {
	// SnapshotTTL bounds how long a graph snapshot is reused. Zero disables caching.
	SnapshotTTL time.Duration
}

type Service struct {
	store  store.TopologyStore
	cache  *cache.Cache
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	// mu guards gen, which every mutation bumps so that a snapshot loaded
	// across a change is not cached.
	mu  sync.Mutex
	gen uint64
}

func New(st store.TopologyStore, cfg Config, logger *zap.Logger) *Service {
	s := &Service{
		store:  st,
		ttl:    cfg.SnapshotTTL,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if cfg.SnapshotTTL > 0 {
		s.cache = cache.New(cfg.SnapshotTTL, 2*cfg.SnapshotTTL)
	}
	return s
}

func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(op, "service not found")
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict(op, "already exists")
	}
	return apperr.FromContext(op, fmt.Errorf("%s: %w", op, err))
}

func (s *Service) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cache != nil {
		s.cache.Delete(snapshotKey)
	}
}

func (s *Service) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

type ServiceSpec struct {
	Name                string              `json:"name"`
	Type                string              `json:"type"`
	Environment         string              `json:"environment"`
	Region              string              `json:"region"`
	CurrentVersion      string              `json:"currentVersion"`
	RollbackSafetyScore *float64            `json:"rollbackSafetyScore"`
	Status              models.HealthStatus `json:"status"`
}

func (s *Service) RegisterService(ctx context.Context, spec ServiceSpec) (models.Service, error) {
	const op = "register service"
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return models.Service{}, apperr.Validation(op, "name is required")
	}
	if spec.Status == "" {
		spec.Status = models.HealthHealthy
	}
	if !spec.Status.Valid() {
		return models.Service{}, apperr.Validation(op, "invalid status %q", spec.Status)
	}
	score := 1.0
	if spec.RollbackSafetyScore != nil {
		score = *spec.RollbackSafetyScore
	}
	if score < 0 || score > 1 {
		return models.Service{}, apperr.Validation(op, "rollback safety score must be within [0,1]")
	}
	svc, err := s.store.UpsertService(ctx, store.ServiceInput{
		Name:                spec.Name,
		Type:                spec.Type,
		Environment:         spec.Environment,
		Region:              spec.Region,
		CurrentVersion:      spec.CurrentVersion,
		RollbackSafetyScore: score,
		Status:              spec.Status,
	})
	if err != nil {
		return models.Service{}, translate(op, err)
	}
	s.invalidate()
	return svc, nil
}

func (s *Service) GetService(ctx context.Context, name string) (models.Service, error) {
	svc, err := s.store.GetService(ctx, name)
	if err != nil {
		return models.Service{}, translate("get service", err)
	}
	return svc, nil
}

func (s *Service) ListServices(ctx context.Context) ([]models.Service, error) {
	out, err := s.store.ListServices(ctx)
	if err != nil {
		return nil, translate("list services", err)
	}
	return out, nil
}

func (s *Service) UpdateHealth(ctx context.Context, name string, status models.HealthStatus) error {
	const op = "update health"
	if !status.Valid() {
		return apperr.Validation(op, "invalid status %q", status)
	}
	if err := s.store.UpdateServiceHealth(ctx, name, status); err != nil {
		return translate(op, err)
	}
	s.invalidate()
	return nil
}

type DependencySpec struct {
	Service        string          `json:"service"`
	DependsOn      string          `json:"dependsOn"`
	DependencyType string          `json:"dependencyType"`
	Criticality    models.Severity `json:"criticality"`
}

// AddDependency records that spec.Service calls spec.DependsOn.
func (s *Service) AddDependency(ctx context.Context, spec DependencySpec) (models.ServiceDependency, error) {
	const op = "add dependency"
	if spec.Service == "" || spec.DependsOn == "" {
		return models.ServiceDependency{}, apperr.Validation(op, "service and dependsOn are required")
	}
	if spec.Service == spec.DependsOn {
		return models.ServiceDependency{}, apperr.Validation(op, "service %s cannot depend on itself", spec.Service)
	}
	if spec.Criticality == "" {
		spec.Criticality = models.SeverityMedium
	}
	if !spec.Criticality.Valid() {
		return models.ServiceDependency{}, apperr.Validation(op, "invalid criticality %q", spec.Criticality)
	}
	if spec.DependencyType == "" {
		spec.DependencyType = "sync"
	}
	dep, err := s.store.CreateDependency(ctx, store.DependencyInput{
		Service:        spec.Service,
		DependsOn:      spec.DependsOn,
		DependencyType: spec.DependencyType,
		Criticality:    spec.Criticality,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.ServiceDependency{}, apperr.Conflict(op, "edge %s -> %s already exists", spec.Service, spec.DependsOn)
		}
		if errors.Is(err, store.ErrNotFound) {
			return models.ServiceDependency{}, apperr.NotFound(op, "unknown service in edge %s -> %s", spec.Service, spec.DependsOn)
		}
		return models.ServiceDependency{}, translate(op, err)
	}
	s.invalidate()
	s.logger.Info("dependency added",
		zap.String("service", dep.Service),
		zap.String("depends_on", dep.DependsOn),
		zap.String("criticality", string(dep.Criticality)),
	)
	return dep, nil
}

// Dependents returns the direct consumers of name, most critical first.
func (s *Service) Dependents(ctx context.Context, name string) ([]models.ServiceDependency, error) {
	const op = "dependents"
	if _, err := s.store.GetService(ctx, name); err != nil {
		return nil, translate(op, err)
	}
	deps, err := s.store.ListDependents(ctx, name)
	if err != nil {
		return nil, translate(op, err)
	}
	return deps, nil
}

// Snapshot returns the current dependency graph, reusing a cached copy for
// up to the configured TTL.
func (s *Service) Snapshot(ctx context.Context) (*Graph, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(snapshotKey); ok {
			return cached.(*Graph), nil
		}
	}
	gen := s.generation()
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return nil, translate("snapshot", err)
	}
	deps, err := s.store.ListDependencies(ctx)
	if err != nil {
		return nil, translate("snapshot", err)
	}
	g := NewGraph(services, deps)
	if s.cache != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.cache.Set(snapshotKey, g, cache.DefaultExpiration)
		}
		s.mu.Unlock()
	}
	return g, nil
}

type DeploymentSpec struct {
	Service         string                  `json:"service"`
	Version         string                  `json:"version"`
	PreviousVersion string                  `json:"previousVersion"`
	CommitSHA       string                  `json:"commitSha"`
	DeployedBy      string                  `json:"deployedBy"`
	Status          models.DeploymentStatus `json:"status"`
	StartedAt       time.Time               `json:"startedAt"`
	CompletedAt     *time.Time              `json:"completedAt"`
}

// RecordDeployment stores a deployment event; a succeeded deployment also
// moves the service's current version.
func (s *Service) RecordDeployment(ctx context.Context, spec DeploymentSpec) (models.DeploymentEvent, error) {
	const op = "record deployment"
	if spec.Service == "" || spec.Version == "" {
		return models.DeploymentEvent{}, apperr.Validation(op, "service and version are required")
	}
	switch spec.Status {
	case "":
		spec.Status = models.DeploymentSucceeded
	case models.DeploymentInProgress, models.DeploymentSucceeded, models.DeploymentFailed, models.DeploymentRolledBack:
	default:
		return models.DeploymentEvent{}, apperr.Validation(op, "invalid deployment status %q", spec.Status)
	}
	if spec.StartedAt.IsZero() {
		spec.StartedAt = s.now()
	}
	if spec.PreviousVersion == "" {
		if svc, err := s.store.GetService(ctx, spec.Service); err == nil && svc.CurrentVersion != spec.Version {
			spec.PreviousVersion = svc.CurrentVersion
		}
	}
	ev, err := s.store.RecordDeployment(ctx, store.DeploymentInput{
		Service:         spec.Service,
		Version:         spec.Version,
		PreviousVersion: spec.PreviousVersion,
		CommitSHA:       spec.CommitSHA,
		DeployedBy:      spec.DeployedBy,
		Status:          spec.Status,
		StartedAt:       spec.StartedAt,
		CompletedAt:     spec.CompletedAt,
	})
	if err != nil {
		return models.DeploymentEvent{}, translate(op, err)
	}
	s.invalidate()
	return ev, nil
}

// RecentDeployments lists deployments of service (all services when empty)
// started within window of now.
func (s *Service) RecentDeployments(ctx context.Context, service string, window time.Duration) ([]models.DeploymentEvent, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	out, err := s.store.ListDeployments(ctx, service, s.now().Add(-window))
	if err != nil {
		return nil, translate("recent deployments", err)
	}
	return out, nil
}

type ConfigChangeSpec struct {
	Service    string          `json:"service"`
	ChangeType string          `json:"changeType"`
	Key        string          `json:"key"`
	OldValue   json.RawMessage `json:"oldValue"`
	NewValue   json.RawMessage `json:"newValue"`
	ChangedBy  string          `json:"changedBy"`
	Reason     string          `json:"reason"`
}

func (s *Service) RecordConfigChange(ctx context.Context, spec ConfigChangeSpec) (models.ConfigChange, error) {
	const op = "record config change"
	if spec.Service == "" || spec.Key == "" || spec.ChangedBy == "" {
		return models.ConfigChange{}, apperr.Validation(op, "service, key and changedBy are required")
	}
	if spec.ChangeType == "" {
		spec.ChangeType = string(models.ActionConfigChange)
	}
	change, err := s.store.RecordConfigChange(ctx, store.ConfigChangeInput{
		Service:    spec.Service,
		ChangeType: spec.ChangeType,
		Key:        spec.Key,
		OldValue:   spec.OldValue,
		NewValue:   spec.NewValue,
		ChangedBy:  spec.ChangedBy,
		Reason:     spec.Reason,
	})
	if err != nil {
		return models.ConfigChange{}, translate(op, err)
	}
	return change, nil
}
