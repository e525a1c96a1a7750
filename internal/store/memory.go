package store

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/something1703/Nexus-Zero/internal/models"
)

type streamState struct {
	state      string
	attempts   int
	archiveKey string
	lastErr    string
	claimedAt  time.Time
}

// MemoryStore is an in-process Store used by tests and the memory driver.
// A single lock makes every method atomic, which gives find-or-create and
// compare-and-set the same guarantees the SQL constraints give PGStore.
type MemoryStore struct {
	NowFunc func() time.Time

	mu            sync.RWMutex
	services      map[string]models.Service
	deps          []models.ServiceDependency
	deployments   []models.DeploymentEvent
	configChanges []models.ConfigChange
	incidents     map[uuid.UUID]models.Incident
	playbooks     map[uuid.UUID]models.Playbook
	audit         []models.AuditLogEntry
	auditIndex    map[uuid.UUID]int
	streams       map[uuid.UUID]*streamState
	agentState    map[string]models.AgentState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		NowFunc:    func() time.Time { return time.Now().UTC() },
		services:   map[string]models.Service{},
		incidents:  map[uuid.UUID]models.Incident{},
		playbooks:  map[uuid.UUID]models.Playbook{},
		auditIndex: map[uuid.UUID]int{},
		streams:    map[uuid.UUID]*streamState{},
		agentState: map[string]models.AgentState{},
	}
}

func (m *MemoryStore) now() time.Time {
	if m.NowFunc != nil {
		return m.NowFunc()
	}
	return time.Now().UTC()
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if raw == nil {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func copyFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}

func copyIncident(in models.Incident) models.Incident {
	in.Embedding = copyFloats(in.Embedding)
	return in
}

func copyPlaybook(in models.Playbook) models.Playbook {
	in.Embedding = copyFloats(in.Embedding)
	in.Solutions = append([]models.PlaybookSolution{}, in.Solutions...)
	return in
}

func copyEntry(in models.AuditLogEntry) models.AuditLogEntry {
	in.Details = copyJSON(in.Details, "{}")
	in.Result = copyJSON(in.Result, "{}")
	return in
}

// Topology.

func (m *MemoryStore) UpsertService(ctx context.Context, in ServiceInput) (models.Service, error) {
	if err := ctx.Err(); err != nil {
		return models.Service{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	svc, ok := m.services[in.Name]
	if !ok {
		svc = models.Service{ID: uuid.New(), Name: in.Name, CreatedAt: now}
	}
	svc.Type = in.Type
	svc.Environment = in.Environment
	svc.Region = in.Region
	svc.CurrentVersion = in.CurrentVersion
	svc.RollbackSafetyScore = in.RollbackSafetyScore
	svc.Status = in.Status
	svc.UpdatedAt = now
	m.services[in.Name] = svc
	return svc, nil
}

func (m *MemoryStore) GetService(ctx context.Context, name string) (models.Service, error) {
	if err := ctx.Err(); err != nil {
		return models.Service{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	if !ok {
		return models.Service{}, ErrNotFound
	}
	return svc, nil
}

func (m *MemoryStore) ListServices(ctx context.Context) ([]models.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Service, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc)
	}
	slices.SortFunc(out, func(a, b models.Service) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *MemoryStore) UpdateServiceHealth(ctx context.Context, name string, status models.HealthStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[name]
	if !ok {
		return ErrNotFound
	}
	svc.Status = status
	svc.UpdatedAt = m.now()
	m.services[name] = svc
	return nil
}

func (m *MemoryStore) CreateDependency(ctx context.Context, in DependencyInput) (models.ServiceDependency, error) {
	if err := ctx.Err(); err != nil {
		return models.ServiceDependency{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[in.Service]; !ok {
		return models.ServiceDependency{}, ErrNotFound
	}
	if _, ok := m.services[in.DependsOn]; !ok {
		return models.ServiceDependency{}, ErrNotFound
	}
	for _, d := range m.deps {
		if d.Service == in.Service && d.DependsOn == in.DependsOn {
			return models.ServiceDependency{}, ErrConflict
		}
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	dep := models.ServiceDependency{
		ID:             in.ID,
		Service:        in.Service,
		DependsOn:      in.DependsOn,
		DependencyType: in.DependencyType,
		Criticality:    in.Criticality,
		CreatedAt:      m.now(),
	}
	m.deps = append(m.deps, dep)
	return dep, nil
}

func (m *MemoryStore) ListDependencies(ctx context.Context) ([]models.ServiceDependency, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.ServiceDependency(nil), m.deps...)
	slices.SortFunc(out, func(a, b models.ServiceDependency) int {
		if c := cmp.Compare(a.DependsOn, b.DependsOn); c != 0 {
			return c
		}
		return cmp.Compare(a.Service, b.Service)
	})
	return out, nil
}

func (m *MemoryStore) ListDependents(ctx context.Context, name string) ([]models.ServiceDependency, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ServiceDependency
	for _, d := range m.deps {
		if d.DependsOn == name {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b models.ServiceDependency) int {
		if c := cmp.Compare(b.Criticality.Rank(), a.Criticality.Rank()); c != 0 {
			return c
		}
		return cmp.Compare(a.Service, b.Service)
	})
	return out, nil
}

func (m *MemoryStore) RecordDeployment(ctx context.Context, in DeploymentInput) (models.DeploymentEvent, error) {
	if err := ctx.Err(); err != nil {
		return models.DeploymentEvent{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[in.Service]
	if !ok {
		return models.DeploymentEvent{}, ErrNotFound
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	ev := models.DeploymentEvent{
		ID:              in.ID,
		Service:         in.Service,
		Version:         in.Version,
		PreviousVersion: in.PreviousVersion,
		CommitSHA:       in.CommitSHA,
		DeployedBy:      in.DeployedBy,
		Status:          in.Status,
		StartedAt:       in.StartedAt,
		CompletedAt:     in.CompletedAt,
	}
	m.deployments = append(m.deployments, ev)
	if in.Status == models.DeploymentSucceeded {
		svc.CurrentVersion = in.Version
		svc.UpdatedAt = m.now()
		m.services[in.Service] = svc
	}
	return ev, nil
}

func (m *MemoryStore) ListDeployments(ctx context.Context, service string, since time.Time) ([]models.DeploymentEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DeploymentEvent
	for _, ev := range m.deployments {
		if (service == "" || ev.Service == service) && !ev.StartedAt.Before(since) {
			out = append(out, ev)
		}
	}
	slices.SortStableFunc(out, func(a, b models.DeploymentEvent) int { return b.StartedAt.Compare(a.StartedAt) })
	return out, nil
}

func (m *MemoryStore) RecordConfigChange(ctx context.Context, in ConfigChangeInput) (models.ConfigChange, error) {
	if err := ctx.Err(); err != nil {
		return models.ConfigChange{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[in.Service]; !ok {
		return models.ConfigChange{}, ErrNotFound
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	change := models.ConfigChange{
		ID:         in.ID,
		Service:    in.Service,
		ChangeType: in.ChangeType,
		Key:        in.Key,
		OldValue:   copyJSON(in.OldValue, "null"),
		NewValue:   copyJSON(in.NewValue, "null"),
		ChangedBy:  in.ChangedBy,
		Reason:     in.Reason,
		CreatedAt:  m.now(),
	}
	m.configChanges = append(m.configChanges, change)
	return change, nil
}

// Incidents.

func (m *MemoryStore) findActiveLocked(service, signature string) (models.Incident, bool) {
	for _, inc := range m.incidents {
		if inc.Service == service && inc.ErrorSignature == signature && inc.Status.Active() {
			return inc, true
		}
	}
	return models.Incident{}, false
}

func (m *MemoryStore) FindActiveIncident(ctx context.Context, service, signature string) (models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return models.Incident{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.findActiveLocked(service, signature)
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	return copyIncident(inc), nil
}

func (m *MemoryStore) FindLatestClosed(ctx context.Context, service, signature string) (models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return models.Incident{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.Incident
		found  bool
	)
	for _, inc := range m.incidents {
		if inc.Service != service || inc.ErrorSignature != signature || inc.Status != models.IncidentClosed {
			continue
		}
		if !found || closedAfter(inc, latest) {
			latest, found = inc, true
		}
	}
	if !found {
		return models.Incident{}, ErrNotFound
	}
	return copyIncident(latest), nil
}

func closedAfter(a, b models.Incident) bool {
	if a.ClosedAt == nil {
		return false
	}
	return b.ClosedAt == nil || a.ClosedAt.After(*b.ClosedAt)
}

func (m *MemoryStore) CreateIncident(ctx context.Context, in IncidentInput) (models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return models.Incident{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[in.Service]; !ok {
		return models.Incident{}, ErrNotFound
	}
	if _, ok := m.findActiveLocked(in.Service, in.ErrorSignature); ok {
		return models.Incident{}, ErrConflict
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := m.now()
	inc := models.Incident{
		ID:              in.ID,
		Service:         in.Service,
		Severity:        in.Severity,
		Status:          models.IncidentOpen,
		ErrorSignature:  in.ErrorSignature,
		ErrorMessage:    in.ErrorMessage,
		OccurrenceCount: 1,
		FirstSeenAt:     in.SeenAt,
		LastSeenAt:      in.SeenAt,
		Embedding:       copyFloats(in.Embedding),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.incidents[inc.ID] = inc
	return copyIncident(inc), nil
}

func foldOccurrence(inc *models.Incident, seenAt time.Time, severity models.Severity, now time.Time) {
	inc.OccurrenceCount++
	if seenAt.After(inc.LastSeenAt) {
		inc.LastSeenAt = seenAt
	}
	inc.Severity = models.MaxSeverity(inc.Severity, severity)
	inc.UpdatedAt = now
}

func (m *MemoryStore) AggregateIncident(ctx context.Context, id uuid.UUID, seenAt time.Time, severity models.Severity) (models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return models.Incident{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok || !inc.Status.Active() {
		return models.Incident{}, ErrNotFound
	}
	foldOccurrence(&inc, seenAt, severity, m.now())
	m.incidents[id] = inc
	return copyIncident(inc), nil
}

func (m *MemoryStore) ReopenIncident(ctx context.Context, id uuid.UUID, seenAt time.Time, severity models.Severity) (models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return models.Incident{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	if inc.Status != models.IncidentClosed {
		return models.Incident{}, ErrStatusMismatch
	}
	if _, ok := m.findActiveLocked(inc.Service, inc.ErrorSignature); ok {
		return models.Incident{}, ErrConflict
	}
	foldOccurrence(&inc, seenAt, severity, m.now())
	inc.Status = models.IncidentOpen
	inc.ReopenCount++
	inc.ResolvedAt = nil
	inc.ClosedAt = nil
	inc.ResolutionSeconds = nil
	m.incidents[id] = inc
	return copyIncident(inc), nil
}

func (m *MemoryStore) GetIncident(ctx context.Context, id uuid.UUID) (models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return models.Incident{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	return copyIncident(inc), nil
}

func (m *MemoryStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Incident
	for _, inc := range m.incidents {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inc.Status) {
			continue
		}
		if f.Service != "" && inc.Service != f.Service {
			continue
		}
		out = append(out, copyIncident(inc))
	}
	slices.SortFunc(out, func(a, b models.Incident) int {
		if c := cmp.Compare(b.Severity.Rank(), a.Severity.Rank()); c != 0 {
			return c
		}
		if c := b.LastSeenAt.Compare(a.LastSeenAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListClosedIncidents(ctx context.Context, f ClosedIncidentFilter, after *IncidentCursor, limit int) ([]models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Incident
	for _, inc := range m.incidents {
		switch {
		case inc.Status != models.IncidentClosed || inc.ClosedAt == nil:
			continue
		case f.Service != "" && inc.Service != f.Service:
			continue
		case f.ErrorSignature != "" && inc.ErrorSignature != f.ErrorSignature:
			continue
		case f.HasEmbedding && len(inc.Embedding) == 0:
			continue
		case after != nil && compareClosed(inc.ClosedAt.UTC(), inc.ID, after.ClosedAt.UTC(), after.ID) >= 0:
			continue
		}
		out = append(out, copyIncident(inc))
	}
	slices.SortFunc(out, func(a, b models.Incident) int {
		return compareClosed(b.ClosedAt.UTC(), b.ID, a.ClosedAt.UTC(), a.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// compareClosed orders (closed_at, id) pairs the way postgres compares the
// row values, ids bytewise.
func compareClosed(at time.Time, id uuid.UUID, otherAt time.Time, otherID uuid.UUID) int {
	if c := at.Compare(otherAt); c != 0 {
		return c
	}
	return bytes.Compare(id[:], otherID[:])
}

func (m *MemoryStore) TransitionIncident(ctx context.Context, id uuid.UUID, from, to models.IncidentStatus, patch TransitionPatch) (models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return models.Incident{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	if inc.Status != from {
		return models.Incident{}, ErrStatusMismatch
	}
	inc.Status = to
	inc.UpdatedAt = patch.At
	switch to {
	case models.IncidentResolved:
		at := patch.At
		inc.ResolvedAt = &at
		secs := int64(max(0, patch.At.Sub(inc.FirstSeenAt).Seconds()))
		inc.ResolutionSeconds = &secs
	case models.IncidentClosed:
		at := patch.At
		inc.ClosedAt = &at
	}
	if patch.ResolutionAction != nil {
		action := *patch.ResolutionAction
		inc.ResolutionAction = &action
	}
	m.incidents[id] = inc
	return copyIncident(inc), nil
}

func (m *MemoryStore) UpdateDiagnosis(ctx context.Context, id uuid.UUID, in DiagnosisInput) (models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return models.Incident{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	if !inc.Status.Active() {
		return models.Incident{}, ErrStatusMismatch
	}
	rootCause := in.RootCause
	confidence := in.Confidence
	inc.RootCause = &rootCause
	inc.SuspectChange = in.SuspectChange
	inc.Confidence = &confidence
	inc.UpdatedAt = m.now()
	m.incidents[id] = inc
	return copyIncident(inc), nil
}

func (m *MemoryStore) SetIncidentEmbedding(ctx context.Context, id uuid.UUID, embedding []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return ErrNotFound
	}
	inc.Embedding = copyFloats(embedding)
	inc.UpdatedAt = m.now()
	m.incidents[id] = inc
	return nil
}

// Playbooks.

func (m *MemoryStore) CreatePlaybook(ctx context.Context, in PlaybookInput) (models.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return models.Playbook{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pb := range m.playbooks {
		if pb.Name == in.Name {
			return models.Playbook{}, ErrConflict
		}
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := m.now()
	pb := models.Playbook{
		ID:                   in.ID,
		Name:                 in.Name,
		Description:          in.Description,
		TriggerPattern:       in.TriggerPattern,
		ServicePattern:       in.ServicePattern,
		Category:             in.Category,
		SuccessRate:          in.SuccessRate,
		SuccessCount:         in.SuccessCount,
		TimesUsed:            in.TimesUsed,
		AvgResolutionMinutes: in.AvgResolutionMinutes,
		Embedding:            copyFloats(in.Embedding),
		Solutions:            []models.PlaybookSolution{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	for _, sol := range in.Solutions {
		pb.Solutions = append(pb.Solutions, models.PlaybookSolution{
			ID:                        uuid.New(),
			PlaybookID:                pb.ID,
			Rank:                      sol.Rank,
			Description:               sol.Description,
			Action:                    sol.Action,
			Prerequisites:             nonNilConditions(sol.Prerequisites),
			PostChecks:                nonNilConditions(sol.PostChecks),
			ExpectedResolutionMinutes: sol.ExpectedResolutionMinutes,
		})
	}
	sortSolutions(pb.Solutions)
	m.playbooks[pb.ID] = pb
	return copyPlaybook(pb), nil
}

func (m *MemoryStore) GetPlaybook(ctx context.Context, id uuid.UUID) (models.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return models.Playbook{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb, ok := m.playbooks[id]
	if !ok {
		return models.Playbook{}, ErrNotFound
	}
	return copyPlaybook(pb), nil
}

func (m *MemoryStore) GetPlaybookByName(ctx context.Context, name string) (models.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return models.Playbook{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pb := range m.playbooks {
		if pb.Name == name {
			return copyPlaybook(pb), nil
		}
	}
	return models.Playbook{}, ErrNotFound
}

func (m *MemoryStore) ListPlaybooks(ctx context.Context) ([]models.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Playbook, 0, len(m.playbooks))
	for _, pb := range m.playbooks {
		out = append(out, copyPlaybook(pb))
	}
	slices.SortFunc(out, func(a, b models.Playbook) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *MemoryStore) DeletePlaybook(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.playbooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.playbooks, id)
	return nil
}

func (m *MemoryStore) RecordPlaybookUsage(ctx context.Context, id uuid.UUID, success bool, resolutionMinutes float64) (models.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return models.Playbook{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pb, ok := m.playbooks[id]
	if !ok {
		return models.Playbook{}, ErrNotFound
	}
	if success {
		pb.AvgResolutionMinutes = (pb.AvgResolutionMinutes*float64(pb.SuccessCount) + resolutionMinutes) / float64(pb.SuccessCount+1)
		pb.SuccessCount++
	}
	pb.TimesUsed++
	pb.SuccessRate = float64(pb.SuccessCount) / float64(pb.TimesUsed)
	pb.UpdatedAt = m.now()
	m.playbooks[id] = pb
	return copyPlaybook(pb), nil
}

// Audit.

func (m *MemoryStore) AppendAudit(ctx context.Context, in AuditInput) (models.AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.AuditLogEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CorrectsID != nil {
		if _, ok := m.auditIndex[*in.CorrectsID]; !ok {
			return models.AuditLogEntry{}, ErrNotFound
		}
	}
	entry := entryFromInput(in, m.now())
	entry.Details = copyJSON(entry.Details, "{}")
	entry.Result = copyJSON(entry.Result, "{}")
	if n := len(m.audit); n > 0 {
		entry.PrevHash = m.audit[n-1].Hash
	}
	hash, err := HashEntry(entry, entry.PrevHash)
	if err != nil {
		return models.AuditLogEntry{}, err
	}
	entry.Hash = hash
	entry.Seq = int64(len(m.audit) + 1)
	m.auditIndex[entry.ID] = len(m.audit)
	m.audit = append(m.audit, entry)
	return copyEntry(entry), nil
}

func (m *MemoryStore) GetAudit(ctx context.Context, id uuid.UUID) (models.AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.AuditLogEntry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.auditIndex[id]
	if !ok {
		return models.AuditLogEntry{}, ErrNotFound
	}
	return copyEntry(m.audit[idx]), nil
}

func (m *MemoryStore) ApproveAudit(ctx context.Context, id uuid.UUID, approver string, at time.Time) (models.AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.AuditLogEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.auditIndex[id]
	if !ok {
		return models.AuditLogEntry{}, ErrNotFound
	}
	e := m.audit[idx]
	if e.Completed() || e.Status != models.AuditPending {
		return models.AuditLogEntry{}, ErrImmutable
	}
	e.HumanApproved = true
	e.ApprovedBy = &approver
	e.ApprovedAt = &at
	m.audit[idx] = e
	return copyEntry(e), nil
}

func (m *MemoryStore) CompleteAudit(ctx context.Context, id uuid.UUID, in CompletionInput) (models.AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.AuditLogEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.auditIndex[id]
	if !ok {
		return models.AuditLogEntry{}, ErrNotFound
	}
	e := m.audit[idx]
	if e.Completed() || (in.OnlyIfUnapproved && e.HumanApproved) {
		return models.AuditLogEntry{}, ErrImmutable
	}
	at := in.At
	e.Status = in.Status
	e.Result = copyJSON(in.Result, "{}")
	e.ErrorMessage = in.ErrorMessage
	e.CompletedAt = &at
	m.audit[idx] = e
	return copyEntry(e), nil
}

func auditMatches(e models.AuditLogEntry, f AuditFilter) bool {
	switch {
	case f.Actor != "" && e.Actor != f.Actor:
		return false
	case f.ActionType != "" && e.ActionType != f.ActionType:
		return false
	case f.IncidentID != nil && (e.IncidentID == nil || *e.IncidentID != *f.IncidentID):
		return false
	case f.Status != "" && e.Status != f.Status:
		return false
	case f.RequiresApproval != nil && e.RequiresApproval != *f.RequiresApproval:
		return false
	case f.Since != nil && e.CreatedAt.Before(*f.Since):
		return false
	case f.Until != nil && !e.CreatedAt.Before(*f.Until):
		return false
	}
	return true
}

func afterCursor(e models.AuditLogEntry, c *AuditCursor) bool {
	if c == nil {
		return true
	}
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.Seq > c.Seq
	}
	return e.CreatedAt.After(c.CreatedAt)
}

func (m *MemoryStore) ListAudit(ctx context.Context, f AuditFilter, after *AuditCursor, limit int) ([]models.AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditLogEntry
	for _, e := range m.audit {
		if auditMatches(e, f) && afterCursor(e, after) {
			out = append(out, copyEntry(e))
		}
	}
	slices.SortStableFunc(out, func(a, b models.AuditLogEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimUnstreamed(ctx context.Context, limit, maxAttempts int) ([]models.AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []models.AuditLogEntry
	for _, e := range m.audit {
		if len(out) >= limit {
			break
		}
		if !e.Completed() {
			continue
		}
		st, ok := m.streams[e.ID]
		if ok && !claimable(st, maxAttempts, now) {
			continue
		}
		if !ok {
			st = &streamState{}
			m.streams[e.ID] = st
		}
		st.state = "in_progress"
		st.attempts++
		st.claimedAt = now
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func claimable(st *streamState, maxAttempts int, now time.Time) bool {
	switch st.state {
	case "failed":
		return st.attempts < maxAttempts
	case "in_progress":
		return now.Sub(st.claimedAt) > staleClaimAfter
	}
	return false
}

func (m *MemoryStore) MarkStreamResult(ctx context.Context, id uuid.UUID, archiveKey string, streamErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	if streamErr != nil {
		st.state = "failed"
		st.lastErr = streamErr.Error()
		return nil
	}
	st.state = "success"
	st.lastErr = ""
	if archiveKey != "" {
		st.archiveKey = archiveKey
	}
	return nil
}

// StreamState reports the streaming state and attempt count of an entry.
func (m *MemoryStore) StreamState(id uuid.UUID) (string, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.streams[id]
	if !ok {
		return "", 0
	}
	return st.state, st.attempts
}

// Agent state.

func (m *MemoryStore) GetAgentState(ctx context.Context, actor string) (models.AgentState, error) {
	if err := ctx.Err(); err != nil {
		return models.AgentState{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.agentState[actor]
	if !ok {
		return models.AgentState{}, ErrNotFound
	}
	st.State = copyJSON(st.State, "{}")
	return st, nil
}

func (m *MemoryStore) PutAgentState(ctx context.Context, actor string, state json.RawMessage) (models.AgentState, error) {
	if err := ctx.Err(); err != nil {
		return models.AgentState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := models.AgentState{Actor: actor, State: copyJSON(state, "{}"), UpdatedAt: m.now()}
	m.agentState[actor] = st
	return st, nil
}

func (m *MemoryStore) DeleteAgentState(ctx context.Context, actor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agentState, actor)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PGStore)(nil)
)
