package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/something1703/Nexus-Zero/internal/blast"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/playbook"
	"github.com/something1703/Nexus-Zero/internal/store"
	"github.com/something1703/Nexus-Zero/internal/topology"
)

const catalogYAML = `
services:
  - name: order-api
    currentVersion: v2
  - name: notification-api
  - name: analytics-pipeline
dependencies:
  - service: notification-api
    dependsOn: order-api
  - service: analytics-pipeline
    dependsOn: order-api
    dependencyType: async
    criticality: low
playbooks:
  - name: Database Connection Pool Exhaustion
    triggerPattern: connection pool
    solutions:
      - rank: 1
        action:
          type: config_change
          params:
            key: db.pool.max
            value: 50
      - rank: 2
        action:
          type: scale_up
          params:
            factor: 2
        prerequisites:
          - check: max_blast_radius
            threshold: 5
`

func TestParse(t *testing.T) {
	cat, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)

	require.Len(t, cat.Services, 3)
	assert.Equal(t, "v2", cat.Services[0].CurrentVersion)
	require.Len(t, cat.Dependencies, 2)
	assert.Equal(t, models.SeverityLow, cat.Dependencies[1].Criticality)

	require.Len(t, cat.Playbooks, 1)
	sols := cat.Playbooks[0].Solutions
	require.Len(t, sols, 2)
	cfg, ok := sols[0].Action.Params.(models.ConfigChangeParams)
	require.True(t, ok)
	assert.Equal(t, "db.pool.max", cfg.Key)
	assert.JSONEq(t, "50", string(cfg.Value))
	scale, ok := sols[1].Action.Params.(models.ScaleParams)
	require.True(t, ok)
	assert.Equal(t, 2.0, scale.Factor)
	require.Len(t, sols[1].Prerequisites, 1)
	assert.Equal(t, models.CheckMaxBlastRadius, sols[1].Prerequisites[0].Check)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("services:\n  - name: a\n    colour: red\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("services: [\n"))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	cat, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, cat.Services)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	topo := topology.New(st, topology.Config{}, nil)
	matcher := playbook.New(st, st, playbook.Config{}, nil)

	cat, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)

	res, err := Apply(ctx, cat, topo, matcher, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Services: 3, Dependencies: 2, Playbooks: 1}, res)

	res, err = Apply(ctx, cat, topo, matcher, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Services: 3}, res)

	pbs, err := matcher.ListPlaybooks(ctx)
	require.NoError(t, err)
	assert.Len(t, pbs, 1)

	affected, err := blast.New(topo, blast.Config{}, nil).BlastRadius(ctx, "order-api", 0)
	require.NoError(t, err)
	assert.Equal(t, []models.BlastRadiusEntry{
		{Service: "analytics-pipeline", Hops: 1},
		{Service: "notification-api", Hops: 1},
	}, affected)
}

func TestApplyStopsOnUnknownEndpoint(t *testing.T) {
	st := store.NewMemoryStore()
	cat := Catalog{Dependencies: []topology.DependencySpec{{Service: "a", DependsOn: "b"}}}
	_, err := Apply(context.Background(), cat, topology.New(st, topology.Config{}, nil), playbook.New(st, st, playbook.Config{}, nil), nil)
	assert.Error(t, err)
}

func TestLoadShippedCatalog(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "seed.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Skip("seed catalog not present")
	}
	cat, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cat.Services, 4)
	assert.NotEmpty(t, cat.Playbooks)

	st := store.NewMemoryStore()
	_, err = Apply(context.Background(), cat, topology.New(st, topology.Config{}, nil), playbook.New(st, st, playbook.Config{}, nil), nil)
	require.NoError(t, err)
}
