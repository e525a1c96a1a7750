// Package seed loads a topology and playbook catalog from YAML and applies it
// to a running core.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/playbook"
	"github.com/something1703/Nexus-Zero/internal/topology"
)

// Catalog is the root of a seed file. Keys follow the tool-call JSON names.
type Catalog struct {
	Services     []topology.ServiceSpec    `json:"services"`
	Dependencies []topology.DependencySpec `json:"dependencies"`
	Playbooks    []playbook.Spec           `json:"playbooks"`
}

type Topology interface {
	RegisterService(ctx context.Context, spec topology.ServiceSpec) (models.Service, error)
	AddDependency(ctx context.Context, spec topology.DependencySpec) (models.ServiceDependency, error)
}

type Playbooks interface {
	ListPlaybooks(ctx context.Context) ([]models.Playbook, error)
	CreatePlaybook(ctx context.Context, spec playbook.Spec) (models.Playbook, error)
}

// Load reads and parses the seed file at path.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	cat, err := Parse(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("seed %s: %w", path, err)
	}
	return cat, nil
}

// Parse decodes YAML into a Catalog. The document is re-encoded as JSON so
// tagged unions such as actions decode the same way they do over the wire.
func Parse(data []byte) (Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Catalog{}, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return Catalog{}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Catalog{}, fmt.Errorf("convert yaml: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cat Catalog
	if err := dec.Decode(&cat); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	return cat, nil
}

type Result struct {
	Services     int
	Dependencies int
	Playbooks    int
}

// Apply registers every service, adds missing edges and creates playbooks
// whose name is not taken yet. It is safe to run on every start.
func Apply(ctx context.Context, cat Catalog, topo Topology, playbooks Playbooks, logger *zap.Logger) (Result, error) {
	logger = logging.OrNop(logger)
	var res Result
	for _, spec := range cat.Services {
		if _, err := topo.RegisterService(ctx, spec); err != nil {
			return res, fmt.Errorf("seed service %s: %w", spec.Name, err)
		}
		res.Services++
	}
	for _, spec := range cat.Dependencies {
		_, err := topo.AddDependency(ctx, spec)
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("seed dependency %s -> %s: %w", spec.Service, spec.DependsOn, err)
		}
		res.Dependencies++
	}

	existing, err := playbooks.ListPlaybooks(ctx)
	if err != nil {
		return res, fmt.Errorf("seed playbooks: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, pb := range existing {
		names[pb.Name] = true
	}
	for _, spec := range cat.Playbooks {
		if names[spec.Name] {
			continue
		}
		if _, err := playbooks.CreatePlaybook(ctx, spec); err != nil {
			return res, fmt.Errorf("seed playbook %q: %w", spec.Name, err)
		}
		names[spec.Name] = true
		res.Playbooks++
	}

	logger.Info("seed applied",
		zap.Int("services", res.Services),
		zap.Int("dependencies", res.Dependencies),
		zap.Int("playbooks", res.Playbooks),
	)
	return res, nil
}
