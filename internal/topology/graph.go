package topology

import (
	"slices"
	"strings"

	"github.com/something1703/Nexus-Zero/internal/models"
)

// Graph is an immutable adjacency snapshot: an arena of services indexed by
// position plus, per service, the indices of the services that depend on it.
type Graph struct {
	services   []models.Service
	index      map[string]int
	dependents [][]int
	edges      int
}

// NewGraph builds a snapshot. Edges naming unknown services are kept as
// bare nodes so traversal never loses a reachable consumer.
func NewGraph(services []models.Service, deps []models.ServiceDependency) *Graph {
	g := &Graph{index: make(map[string]int, len(services))}
	for _, svc := range services {
		g.node(svc.Name, svc)
	}
	for _, d := range deps {
		from := g.node(d.DependsOn, models.Service{Name: d.DependsOn})
		to := g.node(d.Service, models.Service{Name: d.Service})
		if from == to || slices.Contains(g.dependents[from], to) {
			continue
		}
		g.dependents[from] = append(g.dependents[from], to)
		g.edges++
	}
	for i := range g.dependents {
		slices.SortFunc(g.dependents[i], func(a, b int) int {
			return strings.Compare(g.services[a].Name, g.services[b].Name)
		})
	}
	return g
}

func (g *Graph) node(name string, svc models.Service) int {
	if idx, ok := g.index[name]; ok {
		return idx
	}
	idx := len(g.services)
	g.services = append(g.services, svc)
	g.index[name] = idx
	g.dependents = append(g.dependents, nil)
	return idx
}

func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

func (g *Graph) Service(name string) (models.Service, bool) {
	idx, ok := g.index[name]
	if !ok {
		return models.Service{}, false
	}
	return g.services[idx], true
}

// Dependents returns the names of services with an edge onto name, sorted.
func (g *Graph) Dependents(name string) []string {
	idx, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.dependents[idx]))
	for _, d := range g.dependents[idx] {
		out = append(out, g.services[d].Name)
	}
	return out
}

func (g *Graph) Len() int   { return len(g.services) }
func (g *Graph) Edges() int { return g.edges }
