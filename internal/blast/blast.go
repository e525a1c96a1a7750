// Package blast computes which services are transitively affected when a
// service fails.
package blast

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/metrics"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/retry"
	"github.com/something1703/Nexus-Zero/internal/topology"
)

const (
	defaultMaxHops = 5
	hardMaxHops    = 10
)

// GraphSource yields a consistent dependency graph.
type GraphSource interface {
	Snapshot(ctx context.Context) (*topology.Graph, error)
}

type Config struct {
	DefaultMaxHops int
	MaxHops        int
	Timeout        time.Duration
	Retries        int
}

type Engine struct {
	graphs GraphSource
	cfg    Config
	logger *zap.Logger
}

func New(graphs GraphSource, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = hardMaxHops
	}
	if cfg.DefaultMaxHops <= 0 {
		cfg.DefaultMaxHops = defaultMaxHops
	}
	if cfg.DefaultMaxHops > cfg.MaxHops {
		cfg.DefaultMaxHops = cfg.MaxHops
	}
	return &Engine{graphs: graphs, cfg: cfg, logger: logging.OrNop(logger)}
}

func (e *Engine) clampHops(hops int) int {
	if hops <= 0 {
		return e.cfg.DefaultMaxHops
	}
	if hops > e.cfg.MaxHops {
		return e.cfg.MaxHops
	}
	return hops
}

// BlastRadius returns every service that transitively depends on service,
// within maxHops, ordered by hop count then name. The target itself is never
// included. A non-positive maxHops selects the configured default.
func (e *Engine) BlastRadius(ctx context.Context, service string, maxHops int) ([]models.BlastRadiusEntry, error) {
	const op = "blast radius"
	service = strings.TrimSpace(service)
	if service == "" {
		return nil, apperr.Validation(op, "service is required")
	}
	hops := e.clampHops(maxHops)

	start := time.Now()
	var out []models.BlastRadiusEntry
	err := retry.ReadOnly(ctx, op, e.cfg.Timeout, e.cfg.Retries, func(ctx context.Context) error {
		g, err := e.graphs.Snapshot(ctx)
		if err != nil {
			return err
		}
		res, err := Traverse(ctx, g, service, hops)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	metrics.ObserveBlastRadius(time.Since(start))
	if err != nil {
		e.logger.Debug("blast radius failed", zap.String("service", service), zap.Error(err))
		return nil, err
	}
	e.logger.Debug("blast radius computed",
		zap.String("service", service),
		zap.Int("max_hops", hops),
		zap.Int("affected", len(out)),
	)
	return out, nil
}

// Size is a convenience for callers that only need the count.
func (e *Engine) Size(ctx context.Context, service string, maxHops int) (int, error) {
	entries, err := e.BlastRadius(ctx, service, maxHops)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

type queueItem struct {
	name string
	hops int
}

// Traverse walks dependents breadth-first from service on g. Each service is
// reported once at its shortest hop distance; cycles terminate through the
// visited set. Cancellation discards any partial result.
func Traverse(ctx context.Context, g *topology.Graph, service string, maxHops int) ([]models.BlastRadiusEntry, error) {
	const op = "blast radius"
	if !g.Has(service) {
		return nil, apperr.NotFound(op, "service %q not found", service)
	}
	visited := map[string]bool{service: true}
	queue := []queueItem{{name: service, hops: 0}}
	out := make([]models.BlastRadiusEntry, 0)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Timeout(op, err)
		}
		item := queue[0]
		queue = queue[1:]
		if item.hops >= maxHops {
			continue
		}
		for _, next := range g.Dependents(item.name) {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, models.BlastRadiusEntry{Service: next, Hops: item.hops + 1})
			queue = append(queue, queueItem{name: next, hops: item.hops + 1})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		return out[i].Service < out[j].Service
	})
	return out, nil
}
