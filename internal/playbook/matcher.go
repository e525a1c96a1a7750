// Package playbook retrieves remediation playbooks for an incident and
// maintains the playbook catalog.
package playbook

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/metrics"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/retry"
	"github.com/something1703/Nexus-Zero/internal/store"
	"github.com/something1703/Nexus-Zero/internal/vector"
)

const (
	defaultThreshold  = 0.7
	defaultMaxResults = 5
)

type Mode string

const (
	ModePattern    Mode = "pattern"
	ModeSimilarity Mode = "similarity"
)

type Config struct {
	// SimilarityThreshold is exclusive: a candidate must score above it.
	SimilarityThreshold float64
	MaxResults          int
	Timeout             time.Duration
	Retries             int
}

type Matcher struct {
	playbooks store.PlaybookStore
	incidents store.IncidentStore
	cfg       Config
	patterns  *cache.Cache
	logger    *zap.Logger
}

func New(playbooks store.PlaybookStore, incidents store.IncidentStore, cfg Config, logger *zap.Logger) *Matcher {
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold >= 1 {
		cfg.SimilarityThreshold = defaultThreshold
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	return &Matcher{
		playbooks: playbooks,
		incidents: incidents,
		cfg:       cfg,
		patterns:  cache.New(30*time.Minute, time.Hour),
		logger:    logging.OrNop(logger),
	}
}

func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(op, "playbook not found")
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict(op, "playbook name already exists")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.FromContext(op, fmt.Errorf("%s: %w", op, err))
}

// Match is one ranked playbook candidate.
type Match struct {
	Playbook   models.Playbook `json:"playbook"`
	Mode       Mode            `json:"mode"`
	Score      float64         `json:"score"`
	Similarity float64         `json:"similarity,omitempty"`
}

// Match returns playbooks for inc. Pattern matches come first, ordered by
// success rate, then usage, then name. Similarity matches follow, ordered by
// similarity, then success rate, usage and name, and are capped at the
// configured maximum. A playbook found by both modes is reported once, in
// the pattern tier.
func (m *Matcher) Match(ctx context.Context, inc models.Incident) ([]Match, error) {
	const op = "match playbooks"
	if strings.TrimSpace(inc.Service) == "" {
		return nil, apperr.Validation(op, "incident service is required")
	}
	if inc.ErrorSignature == "" && inc.ErrorMessage == "" && len(inc.Embedding) == 0 {
		return nil, apperr.Validation(op, "incident has no signature, message or embedding")
	}

	var all []models.Playbook
	err := retry.ReadOnly(ctx, op, m.cfg.Timeout, m.cfg.Retries, func(ctx context.Context) error {
		pbs, err := m.playbooks.ListPlaybooks(ctx)
		if err != nil {
			return translate(op, err)
		}
		all = pbs
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Timeout(op, err)
	}

	var (
		pattern []Match
		seen    = map[string]bool{}
	)
	for _, pb := range all {
		if !m.servicePatternMatches(pb.ServicePattern, inc.Service) {
			continue
		}
		if m.triggerMatches(pb.TriggerPattern, inc.ErrorSignature, inc.ErrorMessage) {
			pattern = append(pattern, Match{Playbook: pb, Mode: ModePattern, Score: 1})
			seen[pb.ID.String()] = true
		}
	}
	sort.SliceStable(pattern, func(i, j int) bool { return byHistory(pattern[i].Playbook, pattern[j].Playbook) })

	var similar []Match
	if len(inc.Embedding) > 0 {
		candidates := make([]models.Playbook, 0, len(all))
		for _, pb := range all {
			if seen[pb.ID.String()] || !m.servicePatternMatches(pb.ServicePattern, inc.Service) {
				continue
			}
			candidates = append(candidates, pb)
		}
		scored := vector.TopK(inc.Embedding, candidates, func(pb models.Playbook) []float64 { return pb.Embedding },
			m.cfg.SimilarityThreshold, len(candidates))
		for _, s := range scored {
			similar = append(similar, Match{Playbook: s.Key, Mode: ModeSimilarity, Score: s.Similarity, Similarity: s.Similarity})
		}
		sort.SliceStable(similar, func(i, j int) bool {
			if similar[i].Similarity != similar[j].Similarity {
				return similar[i].Similarity > similar[j].Similarity
			}
			return byHistory(similar[i].Playbook, similar[j].Playbook)
		})
		if len(similar) > m.cfg.MaxResults {
			similar = similar[:m.cfg.MaxResults]
		}
	}

	for range pattern {
		metrics.PlaybookMatched(string(ModePattern))
	}
	for range similar {
		metrics.PlaybookMatched(string(ModeSimilarity))
	}
	m.logger.Debug("playbooks matched",
		zap.String("incident_id", inc.ID.String()),
		zap.String("service", inc.Service),
		zap.Int("pattern", len(pattern)),
		zap.Int("similarity", len(similar)),
	)
	return append(pattern, similar...), nil
}

func byHistory(a, b models.Playbook) bool {
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	if a.TimesUsed != b.TimesUsed {
		return a.TimesUsed > b.TimesUsed
	}
	return a.Name < b.Name
}

type compiled struct {
	re *regexp.Regexp
}

// compile caches compiled patterns. A pattern that is not a valid regular
// expression is cached as nil and matched as a plain substring.
func (m *Matcher) compile(key, expr string) *regexp.Regexp {
	if v, ok := m.patterns.Get(key); ok {
		return v.(compiled).re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		m.logger.Debug("pattern is not a regexp, using substring match", zap.String("pattern", expr))
		re = nil
	}
	m.patterns.Set(key, compiled{re: re}, cache.DefaultExpiration)
	return re
}

func (m *Matcher) triggerMatches(pattern string, texts ...string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	re := m.compile("t:"+pattern, "(?i)"+pattern)
	for _, text := range texts {
		if text == "" {
			continue
		}
		if re != nil {
			if re.MatchString(text) {
				return true
			}
			continue
		}
		if strings.Contains(strings.ToLower(text), strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// servicePatternMatches treats an empty pattern or "*" as every service.
// Otherwise the pattern is a glob ("payment-*") or a regular expression and
// must match the whole service name.
func (m *Matcher) servicePatternMatches(pattern, service string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	expr := pattern
	if !strings.ContainsAny(pattern, `()[]{}|+?^$\.`) {
		expr = strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`)
	}
	re := m.compile("s:"+pattern, "(?i)^(?:"+expr+")$")
	if re == nil {
		return strings.EqualFold(pattern, service)
	}
	return re.MatchString(service)
}
