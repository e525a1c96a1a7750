package risk

import (
	"fmt"
	"slices"
	"time"

	"github.com/something1703/Nexus-Zero/internal/models"
)

// Guardrails are hard limits; violating any of them blocks a remediation
// outright.
type Guardrails struct {
	MaxBlastRadius int
	MaxScaleFactor float64
	// PeakHoursStart and PeakHoursEnd bound a half-open UTC hour range.
	PeakHoursStart int
	PeakHoursEnd   int
	PeakBlocked    []models.ActionType
}

func DefaultGuardrails() Guardrails {
	return Guardrails{
		MaxBlastRadius: 5,
		MaxScaleFactor: 3,
		PeakHoursStart: 14,
		PeakHoursEnd:   22,
		PeakBlocked:    []models.ActionType{models.ActionRestart, models.ActionScaleDown},
	}
}

func (g Guardrails) peak(at time.Time) bool {
	h := at.UTC().Hour()
	if g.PeakHoursStart == g.PeakHoursEnd {
		return false
	}
	if g.PeakHoursStart < g.PeakHoursEnd {
		return h >= g.PeakHoursStart && h < g.PeakHoursEnd
	}
	// range wraps midnight
	return h >= g.PeakHoursStart || h < g.PeakHoursEnd
}

// Violations lists every guardrail the action would break at time at.
func (g Guardrails) Violations(action models.Action, blastRadiusSize int, at time.Time) []string {
	var out []string
	if g.MaxBlastRadius > 0 && blastRadiusSize > g.MaxBlastRadius {
		out = append(out, fmt.Sprintf("blast radius %d exceeds limit %d", blastRadiusSize, g.MaxBlastRadius))
	}
	if p, ok := action.Params.(models.ScaleParams); ok && g.MaxScaleFactor > 0 && p.Factor > g.MaxScaleFactor {
		out = append(out, fmt.Sprintf("scale factor %.1f exceeds limit %.1f", p.Factor, g.MaxScaleFactor))
	}
	if slices.Contains(g.PeakBlocked, action.Type) && g.peak(at) {
		out = append(out, fmt.Sprintf("%s is not allowed during peak hours %02d:00-%02d:00 UTC", action.Type, g.PeakHoursStart, g.PeakHoursEnd))
	}
	return out
}
