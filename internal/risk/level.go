package risk

import "github.com/something1703/Nexus-Zero/internal/models"

const (
	// blast radius sizes that force a minimum level
	highBlastRadius     = 3
	criticalBlastRadius = 6
)

var ladder = []models.Severity{
	models.SeverityLow,
	models.SeverityMedium,
	models.SeverityHigh,
	models.SeverityCritical,
}

// Level maps incident severity, blast radius size and action type to a risk
// level. It is total over its inputs:
//
//  1. the base level is the severity lowered one step (low stays low); an
//     unrecognised severity is treated as critical;
//  2. destructive actions (rollback, restart, scale_down and any action type
//     not known to the gate) raise the level one step;
//  3. a blast radius of 3 or more forces at least high, 6 or more forces
//     critical;
//  4. the result never exceeds critical.
func Level(severity models.Severity, blastRadiusSize int, action models.ActionType) models.Severity {
	rank := severity.Rank()
	if rank < 0 {
		rank = models.SeverityCritical.Rank()
	}
	level := max(rank-1, 0)
	if action.Destructive() {
		level++
	}
	switch {
	case blastRadiusSize >= criticalBlastRadius:
		level = max(level, models.SeverityCritical.Rank())
	case blastRadiusSize >= highBlastRadius:
		level = max(level, models.SeverityHigh.Rank())
	}
	level = min(level, len(ladder)-1)
	return ladder[level]
}

// needsApproval reports whether a level alone requires a human approver.
func needsApproval(level models.Severity) bool {
	return level.Rank() >= models.SeverityHigh.Rank()
}
