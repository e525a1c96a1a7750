package risk

import (
	"fmt"
	"slices"

	"github.com/something1703/Nexus-Zero/internal/models"
)

// Facts is what the gate currently knows when evaluating prerequisites.
type Facts struct {
	// Service is the incident's service.
	Service  string
	Services map[string]models.Service
	// Deployments are recent deployment events keyed by service name.
	Deployments     map[string][]models.DeploymentEvent
	BlastRadiusSize int
}

type CheckResult struct {
	Check     models.CheckType `json:"check"`
	Service   string           `json:"service,omitempty"`
	Satisfied bool             `json:"satisfied"`
	Reason    string           `json:"reason,omitempty"`
}

func (f Facts) target(c models.Condition) string {
	if c.Service != "" {
		return c.Service
	}
	return f.Service
}

// Evaluate decides whether a condition holds given the known facts. A
// condition that cannot be decided, including any unknown check type, is
// unsatisfied.
func Evaluate(c models.Condition, f Facts) CheckResult {
	name := f.target(c)
	res := CheckResult{Check: c.Check, Service: name}
	fail := func(format string, args ...any) CheckResult {
		res.Reason = fmt.Sprintf(format, args...)
		return res
	}

	switch c.Check {
	case models.CheckPreviousVersionAvailable:
		svc, ok := f.Services[name]
		if !ok {
			return fail("service %s is unknown", name)
		}
		for _, d := range f.Deployments[name] {
			if d.PreviousVersion != "" && d.PreviousVersion != svc.CurrentVersion {
				res.Satisfied = true
				return res
			}
		}
		return fail("no previous version recorded for %s", name)

	case models.CheckServiceStatus:
		svc, ok := f.Services[name]
		if !ok {
			return fail("service %s is unknown", name)
		}
		if len(c.Statuses) == 0 {
			return fail("no acceptable statuses given")
		}
		if !slices.Contains(c.Statuses, svc.Status) {
			return fail("%s is %s", name, svc.Status)
		}

	case models.CheckMinRollbackSafety:
		svc, ok := f.Services[name]
		if !ok {
			return fail("service %s is unknown", name)
		}
		if c.Threshold == nil {
			return fail("threshold is missing")
		}
		if svc.RollbackSafetyScore < *c.Threshold {
			return fail("rollback safety %.2f below %.2f", svc.RollbackSafetyScore, *c.Threshold)
		}

	case models.CheckNoDeploymentInProgress:
		if _, ok := f.Services[name]; !ok {
			return fail("service %s is unknown", name)
		}
		for _, d := range f.Deployments[name] {
			if d.Status == models.DeploymentInProgress {
				return fail("deployment %s of %s is in progress", d.Version, name)
			}
		}

	case models.CheckMaxBlastRadius:
		if c.Threshold == nil {
			return fail("threshold is missing")
		}
		if float64(f.BlastRadiusSize) > *c.Threshold {
			return fail("blast radius %d exceeds %.0f", f.BlastRadiusSize, *c.Threshold)
		}

	default:
		return fail("unknown check %q", c.Check)
	}
	res.Satisfied = true
	return res
}
