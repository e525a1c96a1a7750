package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nexus_core"

var (
	incidentsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_ingested_total",
			Help:      "Error events folded into incidents, partitioned by outcome (created, aggregated, reopened).",
		},
		[]string{"outcome"},
	)

	incidentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_transitions_total",
			Help:      "Incident status transitions attempted, partitioned by target status and result.",
		},
		[]string{"to", "result"},
	)

	blastRadiusSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blast_radius_seconds",
			Help:      "Blast radius computation latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	playbookMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playbook_matches_total",
			Help:      "Playbooks returned by the matcher, partitioned by retrieval mode.",
		},
		[]string{"mode"},
	)

	riskAssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_assessments_total",
			Help:      "Risk assessments produced, partitioned by level and verdict.",
		},
		[]string{"level", "verdict"},
	)

	auditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit ledger writes, partitioned by operation and status.",
		},
		[]string{"op", "status"},
	)
)

// Register attaches the core collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		incidentsIngestedTotal,
		incidentTransitionsTotal,
		blastRadiusSeconds,
		playbookMatchesTotal,
		riskAssessmentsTotal,
		auditEntriesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func IncidentIngested(outcome string) {
	incidentsIngestedTotal.WithLabelValues(outcome).Inc()
}

func IncidentTransition(to string, ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	incidentTransitionsTotal.WithLabelValues(to, result).Inc()
}

func ObserveBlastRadius(d time.Duration) {
	if d < 0 {
		d = 0
	}
	blastRadiusSeconds.Observe(d.Seconds())
}

func PlaybookMatched(mode string) {
	playbookMatchesTotal.WithLabelValues(mode).Inc()
}

func RiskAssessed(level, verdict string) {
	riskAssessmentsTotal.WithLabelValues(level, verdict).Inc()
}

func AuditWritten(op, status string) {
	auditEntriesTotal.WithLabelValues(op, status).Inc()
}
