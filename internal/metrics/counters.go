package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lifecycle counters. Registered on the default registry so the
// metrics server picks them up.
var (
	CertificatesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certfleet_certificates_issued_total",
		Help: "Certificates issued, by CA",
	}, []string{"ca"})

	CertificatesRenewed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certfleet_certificates_renewed_total",
		Help: "Certificates renewed, by CA",
	}, []string{"ca"})

	CertificatesRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certfleet_certificates_revoked_total",
		Help: "Certificates revoked",
	})

	LifecycleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certfleet_lifecycle_failures_total",
		Help: "Issue or renew jobs that ended in failed state, by operation",
	}, []string{"operation"})

	RateLimitRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certfleet_rate_limit_refusals_total",
		Help: "Orders refused by the client-side CA budget, by CA",
	}, []string{"ca"})

	MonitorChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certfleet_monitor_checks_total",
		Help: "Monitoring probes, by result",
	}, []string{"result"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certfleet_events_dropped_total",
		Help: "Lifecycle events evicted from the full queue",
	})
)
