package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// initProcessMetrics registers the Go runtime and process collectors and
// an uptime gauge measured from the registry's creation.
func (r *Registry) initProcessMetrics() {
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "eventindex"}),
	)

	started := time.Now()
	r.UptimeSeconds = promauto.With(r.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "eventindex_uptime_seconds",
			Help: "Seconds since the index process started",
		},
		func() float64 { return time.Since(started).Seconds() },
	)
}
