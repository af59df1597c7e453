package telemetry

import "github.com/prometheus/client_golang/prometheus"

// NewMetricsRegistry creates a dedicated registry (rather than using the
// global default) and registers process/Go runtime collectors plus the
// given application collectors.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	reg.MustRegister(prometheus.NewGoCollector())
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}
