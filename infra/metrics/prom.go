package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/citycab/dispatch/core/metrics"
)

// PromSink records coordinator events in Prometheus metrics.
type PromSink struct {
	requested *prometheus.CounterVec
	confirmed prometheus.Counter
	latency   prometheus.Histogram
	locations *prometheus.CounterVec
	sessions  *prometheus.GaugeVec
}

// NewPromSink registers coordinator metrics on the default Prometheus
// registerer. The Prometheus server is started separately.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	requested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rides_requested_total",
		Help: "Total number of ride requests entering the active set",
	}, []string{"vehicle_class"})
	confirmed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rides_confirmed_total",
		Help: "Total number of rides confirmed by a driver",
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ride_accept_latency_seconds",
		Help:    "Time between dispatch fan-out and the winning acceptance",
		Buckets: prometheus.DefBuckets,
	})
	locations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "location_updates_total",
		Help: "Driver position updates, partitioned by throttle outcome",
	}, []string{"accepted"})
	sessions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sessions_connected",
		Help: "Registered live sessions per role",
	}, []string{"role"})

	collectors := map[string]prometheus.Collector{
		"requested": requested,
		"confirmed": confirmed,
		"latency":   latency,
		"locations": locations,
		"sessions":  sessions,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			collectors[name] = are.ExistingCollector
		}
	}

	return &PromSink{
		requested: collectors["requested"].(*prometheus.CounterVec),
		confirmed: collectors["confirmed"].(prometheus.Counter),
		latency:   collectors["latency"].(prometheus.Histogram),
		locations: collectors["locations"].(*prometheus.CounterVec),
		sessions:  collectors["sessions"].(*prometheus.GaugeVec),
	}, nil
}

// RecordRideRequested increments the request counter.
func (s *PromSink) RecordRideRequested(ev coremetrics.RideEvent) error {
	class := ev.VehicleClass
	if class == "" {
		class = "any"
	}
	s.requested.WithLabelValues(class).Inc()
	return nil
}

// RecordRideConfirmed counts the confirmation and observes accept latency.
func (s *PromSink) RecordRideConfirmed(_ coremetrics.RideEvent, acceptLatency time.Duration) error {
	s.confirmed.Inc()
	s.latency.Observe(acceptLatency.Seconds())
	return nil
}

// RecordLocationUpdate counts position updates by throttle outcome.
func (s *PromSink) RecordLocationUpdate(_ string, accepted bool) error {
	if accepted {
		s.locations.WithLabelValues("true").Inc()
	} else {
		s.locations.WithLabelValues("false").Inc()
	}
	return nil
}

// RecordSessions sets the per-role connection gauge.
func (s *PromSink) RecordSessions(role string, count int) error {
	s.sessions.WithLabelValues(role).Set(float64(count))
	return nil
}
