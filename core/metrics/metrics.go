// Package metrics defines the observability sink interfaces consumed by the
// coordinator. Concrete sinks live under infra/metrics.
package metrics

import "time"

// RideEvent carries the dimensions recorded for ride lifecycle metrics.
type RideEvent struct {
	RideID       string
	RequesterID  string
	DriverID     string
	VehicleClass string
	Drivers      int
	Time         time.Time
}

// MetricsSink records coordinator events for observability purposes.
type MetricsSink interface {
	RecordRideRequested(ev RideEvent) error
	RecordRideConfirmed(ev RideEvent, acceptLatency time.Duration) error
	RecordLocationUpdate(driverID string, accepted bool) error
}

// SessionGaugeRecorder is implemented by sinks able to expose the number of
// live connections per role.
type SessionGaugeRecorder interface {
	RecordSessions(role string, count int) error
}

// NopSink implements MetricsSink with no-op methods.
type NopSink struct{}

func (NopSink) RecordRideRequested(RideEvent) error                { return nil }
func (NopSink) RecordRideConfirmed(RideEvent, time.Duration) error { return nil }
func (NopSink) RecordLocationUpdate(string, bool) error            { return nil }
func (NopSink) RecordSessions(string, int) error                   { return nil }

// Config selects which sinks are active.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}
