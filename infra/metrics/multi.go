package metrics

import (
	"time"

	coremetrics "github.com/citycab/dispatch/core/metrics"
)

// MultiSink fans coordinator events out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordRideRequested forwards the event to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordRideRequested(ev coremetrics.RideEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordRideRequested(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordRideConfirmed forwards the confirmation.
func (m *MultiSink) RecordRideConfirmed(ev coremetrics.RideEvent, acceptLatency time.Duration) error {
	for _, s := range m.Sinks {
		if err := s.RecordRideConfirmed(ev, acceptLatency); err != nil {
			return err
		}
	}
	return nil
}

// RecordLocationUpdate forwards the update.
func (m *MultiSink) RecordLocationUpdate(driverID string, accepted bool) error {
	for _, s := range m.Sinks {
		if err := s.RecordLocationUpdate(driverID, accepted); err != nil {
			return err
		}
	}
	return nil
}

// RecordSessions forwards the gauge to sinks that support it.
func (m *MultiSink) RecordSessions(role string, count int) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.SessionGaugeRecorder); ok {
			if err := rec.RecordSessions(role, count); err != nil {
				return err
			}
		}
	}
	return nil
}
