package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/citycab/dispatch/core/metrics"
)

func TestPromSinkRecordsRideLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	ev := coremetrics.RideEvent{
		RideID:       "ride-1",
		RequesterID:  "c1",
		DriverID:     "d1",
		VehicleClass: "economy",
		Drivers:      3,
		Time:         time.Now(),
	}
	require.NoError(t, sink.RecordRideRequested(ev))
	require.NoError(t, sink.RecordRideRequested(ev))
	require.NoError(t, sink.RecordRideConfirmed(ev, 250*time.Millisecond))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.requested.WithLabelValues("economy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.confirmed))
}

func TestPromSinkDefaultsEmptyClass(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordRideRequested(coremetrics.RideEvent{RideID: "ride-2"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.requested.WithLabelValues("any")))
}

func TestPromSinkLocationOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordLocationUpdate("d1", true))
	require.NoError(t, sink.RecordLocationUpdate("d1", false))
	require.NoError(t, sink.RecordLocationUpdate("d1", false))

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.locations.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.locations.WithLabelValues("false")))
}

func TestPromSinkSessionGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordSessions("driver", 4))
	require.NoError(t, sink.RecordSessions("driver", 2))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.sessions.WithLabelValues("driver")))
}

func TestPromSinkDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	// Second registration on the same registry reuses the existing collectors.
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	require.NoError(t, sink.RecordRideRequested(coremetrics.RideEvent{VehicleClass: "van"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.requested.WithLabelValues("van")))
}
