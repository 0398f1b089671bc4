package metrics

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/citycab/dispatch/core/logger"
	coremetrics "github.com/citycab/dispatch/core/metrics"
	infralogger "github.com/citycab/dispatch/infra/logger"
)

// InfluxSink writes coordinator events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      infralogger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a NopSink
// when the health check fails, so a missing database never blocks dispatch.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close shuts down the underlying client.
func (s *InfluxSink) Close() { s.client.Close() }

// RecordRideRequested writes the dispatch event as line protocol.
func (s *InfluxSink) RecordRideRequested(ev coremetrics.RideEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("ride_requested").
		AddTag("vehicle_class", ev.VehicleClass).
		AddTag("ride_id", ev.RideID).
		AddField("drivers", ev.Drivers).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordRideConfirmed writes the confirmation with its accept latency.
func (s *InfluxSink) RecordRideConfirmed(ev coremetrics.RideEvent, acceptLatency time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("ride_confirmed").
		AddTag("ride_id", ev.RideID).
		AddTag("driver_id", ev.DriverID).
		AddField("accept_latency_ms", acceptLatency.Milliseconds()).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordLocationUpdate writes one point per update, tagged by outcome.
func (s *InfluxSink) RecordLocationUpdate(driverID string, accepted bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("location_update").
		AddTag("driver_id", driverID).
		AddTag("accepted", strconv.FormatBool(accepted)).
		AddField("count", 1).
		SetTime(time.Now())
	return s.writeAPI.WritePoint(ctx, p)
}
