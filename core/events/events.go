// Package events defines the internal notifications published on the event
// bus while rides and drivers move through the coordinator. Observers such as
// the telemetry bridge consume them; publishing never blocks dispatch.
package events

import (
	"time"

	"github.com/citycab/dispatch/core/model"
)

// RideRequested is published when a ride enters the active set and is fanned
// out to on-shift drivers.
type RideRequested struct {
	RideID       string
	RequesterID  string
	Pickup       model.Coordinate
	VehicleClass string
	Drivers      int
	Time         time.Time
}

// RideConfirmed is published when a driver wins the acceptance race.
type RideConfirmed struct {
	RideID      string
	RequesterID string
	DriverID    string
	Latency     time.Duration
	Time        time.Time
}

// RideCompleted is published when the driver reports the ride finished.
type RideCompleted struct {
	RideID      string
	RequesterID string
	DriverID    string
	Time        time.Time
}

// RideCancelled is published when the requester withdraws an active ride.
type RideCancelled struct {
	RideID      string
	RequesterID string
	Time        time.Time
}

// DriverLocation is published for every position update accepted by the
// throttle.
type DriverLocation struct {
	DriverID string
	Position model.Coordinate
	Time     time.Time
}

// DriverOffline is published when an on-shift driver's session closes.
type DriverOffline struct {
	DriverID string
	Time     time.Time
}
