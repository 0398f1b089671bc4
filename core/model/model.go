package model

import (
	"fmt"
	"math"
	"time"
)

// Role identifies which side of the marketplace a connection belongs to.
type Role string

const (
	RoleDriver Role = "driver"
	RoleClient Role = "client"
)

// Valid reports whether the role is one of the two known values.
func (r Role) Valid() bool {
	return r == RoleDriver || r == RoleClient
}

// Coordinate is a WGS84 position.
type Coordinate struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Validate checks that both components are finite numbers. NaN and infinity
// show up when clients send garbage or omit a field entirely.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) {
		return fmt.Errorf("coordinate components must be finite: lat=%v lon=%v", c.Lat, c.Lon)
	}
	return nil
}

// DriverProfile holds the externally stored details of a driver. It is
// read-only from the coordinator's perspective.
type DriverProfile struct {
	DriverID     string
	Name         string
	VehicleClass string
	VehicleModel string
	LicensePlate string
	ProfileImage string
	VehicleImage string
}

// RideState tracks the lifecycle of a dispatched ride request.
type RideState int

const (
	RideNew RideState = iota
	RideDispatched
	RideConfirmed
	RideCancelled
	RideExpired
)

// String returns a human-readable representation of the state.
func (s RideState) String() string {
	switch s {
	case RideNew:
		return "new"
	case RideDispatched:
		return "dispatched"
	case RideConfirmed:
		return "confirmed"
	case RideCancelled:
		return "cancelled"
	case RideExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// RideRequest is a client's ask for a ride. The RideID is supplied by the
// caller and must be treated as untrusted; uniqueness is only enforced
// against the currently active set.
type RideRequest struct {
	RideID       string
	RequesterID  string
	Pickup       Coordinate
	VehicleClass string // optional; empty means any class
	DispatchedAt time.Time
}
