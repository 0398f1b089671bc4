// Package protocol defines the JSON wire envelopes exchanged with mobile
// clients over the persistent connection. Inbound messages are flat objects
// tagged by a "type" field; outbound messages are small typed structs.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/citycab/dispatch/core/model"
)

// Inbound message types.
const (
	TypeDriverLogin    = "driver_login"
	TypeStartShift     = "start_shift"
	TypeStopShift      = "stop_shift"
	TypeLocationUpdate = "location_update"
	TypeRideRequest    = "ride_request"
	TypeRideAccepted   = "ride_accepted"
	TypeRideCompleted  = "ride_completed"
	TypeRideCancel     = "ride_cancel"
)

// Outbound message types.
const (
	TypeLoginSuccess   = "login_success"
	TypeShiftStarted   = "shift_started"
	TypeShiftStopped   = "shift_stopped"
	TypeDriverLocation = "driver_location_update"
	TypeNoDrivers      = "no_drivers_available"
	TypeRideConfirmed  = "ride_confirmed"
	TypeRideCancelled  = "ride_cancelled"
	TypeDriverOffline  = "driver_offline"
	TypeError          = "error"
	TypeAuthError      = "auth_error"
)

// Envelope is the decoded form of an inbound message. Latitude and longitude
// stay raw so that a non-numeric coordinate is reported as an invalid
// location rather than a parse failure of the whole envelope.
type Envelope struct {
	Type             string          `json:"type"`
	Token            string          `json:"token"`
	DriverID         string          `json:"driverId"`
	RideID           string          `json:"rideId"`
	CustomerUsername string          `json:"customerUsername"`
	VehicleClass     string          `json:"vehicleClass"`
	Latitude         json.RawMessage `json:"latitude"`
	Longitude        json.RawMessage `json:"longitude"`
}

// Decode parses a raw inbound frame. A frame without a type tag is rejected
// here; token checks belong to the identity verifier.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing message type")
	}
	return env, nil
}

// Coordinate extracts the position carried by the envelope. Missing or
// non-numeric components yield an error; the caller maps it to the
// invalid-location reply.
func (e Envelope) Coordinate() (model.Coordinate, error) {
	lat, err := numeric(e.Latitude, "latitude")
	if err != nil {
		return model.Coordinate{}, err
	}
	lon, err := numeric(e.Longitude, "longitude")
	if err != nil {
		return model.Coordinate{}, err
	}
	c := model.Coordinate{Lat: lat, Lon: lon}
	if err := c.Validate(); err != nil {
		return model.Coordinate{}, err
	}
	return c, nil
}

func numeric(raw json.RawMessage, field string) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("missing %s", field)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%s is not a number", field)
	}
	return v, nil
}

// ErrorReply is a targeted failure notice. Kind is either "error" or
// "auth_error"; the connection stays open in both cases.
type ErrorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error builds a generic error reply.
func Error(msg string) ErrorReply { return ErrorReply{Type: TypeError, Message: msg} }

// AuthError builds a credential-failure reply.
func AuthError(msg string) ErrorReply { return ErrorReply{Type: TypeAuthError, Message: msg} }

// Ack is a bare acknowledgment carrying only a type tag.
type Ack struct {
	Type string `json:"type"`
}

// DriverLocation is fanned out to clients subscribed to the driver's ride.
type DriverLocation struct {
	Type      string  `json:"type"`
	DriverID  string  `json:"driverId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RideConfirmed is delivered to the originating requester once a driver wins
// the acceptance race.
type RideConfirmed struct {
	Type         string `json:"type"`
	RideID       string `json:"rideId"`
	DriverName   string `json:"driverName"`
	DriverImage  string `json:"driverImage"`
	CarImage     string `json:"carImage"`
	CarModel     string `json:"carModel"`
	LicensePlate string `json:"licensePlate"`
}

// RideCompleted notifies the requester that the ride finished.
type RideCompleted struct {
	Type     string `json:"type"`
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
	Date     string `json:"date"`
}

// DriverOffline announces that an on-shift driver dropped its connection.
type DriverOffline struct {
	Type     string `json:"type"`
	DriverID string `json:"driverId"`
}
