// Package presence tracks per-driver shift state and last known position.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/citycab/dispatch/core/model"
)

// ErrUnknownDriver is returned when an operation targets a driver that never
// logged in on a live connection.
var ErrUnknownDriver = errors.New("unknown driver")

// Record is the mutable presence state of one driver. The SessionID is a weak
// back-reference: the record never outlives cleanup of its owning session.
type Record struct {
	DriverID       string
	SessionID      string
	Online         bool
	OnShift        bool
	VehicleClass   string
	Position       *model.Coordinate
	LastPositionAt time.Time
}

// Store is the single source of truth for driver presence. All mutations are
// serialized behind one mutex so the invariants hold under a goroutine per
// connection.
type Store struct {
	mu      sync.RWMutex
	drivers map[string]*Record
}

// NewStore creates an empty presence store.
func NewStore() *Store {
	return &Store{drivers: make(map[string]*Record)}
}

// Login creates or refreshes the driver's record and ties it to the session.
// A relogin from a new connection repoints the record; shift state survives.
func (s *Store) Login(driverID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.drivers[driverID]
	if !ok {
		rec = &Record{DriverID: driverID}
		s.drivers[driverID] = rec
	}
	rec.SessionID = sessionID
	rec.Online = true
}

// SetShift toggles availability. Turning the shift on requires the vehicle
// class resolved from the profile store; the caller performs that lookup so
// this mutation never blocks.
func (s *Store) SetShift(driverID string, onShift bool, vehicleClass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	rec.OnShift = onShift
	if onShift {
		rec.VehicleClass = vehicleClass
	}
	return nil
}

// UpdatePosition records the driver's latest coordinate. Validation happens
// upstream; by the time a coordinate reaches the store it is finite.
func (s *Store) UpdatePosition(driverID string, coord model.Coordinate, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	c := coord
	rec.Position = &c
	rec.LastPositionAt = at
	return nil
}

// Get returns a copy of the driver's record.
func (s *Store) Get(driverID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.drivers[driverID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ListOnShift returns copies of all on-shift driver records, ordered by id.
func (s *Store) ListOnShift() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Record, 0, len(s.drivers))
	for _, rec := range s.drivers {
		if rec.OnShift {
			res = append(res, *rec)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DriverID < res[j].DriverID })
	return res
}

// Remove purges the driver's record. Called synchronously from the disconnect
// handler; idempotent.
func (s *Store) Remove(driverID string) {
	s.mu.Lock()
	delete(s.drivers, driverID)
	s.mu.Unlock()
}
