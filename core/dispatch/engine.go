package dispatch

import (
	"sync"
	"time"

	"github.com/citycab/dispatch/core/model"
)

// activeRide is a dispatched-but-unaccepted request. The payload keeps the
// client's original frame so fan-out delivers it verbatim.
type activeRide struct {
	req     model.RideRequest
	payload []byte
}

// Confirmation records the winner of an acceptance race. It stays in the
// engine until the ride completes so completion notices can be routed to the
// originating requester.
type Confirmation struct {
	RideID       string
	RequesterID  string
	DriverID     string
	DispatchedAt time.Time
	ConfirmedAt  time.Time
}

// Engine owns the active set and arbitrates acceptances. All transitions are
// short critical sections behind one mutex; the check-and-remove in Accept is
// atomic so exactly one driver wins.
type Engine struct {
	mu        sync.Mutex
	active    map[string]*activeRide
	confirmed map[string]Confirmation
	now       func() time.Time
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		active:    make(map[string]*activeRide),
		confirmed: make(map[string]Confirmation),
		now:       time.Now,
	}
}

// Request inserts the ride into the active set. A ride id already active is a
// no-op duplicate and returns ErrDuplicate; the id stays blocked until an
// acceptance or cancellation retires it.
func (e *Engine) Request(req model.RideRequest, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[req.RideID]; ok {
		return ErrDuplicate
	}
	frame := append([]byte(nil), payload...)
	e.active[req.RideID] = &activeRide{req: req, payload: frame}
	return nil
}

// Active returns the pending request for the ride id, if any.
func (e *Engine) Active(rideID string) (model.RideRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ar, ok := e.active[rideID]
	if !ok {
		return model.RideRequest{}, false
	}
	return ar.req, true
}

// ActiveCount reports the size of the active set.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Accept commits the first acceptance for the ride. The caller resolves the
// driver's profile before calling so a profile failure never leaves the ride
// half-confirmed. Losing drivers get ErrAlreadyConfirmed; ids the engine
// never dispatched get ErrUnknownRide.
func (e *Engine) Accept(rideID, driverID string) (Confirmation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ar, ok := e.active[rideID]
	if !ok {
		if _, confirmed := e.confirmed[rideID]; confirmed {
			return Confirmation{}, ErrAlreadyConfirmed
		}
		return Confirmation{}, ErrUnknownRide
	}
	delete(e.active, rideID)
	conf := Confirmation{
		RideID:       rideID,
		RequesterID:  ar.req.RequesterID,
		DriverID:     driverID,
		DispatchedAt: ar.req.DispatchedAt,
		ConfirmedAt:  e.now(),
	}
	e.confirmed[rideID] = conf
	return conf, nil
}

// Complete retires a confirmed ride and returns its confirmation so the
// completion notice can be targeted.
func (e *Engine) Complete(rideID string) (Confirmation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conf, ok := e.confirmed[rideID]
	if !ok {
		return Confirmation{}, ErrUnknownRide
	}
	delete(e.confirmed, rideID)
	return conf, nil
}

// Cancel removes a still-active ride on behalf of its requester, freeing the
// id for dispatch again.
func (e *Engine) Cancel(rideID, requesterID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ar, ok := e.active[rideID]
	if !ok {
		return ErrUnknownRide
	}
	if ar.req.RequesterID != requesterID {
		return ErrNotRequester
	}
	delete(e.active, rideID)
	return nil
}
