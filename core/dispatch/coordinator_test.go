package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citycab/dispatch/core/auth"
	"github.com/citycab/dispatch/core/location"
	"github.com/citycab/dispatch/core/metrics"
	"github.com/citycab/dispatch/core/model"
	"github.com/citycab/dispatch/core/presence"
	"github.com/citycab/dispatch/core/profile"
	"github.com/citycab/dispatch/core/session"
)

type fakeConn struct {
	sent   []any
	closed bool
}

func (f *fakeConn) Send(v any) error { f.sent = append(f.sent, v); return nil }
func (f *fakeConn) Close() error     { f.closed = true; return nil }

// typesSent decodes the type tag of every message written to the connection.
func (f *fakeConn) typesSent(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, m := range f.sent {
		raw, err := json.Marshal(m)
		require.NoError(t, err)
		var tagged struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(raw, &tagged))
		types = append(types, tagged.Type)
	}
	return types
}

func (f *fakeConn) countType(t *testing.T, typ string) int {
	t.Helper()
	n := 0
	for _, got := range f.typesSent(t) {
		if got == typ {
			n++
		}
	}
	return n
}

type recordingSink struct {
	metrics.NopSink
	requested []metrics.RideEvent
	confirmed []metrics.RideEvent
	locations map[bool]int
}

func (r *recordingSink) RecordRideRequested(ev metrics.RideEvent) error {
	r.requested = append(r.requested, ev)
	return nil
}

func (r *recordingSink) RecordRideConfirmed(ev metrics.RideEvent, _ time.Duration) error {
	r.confirmed = append(r.confirmed, ev)
	return nil
}

func (r *recordingSink) RecordLocationUpdate(_ string, accepted bool) error {
	if r.locations == nil {
		r.locations = map[bool]int{}
	}
	r.locations[accepted]++
	return nil
}

type failingProfiles struct{}

func (failingProfiles) Find(context.Context, string) (model.DriverProfile, error) {
	return model.DriverProfile{}, errors.New("connection refused")
}

type harness struct {
	coord    *Coordinator
	verifier *auth.Verifier
	profiles *profile.MemoryStore
	presence *presence.Store
	registry *session.Registry
	sink     *recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		verifier: auth.NewVerifier("test-secret", ""),
		profiles: profile.NewMemoryStore(),
		presence: presence.NewStore(),
		registry: session.NewRegistry(),
		sink:     &recordingSink{},
	}
	coord, err := NewCoordinator(
		h.registry, h.presence, NewEngine(), h.verifier, h.profiles,
		location.NewThrottle(location.DefaultInterval), h.sink, nil, nil,
	)
	require.NoError(t, err)
	h.coord = coord
	return h
}

func (h *harness) token(t *testing.T, subject string, role model.Role) string {
	t.Helper()
	tok, err := h.verifier.Mint(subject, role, time.Minute)
	require.NoError(t, err)
	return tok
}

func frame(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

// connectDriver puts a driver online and on shift at the given position.
func (h *harness) connectDriver(t *testing.T, id string, lat, lon float64) (*session.Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sess := session.New(conn)
	h.profiles.Put(model.DriverProfile{
		DriverID:     id,
		Name:         "Driver " + id,
		VehicleClass: "standard",
		VehicleModel: "Toyota Prius",
		LicensePlate: "ABC-" + id,
		ProfileImage: "profiles/" + id + ".jpg",
		VehicleImage: "vehicles/" + id + ".jpg",
	})
	h.coord.HandleMessage(context.Background(), sess, frame(t, map[string]any{
		"type": "start_shift", "token": h.token(t, id, model.RoleDriver),
		"latitude": lat, "longitude": lon,
	}))
	require.Contains(t, conn.typesSent(t), "shift_started")
	return sess, conn
}

func (h *harness) connectClient(t *testing.T) (*session.Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	return session.New(conn), conn
}

func TestCoordinator_MalformedEnvelope(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connectClient(t)

	h.coord.HandleMessage(context.Background(), sess, []byte(`{not json`))
	assert.Equal(t, []string{"error"}, conn.typesSent(t))

	h.coord.HandleMessage(context.Background(), sess, []byte(`{"token":"x"}`))
	assert.Equal(t, 2, conn.countType(t, "error"), "missing type is a parse error")
}

func TestCoordinator_AuthError(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connectClient(t)

	h.coord.HandleMessage(context.Background(), sess, frame(t, map[string]any{
		"type": "ride_request", "token": "garbage", "rideId": "r1",
		"latitude": 60.18, "longitude": 24.95,
	}))
	assert.Equal(t, []string{"auth_error"}, conn.typesSent(t))
	assert.Zero(t, h.coord.Engine().ActiveCount(), "no state mutation for a rejected message")
}

func TestCoordinator_RoleEnforcement(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connectClient(t)

	// A client token cannot start a shift.
	h.coord.HandleMessage(context.Background(), sess, frame(t, map[string]any{
		"type": "start_shift", "token": h.token(t, "c1", model.RoleClient),
		"latitude": 1.0, "longitude": 1.0,
	}))
	assert.Equal(t, []string{"error"}, conn.typesSent(t))
}

func TestCoordinator_StartShiftWithoutProfile(t *testing.T) {
	h := newHarness(t)
	conn := &fakeConn{}
	sess := session.New(conn)

	h.coord.HandleMessage(context.Background(), sess, frame(t, map[string]any{
		"type": "start_shift", "token": h.token(t, "ghost", model.RoleDriver),
		"latitude": 1.0, "longitude": 1.0,
	}))
	assert.Equal(t, []string{"error"}, conn.typesSent(t))
	assert.Empty(t, h.presence.ListOnShift(), "driver not marked on-shift without a vehicle class")
	_, ok := h.presence.Get("ghost")
	assert.False(t, ok, "a failed start_shift leaves no presence record behind")
}

func TestCoordinator_NoDriversAvailable(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connectClient(t)

	h.coord.HandleMessage(context.Background(), sess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r1", "latitude": 60.18, "longitude": 24.95,
	}))
	assert.Equal(t, []string{"no_drivers_available"}, conn.typesSent(t))
	// The id stays blocked until an explicit accept or cancel.
	assert.Equal(t, 1, h.coord.Engine().ActiveCount())
}

func TestCoordinator_IdempotentDispatch(t *testing.T) {
	h := newHarness(t)
	_, driverConn := h.connectDriver(t, "d1", 60.17, 24.94)
	clientSess, _ := h.connectClient(t)

	req := frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r1", "latitude": 60.18, "longitude": 24.95,
	})
	h.coord.HandleMessage(context.Background(), clientSess, req)
	h.coord.HandleMessage(context.Background(), clientSess, req)

	assert.Equal(t, 1, driverConn.countType(t, "ride_request"), "exactly one fan-out per ride id")
	assert.Len(t, h.sink.requested, 1)
}

func TestCoordinator_Scenario_RequestAcceptComplete(t *testing.T) {
	h := newHarness(t)
	driverSess, driverConn := h.connectDriver(t, "d1", 60.17, 24.94)
	lateSess, lateConn := h.connectDriver(t, "d2", 60.20, 24.90)
	clientSess, clientConn := h.connectClient(t)
	otherClientSess, otherClientConn := h.connectClient(t)

	// An unrelated client is registered too; it must hear nothing private.
	h.coord.HandleMessage(context.Background(), otherClientSess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c2", model.RoleClient),
		"rideId": "other", "latitude": 61.0, "longitude": 25.0,
	}))

	req := frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r1", "latitude": 60.18, "longitude": 24.95,
	})
	h.coord.HandleMessage(context.Background(), clientSess, req)

	// Both on-shift drivers receive the request payload verbatim.
	require.NotEmpty(t, driverConn.sent)
	verbatim, ok := driverConn.sent[len(driverConn.sent)-1].(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, string(req), string(verbatim))
	assert.Equal(t, 1, lateConn.countType(t, "ride_request"))

	// First acceptance wins and is confirmed to the requester only.
	h.coord.HandleMessage(context.Background(), driverSess, frame(t, map[string]any{
		"type": "ride_accepted", "token": h.token(t, "d1", model.RoleDriver), "rideId": "r1",
	}))
	require.Equal(t, 1, clientConn.countType(t, "ride_confirmed"))
	raw, err := json.Marshal(clientConn.sent[len(clientConn.sent)-1])
	require.NoError(t, err)
	var body struct {
		DriverName   string `json:"driverName"`
		CarModel     string `json:"carModel"`
		LicensePlate string `json:"licensePlate"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "Driver d1", body.DriverName)
	assert.Equal(t, "Toyota Prius", body.CarModel)
	assert.Equal(t, "ABC-d1", body.LicensePlate)
	assert.Zero(t, otherClientConn.countType(t, "ride_confirmed"), "confirmation is not broadcast")

	// The late second acceptance gets an error, the client is not re-notified.
	h.coord.HandleMessage(context.Background(), lateSess, frame(t, map[string]any{
		"type": "ride_accepted", "token": h.token(t, "d2", model.RoleDriver), "rideId": "r1",
	}))
	assert.Equal(t, 1, lateConn.countType(t, "error"))
	assert.Equal(t, 1, clientConn.countType(t, "ride_confirmed"))

	// Completion is targeted at the requester.
	h.coord.HandleMessage(context.Background(), driverSess, frame(t, map[string]any{
		"type": "ride_completed", "token": h.token(t, "d1", model.RoleDriver), "rideId": "r1",
	}))
	assert.Equal(t, 1, clientConn.countType(t, "ride_completed"))
	assert.Zero(t, otherClientConn.countType(t, "ride_completed"))
}

func TestCoordinator_AcceptProfileFailureLeavesRideActive(t *testing.T) {
	h := newHarness(t)
	driverSess, driverConn := h.connectDriver(t, "d1", 60.17, 24.94)
	clientSess, _ := h.connectClient(t)

	h.coord.HandleMessage(context.Background(), clientSess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r1", "latitude": 60.18, "longitude": 24.95,
	}))

	// Swap in a store that fails; the acceptance must not half-confirm.
	h.coord.profiles = failingProfiles{}
	h.coord.HandleMessage(context.Background(), driverSess, frame(t, map[string]any{
		"type": "ride_accepted", "token": h.token(t, "d1", model.RoleDriver), "rideId": "r1",
	}))
	assert.Equal(t, 1, driverConn.countType(t, "error"))
	assert.Equal(t, 1, h.coord.Engine().ActiveCount(), "ride stays active after a profile store failure")

	// With the store healthy again the same driver can still win.
	h.coord.profiles = h.profiles
	h.coord.HandleMessage(context.Background(), driverSess, frame(t, map[string]any{
		"type": "ride_accepted", "token": h.token(t, "d1", model.RoleDriver), "rideId": "r1",
	}))
	assert.Zero(t, h.coord.Engine().ActiveCount())
}

func TestCoordinator_LocationThrottleAndTargetedPropagation(t *testing.T) {
	h := newHarness(t)
	driverSess, _ := h.connectDriver(t, "d1", 60.17, 24.94)
	clientSess, clientConn := h.connectClient(t)
	bystanderSess, bystanderConn := h.connectClient(t)

	// Register the bystander so it could receive messages if we broadcast.
	h.coord.HandleMessage(context.Background(), bystanderSess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c2", model.RoleClient),
		"rideId": "other", "latitude": 61.0, "longitude": 25.0,
	}))

	h.coord.HandleMessage(context.Background(), clientSess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r1", "latitude": 60.18, "longitude": 24.95,
	}))
	h.coord.HandleMessage(context.Background(), driverSess, frame(t, map[string]any{
		"type": "ride_accepted", "token": h.token(t, "d1", model.RoleDriver), "rideId": "r1",
	}))

	update := frame(t, map[string]any{
		"type": "location_update", "token": h.token(t, "d1", model.RoleDriver),
		"latitude": 60.19, "longitude": 24.96,
	})
	// start_shift opened the throttle window, so wait for it to pass is not
	// an option here; instead verify the absorbed path first.
	h.coord.HandleMessage(context.Background(), driverSess, update)
	h.coord.HandleMessage(context.Background(), driverSess, update)

	assert.LessOrEqual(t, clientConn.countType(t, "driver_location_update"), 1,
		"at most one propagation inside the window")
	assert.Zero(t, bystanderConn.countType(t, "driver_location_update"),
		"location updates are not broadcast")
	assert.Positive(t, h.sink.locations[false], "absorbed updates are counted")
}

func TestCoordinator_InvalidLocationKeepsPriorPosition(t *testing.T) {
	h := newHarness(t)
	driverSess, driverConn := h.connectDriver(t, "d1", 60.17, 24.94)

	before, _ := h.presence.Get("d1")
	h.coord.HandleMessage(context.Background(), driverSess, frame(t, map[string]any{
		"type": "location_update", "token": h.token(t, "d1", model.RoleDriver),
		"latitude": "sixty", "longitude": 24.95,
	}))
	assert.Equal(t, 1, driverConn.countType(t, "error"))

	after, _ := h.presence.Get("d1")
	assert.Equal(t, before.Position, after.Position)
}

func TestCoordinator_CleanupOnDisconnect(t *testing.T) {
	h := newHarness(t)
	driverSess, _ := h.connectDriver(t, "d1", 60.17, 24.94)
	clientSess, clientConn := h.connectClient(t)

	// The client registers by requesting a ride (nobody else on shift yet
	// besides d1, so it is dispatched).
	h.coord.HandleMessage(context.Background(), clientSess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r1", "latitude": 60.18, "longitude": 24.95,
	}))

	h.coord.HandleDisconnect(driverSess)

	assert.Empty(t, h.presence.ListOnShift())
	assert.Equal(t, 1, clientConn.countType(t, "driver_offline"))

	// A fresh ride request no longer reaches the departed driver.
	h.coord.HandleMessage(context.Background(), clientSess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r2", "latitude": 60.18, "longitude": 24.95,
	}))
	assert.Equal(t, 1, clientConn.countType(t, "no_drivers_available"))
}

func TestCoordinator_DisconnectBeforeAuthIsNoop(t *testing.T) {
	h := newHarness(t)
	sess := session.New(&fakeConn{})
	h.coord.HandleDisconnect(sess) // must not panic or mutate anything
	assert.Empty(t, h.presence.ListOnShift())
}

func TestCoordinator_ReconnectSupersedesWithoutPurge(t *testing.T) {
	h := newHarness(t)
	oldSess, _ := h.connectDriver(t, "d1", 60.17, 24.94)
	newSess, _ := h.connectDriver(t, "d1", 60.17, 24.94)

	// The stale session closes after the reconnect; presence for the new
	// session must survive.
	h.coord.HandleDisconnect(oldSess)
	rec, ok := h.presence.Get("d1")
	require.True(t, ok)
	assert.Equal(t, newSess.ID, rec.SessionID)
	assert.Len(t, h.presence.ListOnShift(), 1)
}

func TestCoordinator_ClientReconnectKeepsSubscription(t *testing.T) {
	h := newHarness(t)
	driverSess, _ := h.connectDriver(t, "d1", 60.17, 24.94)
	oldSess, _ := h.connectClient(t)

	h.coord.HandleMessage(context.Background(), oldSess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r1", "latitude": 60.18, "longitude": 24.95,
	}))
	h.coord.HandleMessage(context.Background(), driverSess, frame(t, map[string]any{
		"type": "ride_accepted", "token": h.token(t, "d1", model.RoleDriver), "rideId": "r1",
	}))

	// The client reconnects mid-ride; the new session takes over the
	// registration before the stale one closes.
	newSess, newConn := h.connectClient(t)
	h.coord.HandleMessage(context.Background(), newSess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r2", "latitude": 60.18, "longitude": 24.95,
	}))
	h.coord.HandleDisconnect(oldSess)

	h.coord.HandleMessage(context.Background(), driverSess, frame(t, map[string]any{
		"type": "location_update", "token": h.token(t, "d1", model.RoleDriver),
		"latitude": 60.19, "longitude": 24.96,
	}))
	assert.Equal(t, 1, newConn.countType(t, "driver_location_update"),
		"the stale session's close event must not purge the live subscription")
}

func TestCoordinator_LocationBeforeLoginDoesNotBurnWindow(t *testing.T) {
	h := newHarness(t)
	conn := &fakeConn{}
	sess := session.New(conn)

	update := frame(t, map[string]any{
		"type": "location_update", "token": h.token(t, "d1", model.RoleDriver),
		"latitude": 60.19, "longitude": 24.96,
	})
	h.coord.HandleMessage(context.Background(), sess, update)
	assert.Equal(t, 1, conn.countType(t, "error"))
	assert.Empty(t, h.sink.locations, "a rejected update is not counted against the throttle")

	// The first valid update after going on shift opens the window normally.
	driverSess, _ := h.connectDriver(t, "d1", 60.17, 24.94)
	h.coord.HandleMessage(context.Background(), driverSess, update)
	assert.Equal(t, 1, h.sink.locations[true])
}

func TestCoordinator_CancelFreesRide(t *testing.T) {
	h := newHarness(t)
	_, driverConn := h.connectDriver(t, "d1", 60.17, 24.94)
	clientSess, clientConn := h.connectClient(t)

	h.coord.HandleMessage(context.Background(), clientSess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r1", "latitude": 60.18, "longitude": 24.95,
	}))
	h.coord.HandleMessage(context.Background(), clientSess, frame(t, map[string]any{
		"type": "ride_cancel", "token": h.token(t, "c1", model.RoleClient), "rideId": "r1",
	}))
	assert.Equal(t, 1, clientConn.countType(t, "ride_cancelled"))

	// Same id is dispatchable again afterwards.
	h.coord.HandleMessage(context.Background(), clientSess, frame(t, map[string]any{
		"type": "ride_request", "token": h.token(t, "c1", model.RoleClient),
		"rideId": "r1", "latitude": 60.18, "longitude": 24.95,
	}))
	assert.Equal(t, 2, driverConn.countType(t, "ride_request"))
}

func TestCoordinator_CompletionUnresolvableIsDropped(t *testing.T) {
	h := newHarness(t)
	driverSess, driverConn := h.connectDriver(t, "d1", 60.17, 24.94)

	h.coord.HandleMessage(context.Background(), driverSess, frame(t, map[string]any{
		"type": "ride_completed", "token": h.token(t, "d1", model.RoleDriver), "rideId": "never",
	}))
	// No error, no broadcast: dropped with a warning.
	assert.Zero(t, driverConn.countType(t, "ride_completed"))
	assert.Zero(t, driverConn.countType(t, "error"))
}

func TestCoordinator_UnknownMessageType(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connectClient(t)
	h.coord.HandleMessage(context.Background(), sess, frame(t, map[string]any{
		"type": "make_coffee", "token": h.token(t, "c1", model.RoleClient),
	}))
	assert.Equal(t, []string{"error"}, conn.typesSent(t))
}
