// Package dispatch contains the real-time coordination core: the ride
// engine's active set, the acceptance arbitration and the coordinator that
// routes verified messages between presence, dispatch and location
// propagation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/citycab/dispatch/core/auth"
	"github.com/citycab/dispatch/core/events"
	"github.com/citycab/dispatch/core/geo"
	"github.com/citycab/dispatch/core/location"
	"github.com/citycab/dispatch/core/logger"
	"github.com/citycab/dispatch/core/metrics"
	"github.com/citycab/dispatch/core/model"
	"github.com/citycab/dispatch/core/presence"
	"github.com/citycab/dispatch/core/profile"
	"github.com/citycab/dispatch/core/protocol"
	"github.com/citycab/dispatch/core/session"
	"github.com/citycab/dispatch/internal/eventbus"
)

// Coordinator ties the registry, presence store, ride engine and location
// throttle together behind a single message entrypoint. Each connection's
// read loop calls HandleMessage serially; the shared structures are guarded
// by their own mutexes, so loops for different connections may run in
// parallel.
type Coordinator struct {
	registry *session.Registry
	presence *presence.Store
	engine   *Engine
	watch    *WatchStore
	verifier *auth.Verifier
	profiles profile.Store
	throttle *location.Throttle
	sink     metrics.MetricsSink
	bus      eventbus.EventBus
	log      logger.Logger
	now      func() time.Time
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)         {}
func (nopLogger) Debugw(string, map[string]any) {}
func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}

// NewCoordinator creates a Coordinator. The registry, presence store, engine,
// verifier and profile store are required; a nil throttle gets the default
// window, a nil sink records nothing and a nil bus publishes nowhere.
func NewCoordinator(
	registry *session.Registry,
	pres *presence.Store,
	engine *Engine,
	verifier *auth.Verifier,
	profiles profile.Store,
	throttle *location.Throttle,
	sink metrics.MetricsSink,
	bus eventbus.EventBus,
	log logger.Logger,
) (*Coordinator, error) {
	if registry == nil || pres == nil || engine == nil || verifier == nil || profiles == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewCoordinator")
	}
	if throttle == nil {
		throttle = location.NewThrottle(location.DefaultInterval)
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if log == nil {
		log = nopLogger{}
	}
	return &Coordinator{
		registry: registry,
		presence: pres,
		engine:   engine,
		watch:    NewWatchStore(),
		verifier: verifier,
		profiles: profiles,
		throttle: throttle,
		sink:     sink,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}, nil
}

// Engine exposes the ride engine, mainly for the HTTP surface and tests.
func (c *Coordinator) Engine() *Engine { return c.engine }

// HandleMessage processes one inbound frame from a session. Every failure is
// converted to a targeted reply on the originating connection; nothing here
// closes the session.
func (c *Coordinator) HandleMessage(ctx context.Context, sess *session.Session, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.reply(sess, protocol.Error(err.Error()))
		return
	}
	id, err := c.verifier.Verify(env.Token)
	if err != nil {
		c.reply(sess, protocol.AuthError("invalid or missing credential"))
		return
	}

	switch env.Type {
	case protocol.TypeDriverLogin:
		c.handleDriverLogin(sess, id, env)
	case protocol.TypeStartShift:
		c.handleStartShift(ctx, sess, id, env)
	case protocol.TypeStopShift:
		c.handleStopShift(sess, id)
	case protocol.TypeLocationUpdate:
		c.handleLocationUpdate(sess, id, env)
	case protocol.TypeRideRequest:
		c.handleRideRequest(sess, id, env, raw)
	case protocol.TypeRideAccepted:
		c.handleRideAccepted(ctx, sess, id, env)
	case protocol.TypeRideCompleted:
		c.handleRideCompleted(sess, id, env)
	case protocol.TypeRideCancel:
		c.handleRideCancel(sess, id, env)
	default:
		c.reply(sess, protocol.Error(fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

func (c *Coordinator) handleDriverLogin(sess *session.Session, id auth.Identity, env protocol.Envelope) {
	if !c.requireRole(sess, id, model.RoleDriver) {
		return
	}
	if env.DriverID != "" && env.DriverID != id.Subject {
		c.log.Warnf("driver_login driverId %q does not match token subject %q", env.DriverID, id.Subject)
	}
	c.registry.Register(id.Subject, model.RoleDriver, sess)
	c.presence.Login(id.Subject, sess.ID)
	c.reply(sess, protocol.Ack{Type: protocol.TypeLoginSuccess})
	c.recordSessionGauges()
	c.log.Infof("driver %s logged in", id.Subject)
}

func (c *Coordinator) handleStartShift(ctx context.Context, sess *session.Session, id auth.Identity, env protocol.Envelope) {
	if !c.requireRole(sess, id, model.RoleDriver) {
		return
	}
	// start_shift doubles as login for drivers that skip driver_login.
	c.registry.Register(id.Subject, model.RoleDriver, sess)

	// The profile lookup may suspend this one message; presence stays
	// untouched until the driver is known to exist and the vehicle class is
	// resolved.
	prof, err := c.profiles.Find(ctx, id.Subject)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			c.reply(sess, protocol.Error("driver not found"))
		} else {
			c.log.Errorf("profile lookup for %s: %v", id.Subject, err)
			c.reply(sess, protocol.Error("profile store unavailable"))
		}
		return
	}
	c.presence.Login(id.Subject, sess.ID)
	if err := c.presence.SetShift(id.Subject, true, prof.VehicleClass); err != nil {
		c.reply(sess, protocol.Error(err.Error()))
		return
	}
	if coord, err := env.Coordinate(); err == nil {
		_ = c.presence.UpdatePosition(id.Subject, coord, c.now())
	}
	c.reply(sess, protocol.Ack{Type: protocol.TypeShiftStarted})
	c.log.Infof("driver %s started shift (%s)", id.Subject, prof.VehicleClass)
}

func (c *Coordinator) handleStopShift(sess *session.Session, id auth.Identity) {
	if !c.requireRole(sess, id, model.RoleDriver) {
		return
	}
	if err := c.presence.SetShift(id.Subject, false, ""); err != nil {
		c.reply(sess, protocol.Error(err.Error()))
		return
	}
	c.reply(sess, protocol.Ack{Type: protocol.TypeShiftStopped})
	c.log.Infof("driver %s stopped shift", id.Subject)
}

func (c *Coordinator) handleLocationUpdate(sess *session.Session, id auth.Identity, env protocol.Envelope) {
	if !c.requireRole(sess, id, model.RoleDriver) {
		return
	}
	coord, err := env.Coordinate()
	if err != nil {
		// Prior position stays untouched.
		c.reply(sess, protocol.Error(fmt.Sprintf("invalid location: %v", err)))
		return
	}
	// Membership is checked before the throttle so a rejected update does not
	// open the window and absorb the first valid update after login.
	if _, ok := c.presence.Get(id.Subject); !ok {
		c.reply(sess, protocol.Error(presence.ErrUnknownDriver.Error()))
		return
	}
	if !c.throttle.Allow(id.Subject) {
		// Inside the window: absorbed without error or state change.
		_ = c.sink.RecordLocationUpdate(id.Subject, false)
		return
	}
	if err := c.presence.UpdatePosition(id.Subject, coord, c.now()); err != nil {
		c.reply(sess, protocol.Error(err.Error()))
		return
	}
	_ = c.sink.RecordLocationUpdate(id.Subject, true)
	c.publish(events.DriverLocation{DriverID: id.Subject, Position: coord, Time: c.now()})

	out := protocol.DriverLocation{
		Type:      protocol.TypeDriverLocation,
		DriverID:  id.Subject,
		Latitude:  coord.Lat,
		Longitude: coord.Lon,
	}
	for _, clientID := range c.watch.Watchers(id.Subject) {
		if target, ok := c.registry.Lookup(clientID, model.RoleClient); ok {
			c.reply(target, out)
		}
	}
}

func (c *Coordinator) handleRideRequest(sess *session.Session, id auth.Identity, env protocol.Envelope, raw []byte) {
	if !c.requireRole(sess, id, model.RoleClient) {
		return
	}
	if env.RideID == "" {
		c.reply(sess, protocol.Error("missing rideId"))
		return
	}
	pickup, err := env.Coordinate()
	if err != nil {
		c.reply(sess, protocol.Error(fmt.Sprintf("invalid location: %v", err)))
		return
	}
	// Registering here is what lets the confirmation come back to this
	// requester only.
	c.registry.Register(id.Subject, model.RoleClient, sess)
	c.recordSessionGauges()

	req := model.RideRequest{
		RideID:       env.RideID,
		RequesterID:  id.Subject,
		Pickup:       pickup,
		VehicleClass: env.VehicleClass,
		DispatchedAt: c.now(),
	}
	if err := c.engine.Request(req, raw); err != nil {
		// Re-delivery of an active id: deliberately silent, exactly one
		// fan-out per ride id.
		c.log.Debugf("duplicate ride request %s from %s", env.RideID, id.Subject)
		return
	}

	delivered := 0
	candidates := make([]geo.Candidate, 0)
	for _, rec := range c.presence.ListOnShift() {
		if req.VehicleClass != "" && rec.VehicleClass != req.VehicleClass {
			continue
		}
		candidates = append(candidates, geo.Candidate{VehicleClass: rec.VehicleClass, Position: rec.Position})
		if target, ok := c.registry.Lookup(rec.DriverID, model.RoleDriver); ok {
			c.reply(target, json.RawMessage(raw))
			delivered++
		}
	}
	if delivered == 0 {
		// The id stays in the active set: duplicates remain blocked until
		// an explicit accept or cancel.
		c.reply(sess, protocol.Ack{Type: protocol.TypeNoDrivers})
	}

	c.log.Debugw("ride dispatched", map[string]any{
		"ride_id":   req.RideID,
		"drivers":   delivered,
		"nearest":   geo.NearestAvailable(pickup, candidates),
		"class":     req.VehicleClass,
		"requester": id.Subject,
	})
	_ = c.sink.RecordRideRequested(metrics.RideEvent{
		RideID:       req.RideID,
		RequesterID:  id.Subject,
		VehicleClass: req.VehicleClass,
		Drivers:      delivered,
		Time:         req.DispatchedAt,
	})
	c.publish(events.RideRequested{
		RideID:       req.RideID,
		RequesterID:  id.Subject,
		Pickup:       pickup,
		VehicleClass: req.VehicleClass,
		Drivers:      delivered,
		Time:         req.DispatchedAt,
	})
}

func (c *Coordinator) handleRideAccepted(ctx context.Context, sess *session.Session, id auth.Identity, env protocol.Envelope) {
	if !c.requireRole(sess, id, model.RoleDriver) {
		return
	}
	if env.RideID == "" {
		c.reply(sess, protocol.Error("missing rideId"))
		return
	}
	// Resolve the profile before touching the active set so a store failure
	// cannot leave the ride half-confirmed.
	prof, err := c.profiles.Find(ctx, id.Subject)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			c.reply(sess, protocol.Error("driver not found"))
		} else {
			c.log.Errorf("profile lookup for %s: %v", id.Subject, err)
			c.reply(sess, protocol.Error("profile store unavailable"))
		}
		return
	}
	conf, err := c.engine.Accept(env.RideID, id.Subject)
	if err != nil {
		// The late driver gets an error; the client is never re-notified.
		c.reply(sess, protocol.Error(err.Error()))
		return
	}

	c.watch.Subscribe(id.Subject, conf.RequesterID)
	confirmed := protocol.RideConfirmed{
		Type:         protocol.TypeRideConfirmed,
		RideID:       conf.RideID,
		DriverName:   prof.Name,
		DriverImage:  prof.ProfileImage,
		CarImage:     prof.VehicleImage,
		CarModel:     prof.VehicleModel,
		LicensePlate: prof.LicensePlate,
	}
	if target, ok := c.registry.Lookup(conf.RequesterID, model.RoleClient); ok {
		c.reply(target, confirmed)
	} else {
		c.log.Warnf("ride %s confirmed but requester %s has no live session", conf.RideID, conf.RequesterID)
	}

	latency := conf.ConfirmedAt.Sub(conf.DispatchedAt)
	_ = c.sink.RecordRideConfirmed(metrics.RideEvent{
		RideID:       conf.RideID,
		RequesterID:  conf.RequesterID,
		DriverID:     id.Subject,
		VehicleClass: prof.VehicleClass,
		Time:         conf.ConfirmedAt,
	}, latency)
	c.publish(events.RideConfirmed{
		RideID:      conf.RideID,
		RequesterID: conf.RequesterID,
		DriverID:    id.Subject,
		Latency:     latency,
		Time:        conf.ConfirmedAt,
	})
	c.log.Infof("ride %s confirmed by driver %s", conf.RideID, id.Subject)
}

func (c *Coordinator) handleRideCompleted(sess *session.Session, id auth.Identity, env protocol.Envelope) {
	if !c.requireRole(sess, id, model.RoleDriver) {
		return
	}
	if env.RideID == "" {
		c.reply(sess, protocol.Error("missing rideId"))
		return
	}
	requester := env.CustomerUsername
	conf, err := c.engine.Complete(env.RideID)
	if err == nil {
		requester = conf.RequesterID
	}
	if requester == "" {
		c.log.Warnf("ride %s completed but requester unresolvable, dropping notice", env.RideID)
		return
	}
	c.watch.Unsubscribe(id.Subject, requester)

	target, ok := c.registry.Lookup(requester, model.RoleClient)
	if !ok {
		// Targeted-or-nothing: never broadcast a completion.
		c.log.Warnf("ride %s completed but requester %s has no live session", env.RideID, requester)
		return
	}
	c.reply(target, protocol.RideCompleted{
		Type:     protocol.TypeRideCompleted,
		RideID:   env.RideID,
		DriverID: id.Subject,
		Date:     c.now().Format(time.RFC3339),
	})
	c.publish(events.RideCompleted{
		RideID:      env.RideID,
		RequesterID: requester,
		DriverID:    id.Subject,
		Time:        c.now(),
	})
	c.log.Infof("ride %s completed by driver %s", env.RideID, id.Subject)
}

func (c *Coordinator) handleRideCancel(sess *session.Session, id auth.Identity, env protocol.Envelope) {
	if !c.requireRole(sess, id, model.RoleClient) {
		return
	}
	if env.RideID == "" {
		c.reply(sess, protocol.Error("missing rideId"))
		return
	}
	if err := c.engine.Cancel(env.RideID, id.Subject); err != nil {
		c.reply(sess, protocol.Error(err.Error()))
		return
	}
	c.reply(sess, protocol.Ack{Type: protocol.TypeRideCancelled})
	c.publish(events.RideCancelled{RideID: env.RideID, RequesterID: id.Subject, Time: c.now()})
	c.log.Infof("ride %s cancelled by %s", env.RideID, id.Subject)
}

// HandleDisconnect runs synchronously from the transport's close path. It
// unregisters the session and purges derived state; for an on-shift driver a
// driver_offline notice is fanned out to clients, the one genuinely public
// event.
func (c *Coordinator) HandleDisconnect(sess *session.Session) {
	subject, role := sess.Subject(), sess.Role()
	c.registry.Unregister(sess)
	if subject == "" {
		return
	}
	switch role {
	case model.RoleDriver:
		rec, ok := c.presence.Get(subject)
		if !ok || rec.SessionID != sess.ID {
			// A reconnect already superseded this session; its close event
			// must not purge the replacement's state.
			break
		}
		c.presence.Remove(subject)
		c.throttle.Forget(subject)
		c.watch.DropDriver(subject)
		if rec.OnShift {
			offline := protocol.DriverOffline{Type: protocol.TypeDriverOffline, DriverID: subject}
			c.registry.ForEachByRole(model.RoleClient, func(_ string, s *session.Session) {
				c.reply(s, offline)
			})
			c.publish(events.DriverOffline{DriverID: subject, Time: c.now()})
		}
		c.log.Infof("driver %s disconnected", subject)
	case model.RoleClient:
		if cur, ok := c.registry.Lookup(subject, model.RoleClient); ok && cur != sess {
			// A reconnect already superseded this session; its close event
			// must not purge the replacement's ride subscriptions.
			break
		}
		c.watch.DropClient(subject)
		c.log.Infof("client %s disconnected", subject)
	}
	c.recordSessionGauges()
}

func (c *Coordinator) requireRole(sess *session.Session, id auth.Identity, want model.Role) bool {
	if id.Role != want {
		c.reply(sess, protocol.Error(fmt.Sprintf("operation requires role %s", want)))
		return false
	}
	return true
}

// reply sends best-effort: a session whose transport cannot accept the
// message is skipped without retry or queueing.
func (c *Coordinator) reply(sess *session.Session, v any) {
	if err := sess.Send(v); err != nil {
		c.log.Debugf("send to session %s skipped: %v", sess.ID, err)
	}
}

func (c *Coordinator) publish(e eventbus.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

func (c *Coordinator) recordSessionGauges() {
	if rec, ok := c.sink.(metrics.SessionGaugeRecorder); ok {
		_ = rec.RecordSessions(string(model.RoleDriver), c.registry.CountByRole(model.RoleDriver))
		_ = rec.RecordSessions(string(model.RoleClient), c.registry.CountByRole(model.RoleClient))
	}
}
