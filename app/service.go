// Package app wires the configuration into a running dispatch service.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/citycab/dispatch/api"
	"github.com/citycab/dispatch/config"
	"github.com/citycab/dispatch/core/auth"
	"github.com/citycab/dispatch/core/dispatch"
	"github.com/citycab/dispatch/core/location"
	coremetrics "github.com/citycab/dispatch/core/metrics"
	"github.com/citycab/dispatch/core/presence"
	coreprofile "github.com/citycab/dispatch/core/profile"
	"github.com/citycab/dispatch/core/session"
	"github.com/citycab/dispatch/infra/logger"
	"github.com/citycab/dispatch/infra/metrics"
	"github.com/citycab/dispatch/infra/mqtt"
	"github.com/citycab/dispatch/infra/profile"
	"github.com/citycab/dispatch/infra/ws"
	"github.com/citycab/dispatch/internal/eventbus"
)

// Service orchestrates the coordinator, the HTTP surface and the observers.
type Service struct {
	Coordinator *dispatch.Coordinator

	cfg      *config.Config
	router   http.Handler
	bus      eventbus.EventBus
	bridge   *mqtt.Bridge
	profiles *profile.PostgresStore
	influx   *metrics.InfluxSink
	log      logger.Logger
}

// New builds a Service from the configuration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	logger.SetGlobalLevel(cfg.Logging.Level)
	logg := logger.New("service")

	svc := &Service{cfg: cfg, log: logg}

	var sinks []coremetrics.MetricsSink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink()
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sink := metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket)
		if is, ok := sink.(*metrics.InfluxSink); ok {
			svc.influx = is
		}
		sinks = append(sinks, sink)
	}
	var sink coremetrics.MetricsSink
	switch len(sinks) {
	case 0:
		sink = coremetrics.NopSink{}
	case 1:
		sink = sinks[0]
	default:
		sink = metrics.NewMultiSink(sinks...)
	}

	var profiles coreprofile.Store
	if cfg.Profiles.Enabled {
		store, err := profile.NewPostgresStore(ctx, cfg.Profiles.DSN)
		if err != nil {
			return nil, fmt.Errorf("profile store: %w", err)
		}
		svc.profiles = store
		profiles = store
	} else {
		profiles = coreprofile.NewMemoryStore()
	}

	bus := eventbus.New()
	svc.bus = bus
	if cfg.Bridge.Enabled {
		bridge, err := mqtt.NewBridge(cfg.Bridge, bus, logger.New("mqtt-bridge"))
		if err != nil {
			return nil, fmt.Errorf("telemetry bridge: %w", err)
		}
		svc.bridge = bridge
	}

	registry := session.NewRegistry()
	pres := presence.NewStore()
	coord, err := dispatch.NewCoordinator(
		registry,
		pres,
		dispatch.NewEngine(),
		auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer),
		profiles,
		location.NewThrottle(cfg.Dispatch.ThrottleInterval()),
		sink,
		bus,
		logger.New("coordinator"),
	)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	svc.Coordinator = coord

	wsServer := ws.NewServer(coord, logger.New("ws"))
	svc.router = api.NewRouter(wsServer.Handler(), pres)
	return svc, nil
}

// Run starts the HTTP listeners and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	srv := &http.Server{Addr: s.cfg.Server.Addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return srv.Shutdown(context.Background())
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.influx != nil {
		s.influx.Close()
	}
	if s.profiles != nil {
		s.profiles.Close()
	}
	return nil
}
