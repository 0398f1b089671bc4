// Package mqtt bridges coordinator events onto an MQTT broker so external
// consumers (analytics, ops tooling) can follow ride and fleet activity
// without touching the dispatch path.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/citycab/dispatch/core/events"
	"github.com/citycab/dispatch/core/logger"
	"github.com/citycab/dispatch/internal/eventbus"
)

// Config defines the connection parameters for the telemetry bridge.
type Config struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Bridge subscribes to the event bus and republishes every event as JSON on
// the broker. Ride lifecycle events go to <prefix>/rides/<event>, driver
// positions to <prefix>/drivers/<id>/location.
type Bridge struct {
	cli    pahoClient
	bus    eventbus.EventBus
	sub    <-chan eventbus.Event
	prefix string
	qos    byte
	log    logger.Logger

	wg   sync.WaitGroup
	once sync.Once
}

// NewBridge connects to the broker and starts forwarding bus events.
func NewBridge(cfg Config, bus eventbus.EventBus, log logger.Logger) (*Bridge, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(paho.Client) {
		log.Infof("telemetry bridge connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("telemetry bridge connection lost: %v", err)
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "dispatch"
	}
	b := &Bridge{
		cli:    c,
		bus:    bus,
		sub:    bus.Subscribe(),
		prefix: prefix,
		qos:    cfg.QoS,
		log:    log,
	}
	b.wg.Add(1)
	go b.run()
	return b, nil
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for ev := range b.sub {
		topic, ok := b.topicFor(ev)
		if !ok {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			b.log.Errorf("encode telemetry event: %v", err)
			continue
		}
		token := b.cli.Publish(topic, b.qos, false, payload)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.log.Errorf("publish %s: %v", topic, token.Error())
		}
	}
}

func (b *Bridge) topicFor(ev eventbus.Event) (string, bool) {
	switch e := ev.(type) {
	case events.RideRequested:
		return b.prefix + "/rides/requested", true
	case events.RideConfirmed:
		return b.prefix + "/rides/confirmed", true
	case events.RideCompleted:
		return b.prefix + "/rides/completed", true
	case events.RideCancelled:
		return b.prefix + "/rides/cancelled", true
	case events.DriverOffline:
		return b.prefix + "/rides/driver_offline", true
	case events.DriverLocation:
		return fmt.Sprintf("%s/drivers/%s/location", b.prefix, e.DriverID), true
	default:
		return "", false
	}
}

// Close stops forwarding and disconnects from the broker.
func (b *Bridge) Close() {
	b.once.Do(func() {
		b.bus.Unsubscribe(b.sub)
		b.wg.Wait()
		if b.cli != nil && b.cli.IsConnected() {
			b.cli.Disconnect(250)
		}
	})
}
