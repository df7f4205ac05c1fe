// Package emitter forwards detection events to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/babelcloud/livedetect/config"
	"github.com/babelcloud/livedetect/internal/util"
	"github.com/babelcloud/livedetect/internal/vision/core"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	subscriberID   = "mqtt-emitter"
)

// ErrNotConnected is returned by Publish before Connect succeeded or while
// the client is reconnecting.
var ErrNotConnected = errors.New("mqtt not connected")

// Source is where the emitter takes events from.
type Source interface {
	Subscribe(subscriberID string, bufferSize int) <-chan core.DetectionEvent
	Unsubscribe(subscriberID string)
}

// MQTTEmitter publishes detection events to a single topic.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Topic     string `json:"topic"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// NewMQTTEmitter creates an emitter backed by a paho client. Nothing is
// dialled until Connect.
func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	if cfg.ClientID == "" {
		cfg.ClientID = "livedetect-" + strings.ToLower(uniuri.NewLen(8))
	}
	e := &MQTTEmitter{cfg: cfg, logger: util.ComponentLogger("mqtt")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("MQTT connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("MQTT connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}
	e.client = mqtt.NewClient(opts)
	return e
}

// NewWithClient creates an emitter around an existing client.
func NewWithClient(cfg config.MQTTConfig, client mqtt.Client) *MQTTEmitter {
	return &MQTTEmitter{cfg: cfg, client: client, logger: util.ComponentLogger("mqtt")}
}

// BrokerURL adds the tcp scheme to a bare host:port.
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect dials the broker and waits for the first connection.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	e.logger.Info("Connecting to MQTT broker", "broker", e.cfg.Broker, "topic", e.cfg.Topic)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return errors.Errorf("mqtt connection to %s timed out", e.cfg.Broker)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "mqtt connect")
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "mqtt connection to %s failed", e.cfg.Broker)
	}
	e.setConnected(true)
	return nil
}

// Marshal encodes an event with the configured encoding.
func (e *MQTTEmitter) Marshal(event core.DetectionEvent) ([]byte, error) {
	switch e.cfg.Encoding {
	case config.EncodingMsgpack:
		return msgpack.Marshal(event)
	default:
		return json.Marshal(event)
	}
}

// Publish sends one event and waits for the broker to accept it.
func (e *MQTTEmitter) Publish(event core.DetectionEvent) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := e.Marshal(event)
	if err != nil {
		e.countError()
		return errors.Wrap(err, "failed to marshal detection event")
	}

	token := e.client.Publish(e.cfg.Topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return errors.Wrap(err, "publish failed")
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.logger.Debug("Detection event published", "topic", e.cfg.Topic, "seq", event.Sequence, "size", len(payload))
	return nil
}

// Run forwards events from src until ctx is done or src closes the
// subscription. Publish failures are logged and the event is dropped.
func (e *MQTTEmitter) Run(ctx context.Context, src Source) {
	events := src.Subscribe(subscriberID, 64)
	defer src.Unsubscribe(subscriberID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := e.Publish(ev); err != nil {
				e.logger.Debug("Dropping detection event", "seq", ev.Sequence, "error", err)
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("MQTT disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.connected,
		Broker:    e.cfg.Broker,
		Topic:     e.cfg.Topic,
		Published: e.published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(c bool) {
	e.mu.Lock()
	e.connected = c
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
