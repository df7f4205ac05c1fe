package emitter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/babelcloud/livedetect/config"
	"github.com/babelcloud/livedetect/internal/vision/core"
	"github.com/babelcloud/livedetect/internal/vision/pipeline"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mqtt.Client

	connectErr error
	publishErr error

	mu        sync.Mutex
	connected bool
	messages  []message
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = c.connectErr == nil
	return doneToken{err: c.connectErr}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil {
		c.messages = append(c.messages, message{topic: topic, qos: qos, payload: payload.([]byte)})
	}
	return doneToken{err: c.publishErr}
}

func (c *fakeClient) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func testConfig(encoding string) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:  true,
		Broker:   "localhost:1883",
		Topic:    "livedetect/detections",
		ClientID: "test",
		Encoding: encoding,
		QoS:      1,
	}
}

func event(seq uint64) core.DetectionEvent {
	return core.DetectionEvent{
		SessionID: "s1",
		Sequence:  seq,
		Width:     640,
		Height:    480,
		Detections: []core.Detection{{
			ClassID:    2,
			Label:      "car",
			Confidence: 0.8,
			Box:        core.Box{X: 1, Y: 2, Width: 30, Height: 40},
		}},
	}
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", BrokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", BrokerURL("ssl://broker:8883"))
}

func TestPublishRequiresConnection(t *testing.T) {
	e := NewWithClient(testConfig(config.EncodingJSON), &fakeClient{})
	assert.ErrorIs(t, e.Publish(event(1)), ErrNotConnected)
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestConnectFailure(t *testing.T) {
	e := NewWithClient(testConfig(config.EncodingJSON), &fakeClient{connectErr: errors.New("refused")})
	err := e.Connect(context.Background())
	assert.ErrorContains(t, err, "refused")
	assert.False(t, e.Stats().Connected)
}

func TestPublishJSON(t *testing.T) {
	client := &fakeClient{}
	e := NewWithClient(testConfig(config.EncodingJSON), client)
	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.Publish(event(7)))

	sent := client.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "livedetect/detections", sent[0].topic)
	assert.Equal(t, byte(1), sent[0].qos)

	var got core.DetectionEvent
	require.NoError(t, json.Unmarshal(sent[0].payload, &got))
	assert.Equal(t, uint64(7), got.Sequence)
	require.Len(t, got.Detections, 1)
	assert.Equal(t, "car", got.Detections[0].Label)

	st := e.Stats()
	assert.True(t, st.Connected)
	assert.Equal(t, uint64(1), st.Published)
}

func TestPublishMsgpack(t *testing.T) {
	client := &fakeClient{}
	e := NewWithClient(testConfig(config.EncodingMsgpack), client)
	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.Publish(event(3)))

	var got core.DetectionEvent
	require.NoError(t, msgpack.Unmarshal(client.sent()[0].payload, &got))
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, 640, got.Width)
}

func TestPublishError(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("quota")}
	e := NewWithClient(testConfig(config.EncodingJSON), client)
	require.NoError(t, e.Connect(context.Background()))
	assert.ErrorContains(t, e.Publish(event(1)), "quota")
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestRunForwardsHubEvents(t *testing.T) {
	client := &fakeClient{}
	e := NewWithClient(testConfig(config.EncodingJSON), client)
	require.NoError(t, e.Connect(context.Background()))

	hub := pipeline.NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx, hub)
	}()

	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, time.Millisecond)
	hub.Publish(event(1))
	hub.Publish(event(2))
	require.Eventually(t, func() bool { return len(client.sent()) == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, hub.SubscriberCount())

	e.Disconnect()
	assert.False(t, client.IsConnected())
}

func TestRunStopsWhenHubCloses(t *testing.T) {
	e := NewWithClient(testConfig(config.EncodingJSON), &fakeClient{})
	hub := pipeline.NewEventHub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(context.Background(), hub)
	}()
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, time.Millisecond)
	hub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the hub closed")
	}
}

func TestGeneratedClientID(t *testing.T) {
	cfg := testConfig(config.EncodingJSON)
	cfg.ClientID = ""
	e := NewMQTTEmitter(cfg)
	assert.Regexp(t, `^livedetect-[a-z0-9]{8}$`, e.cfg.ClientID)
}
