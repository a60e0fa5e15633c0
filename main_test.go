package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pwurbs/pylon2mqtt/pylon"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic    string
	payload  string
	retained bool
}

// fakeClient records publishes. Methods not overridden panic via the nil
// embedded interface.
type fakeClient struct {
	mqtt.Client

	mu            sync.Mutex
	connected     bool
	publishErr    error
	messages      []fakeMessage
	subscriptions []string
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = append(c.subscriptions, topic)
	return &fakeToken{}
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil {
		c.messages = append(c.messages, fakeMessage{topic: topic, payload: string(payload.([]byte)), retained: retained})
	}
	return &fakeToken{err: c.publishErr}
}

func (c *fakeClient) published() []fakeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeMessage(nil), c.messages...)
}

func newTestPublisher() (*mqttPublisher, *fakeClient) {
	client := &fakeClient{connected: true}
	return newMQTTPublisher(client, "PylonToMQTT/My Bank", "abc123", "My Bank"), client
}

func TestPublisherTopics(t *testing.T) {
	p, client := newTestPublisher()

	require.True(t, p.Publish("readings/Pack1", []byte(`{}`), false))
	require.True(t, p.PublishDiscovery("Pack1", []byte(`{"d":1}`)))
	p.Online()
	p.Offline()

	assert.Equal(t, []fakeMessage{
		{"PylonToMQTT/My Bank/stat/readings/Pack1", `{}`, false},
		{"homeassistant/device/My_Bank_Pack1/config", `{"d":1}`, true},
		{"PylonToMQTT/My Bank/tele/LWT", "Online", true},
		{"PylonToMQTT/My Bank/tele/LWT", "Offline", true},
	}, client.published())
}

func TestPublisherReportsFailures(t *testing.T) {
	p, client := newTestPublisher()
	client.connected = false
	assert.False(t, p.Publish("info/Pack1", []byte(`{}`), true))

	client.connected = true
	client.publishErr = errors.New("not authorized")
	assert.False(t, p.PublishDiscovery("Pack1", []byte(`{}`)))
	assert.Empty(t, client.published())
}

func TestPublisherRepublishesOnlineAfterReconnect(t *testing.T) {
	p, client := newTestPublisher()
	p.republishOnline()
	assert.Empty(t, client.published(), "not online yet")

	p.Online()
	p.republishOnline()
	assert.Len(t, client.published(), 2)
}

func TestOnMQTTConnectWakesAndResubscribes(t *testing.T) {
	p, client := newTestPublisher()
	publisher = p
	rateMgr = NewPublishRateManager(2*time.Second, false)
	for i := 0; i < WakeCount; i++ {
		rateMgr.CycleComplete()
	}
	require.Equal(t, SnoozePublishRate, rateMgr.CurrentRate())
	p.Online()

	onMQTTConnect(client)

	assert.Equal(t, 2*time.Second, rateMgr.CurrentRate())
	assert.Equal(t, []string{"PylonToMQTT/My Bank/cmnd/#"}, client.subscriptions)
	assert.Equal(t, []fakeMessage{
		{"PylonToMQTT/My Bank/tele/LWT", "Online", true},
		{"PylonToMQTT/My Bank/tele/LWT", "Online", true},
	}, client.published())
}

func TestTopicSafe(t *testing.T) {
	assert.Equal(t, "Bank_1-a_b", topicSafe("Bank 1-a/b"))
	assert.Equal(t, "pylon2mqtt_Bank1", clientID("Bank1"))
}

// packCountStack answers only the pack count query; everything else times out.
type packCountStack struct {
	mu       sync.Mutex
	pending  bytes.Buffer
	requests int
	readErr  error
}

func (s *packCountStack) Write(p []byte) (int, error) {
	f, err := pylon.ParseFrame(p)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if pylon.CommandToken(f.CID2) == pylon.CmdPackCount {
		var c pylon.Codec
		resp, err := c.EncodeCommand(f.Address, pylon.CommandToken(pylon.RespNormal), hex.EncodeToString([]byte{1}))
		if err != nil {
			return 0, err
		}
		s.pending.Write(resp)
	}
	return len(p), nil
}

func (s *packCountStack) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.pending.Len() == 0 {
		return 0, nil
	}
	return s.pending.Read(p)
}

func (s *packCountStack) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func newTestLoop(stream *packCountStack) (*pylon.Sequencer, *pylon.FrameReceiver, *fakeClient) {
	pub, client := newTestPublisher()
	rx := pylon.NewFrameReceiver(stream, 0)
	rx.PollInterval = time.Millisecond
	return pylon.NewSequencer(&pylon.Codec{}, rx, pub), rx, client
}

func TestPollLoopStops(t *testing.T) {
	stream := &packCountStack{}
	seq, rx, client := newTestLoop(stream)
	rate := NewPublishRateManager(10*time.Millisecond, true)

	stop := make(chan struct{})
	result := make(chan error, 1)
	go func() { result <- pollLoop(seq, rx, rate, 5*time.Millisecond, stop) }()

	// pack count plus at least one full cycle of four commands
	require.Eventually(t, func() bool { return stream.requestCount() >= 6 }, 2*time.Second, 5*time.Millisecond)
	close(stop)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pollLoop did not stop")
	}
	assert.Equal(t, 1, seq.Registry().Len())
	assert.Contains(t, client.published(), fakeMessage{"PylonToMQTT/My Bank/tele/LWT", "Online", true})
}

func TestPollLoopReturnsStreamError(t *testing.T) {
	stream := &packCountStack{readErr: errors.New("device unplugged")}
	seq, rx, _ := newTestLoop(stream)

	err := pollLoop(seq, rx, NewPublishRateManager(time.Second, true), 5*time.Millisecond, make(chan struct{}))
	require.EqualError(t, err, "device unplugged")
	assert.Equal(t, 1, stream.requestCount())
}

func TestSleepOrStop(t *testing.T) {
	stop := make(chan struct{})
	assert.False(t, sleepOrStop(stop, time.Millisecond))
	close(stop)
	assert.True(t, sleepOrStop(stop, time.Hour))
}
