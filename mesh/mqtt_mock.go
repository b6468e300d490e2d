package mesh

import (
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockClient is an in-memory mqtt.Client for tests. It behaves like a
// client attached to a single-client broker: published messages are logged
// and delivered to matching subscriptions, retained messages are kept per
// topic (an empty retained payload clears the topic), and a new
// subscription first receives the retained messages it matches.
type MockClient struct {
	mu             sync.RWMutex
	connected      bool
	connectError   error
	publishError   error
	subscribeError error
	onConnect      mqtt.OnConnectHandler
	subscriptions  map[string]mqtt.MessageHandler // topic filter -> handler
	published      []MockMessage
	retained       map[string]MockMessage
}

// MockMessage is one message published through a MockClient
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// NewMockClient creates a disconnected mock client
func NewMockClient() *MockClient {
	return &MockClient{
		subscriptions: make(map[string]mqtt.MessageHandler),
		retained:      make(map[string]MockMessage),
	}
}

// SetConnected sets the connection state
func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// SetConnectError makes Connect fail with err
func (c *MockClient) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectError = err
}

// SetPublishError makes Publish fail with err
func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishError = err
}

// SetSubscribeError makes Subscribe fail with err
func (c *MockClient) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeError = err
}

// SetOnConnect registers the handler Connect invokes after a successful connect
func (c *MockClient) SetOnConnect(handler mqtt.OnConnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = handler
}

// Published returns every message published so far, in order
func (c *MockClient) Published() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MockMessage, len(c.published))
	copy(out, c.published)
	return out
}

// LastMessage returns the most recent message published to topic
func (c *MockClient) LastMessage(topic string) (MockMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].Topic == topic {
			return c.published[i], true
		}
	}
	return MockMessage{}, false
}

// Retained returns the message the broker would hand a new subscriber of topic
func (c *MockClient) Retained(topic string) (MockMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, ok := c.retained[topic]
	return msg, ok
}

// RetainedTopics returns the topics holding a retained message, sorted
func (c *MockClient) RetainedTopics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.retained)
}

// SubscribedTopics returns the subscribed topic filters, sorted
func (c *MockClient) SubscribedTopics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.subscriptions)
}

// SimulateMessage delivers a message from another client to every matching
// subscription
func (c *MockClient) SimulateMessage(topic string, payload []byte) {
	c.deliver(&mockMessage{topic: topic, payload: payload})
}

func (c *MockClient) deliver(msg *mockMessage) {
	c.mu.RLock()
	var handlers []mqtt.MessageHandler
	for filter, handler := range c.subscriptions {
		if handler != nil && topicMatches(filter, msg.topic) {
			handlers = append(handlers, handler)
		}
	}
	c.mu.RUnlock()

	for _, handler := range handlers {
		handler(c, msg)
	}
}

// IsConnected returns the connection status
func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// IsConnectionOpen returns whether the connection is open
func (c *MockClient) IsConnectionOpen() bool {
	return c.IsConnected()
}

// Connect connects unless a connect error is set, then runs the OnConnect handler
func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	err := c.connectError
	if err == nil {
		c.connected = true
	}
	onConnect := c.onConnect
	c.mu.Unlock()

	if err == nil && onConnect != nil {
		go onConnect(c)
	}
	return &mockToken{err: err}
}

// Disconnect drops the connection; subscriptions and retained messages survive
func (c *MockClient) Disconnect(quiesce uint) {
	c.SetConnected(false)
}

// Publish logs the message, updates the retained store and delivers it to
// matching subscriptions
func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}

	c.mu.Lock()
	switch {
	case !c.connected:
		c.mu.Unlock()
		return &mockToken{err: mqtt.ErrNotConnected}
	case c.publishError != nil:
		err := c.publishError
		c.mu.Unlock()
		return &mockToken{err: err}
	}
	msg := MockMessage{Topic: topic, Payload: data, QoS: qos, Retain: retained}
	c.published = append(c.published, msg)
	if retained {
		if len(data) == 0 {
			delete(c.retained, topic)
		} else {
			c.retained[topic] = msg
		}
	}
	c.mu.Unlock()

	c.deliver(&mockMessage{topic: topic, payload: data, qos: qos})
	return &mockToken{}
}

// Subscribe registers callback for a topic filter (+ and # wildcards) and
// replays the retained messages it matches
func (c *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

// SubscribeMultiple registers callback for every filter
func (c *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	switch {
	case !c.connected:
		c.mu.Unlock()
		return &mockToken{err: mqtt.ErrNotConnected}
	case c.subscribeError != nil:
		err := c.subscribeError
		c.mu.Unlock()
		return &mockToken{err: err}
	}
	var replay []*mockMessage
	for filter, qos := range filters {
		c.subscriptions[filter] = callback
		for topic, msg := range c.retained {
			if topicMatches(filter, topic) {
				replay = append(replay, &mockMessage{topic: topic, payload: msg.Payload, qos: qos, retained: true})
			}
		}
	}
	c.mu.Unlock()

	sort.Slice(replay, func(i, j int) bool { return replay[i].topic < replay[j].topic })
	if callback != nil {
		for _, msg := range replay {
			callback(c, msg)
		}
	}
	return &mockToken{}
}

// Unsubscribe removes topic filters
func (c *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	return &mockToken{}
}

// AddRoute registers a handler without subscribing
func (c *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = callback
}

// OptionsReader returns empty client options
func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// topicMatches reports whether topic matches an MQTT topic filter
func topicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		switch {
		case f == "#":
			return true
		case i >= len(ts):
			return false
		case f != "+" && f != ts[i]:
			return false
		}
	}
	return len(fs) == len(ts)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mockToken is an already completed mqtt.Token
type mockToken struct{ err error }

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// mockMessage implements mqtt.Message
type mockMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return m.qos }
func (m *mockMessage) Retained() bool    { return m.retained }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
