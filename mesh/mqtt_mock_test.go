package mesh

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// received collects messages handed to a subscription callback
type received struct {
	mu   sync.Mutex
	msgs []mqtt.Message
}

func (r *received) handler(_ mqtt.Client, msg mqtt.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *received) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Topic()
	}
	return out
}

func TestMockClient_Connect(t *testing.T) {
	mock := NewMockClient()

	token := mock.Connect()
	if !token.WaitTimeout(time.Second) {
		t.Error("Connect should complete immediately")
	}
	if token.Error() != nil {
		t.Errorf("Connect error = %v, want nil", token.Error())
	}
	if !mock.IsConnected() || !mock.IsConnectionOpen() {
		t.Error("client should be connected after Connect()")
	}
	select {
	case <-token.Done():
	default:
		t.Error("Done() should be closed")
	}
}

func TestMockClient_ConnectWithError(t *testing.T) {
	mock := NewMockClient()
	wantErr := errors.New("connection refused")
	mock.SetConnectError(wantErr)

	called := make(chan struct{}, 1)
	mock.SetOnConnect(func(mqtt.Client) { called <- struct{}{} })

	if err := mock.Connect().Error(); err != wantErr {
		t.Errorf("Connect error = %v, want %v", err, wantErr)
	}
	if mock.IsConnected() {
		t.Error("client should not be connected after a failed Connect()")
	}
	select {
	case <-called:
		t.Error("OnConnect ran after a failed connect")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMockClient_OnConnectHandler(t *testing.T) {
	mock := NewMockClient()
	called := make(chan bool, 1)
	mock.SetOnConnect(func(c mqtt.Client) { called <- c.IsConnected() })

	mock.Connect()
	select {
	case connected := <-called:
		if !connected {
			t.Error("OnConnect ran before the client was connected")
		}
	case <-time.After(time.Second):
		t.Fatal("OnConnect handler was not called")
	}
}

func TestMockClient_PublishOrder(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	mock.Publish("landmesh/skull-a/transform", 1, true, []byte(`{"object":"skull-a"}`))
	mock.Publish("landmesh/alignment", 0, false, `{"runId":"r1"}`)

	want := []MockMessage{
		{Topic: "landmesh/skull-a/transform", Payload: []byte(`{"object":"skull-a"}`), QoS: 1, Retain: true},
		{Topic: "landmesh/alignment", Payload: []byte(`{"runId":"r1"}`), QoS: 0, Retain: false},
	}
	if got := mock.Published(); !reflect.DeepEqual(got, want) {
		t.Errorf("Published() = %+v, want %+v", got, want)
	}

	// The returned slice is a copy
	got := mock.Published()
	got[0].Topic = "changed"
	if mock.Published()[0].Topic != "landmesh/skull-a/transform" {
		t.Error("Published() exposed the internal log")
	}
}

func TestMockClient_PublishFailures(t *testing.T) {
	mock := NewMockClient()

	if err := mock.Publish("landmesh/alignment", 0, true, []byte("x")).Error(); err != mqtt.ErrNotConnected {
		t.Errorf("disconnected Publish error = %v, want ErrNotConnected", err)
	}

	mock.SetConnected(true)
	wantErr := errors.New("broker rejected")
	mock.SetPublishError(wantErr)
	if err := mock.Publish("landmesh/alignment", 0, true, []byte("x")).Error(); err != wantErr {
		t.Errorf("Publish error = %v, want %v", err, wantErr)
	}

	if n := len(mock.Published()); n != 0 {
		t.Errorf("failed publishes were logged: %d messages", n)
	}
	if topics := mock.RetainedTopics(); len(topics) != 0 {
		t.Errorf("failed publishes were retained: %v", topics)
	}
}

func TestMockClient_RetainedStore(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	mock.Publish("landmesh/skull-a/transform", 0, true, []byte("v1"))
	mock.Publish("landmesh/skull-a/transform", 0, true, []byte("v2"))
	mock.Publish("landmesh/skull-b/transform", 0, true, []byte("b"))
	mock.Publish("landmesh/alignment", 0, false, []byte("not retained"))

	msg, ok := mock.Retained("landmesh/skull-a/transform")
	if !ok || string(msg.Payload) != "v2" {
		t.Errorf("Retained(skull-a) = %q, %v; want v2", msg.Payload, ok)
	}
	if _, ok := mock.Retained("landmesh/alignment"); ok {
		t.Error("non-retained publish landed in the retained store")
	}

	// An empty retained payload clears the topic
	mock.Publish("landmesh/skull-a/transform", 0, true, []byte{})
	want := []string{"landmesh/skull-b/transform"}
	if got := mock.RetainedTopics(); !reflect.DeepEqual(got, want) {
		t.Errorf("RetainedTopics() = %v, want %v", got, want)
	}

	last, ok := mock.LastMessage("landmesh/skull-a/transform")
	if !ok || len(last.Payload) != 0 {
		t.Errorf("LastMessage(skull-a) = %q, %v; want the empty clear", last.Payload, ok)
	}
	if _, ok := mock.LastMessage("landmesh/unknown"); ok {
		t.Error("LastMessage found a topic that was never published")
	}
}

func TestMockClient_SubscribeReplaysRetained(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.Publish("landmesh/skull-b/transform", 0, true, []byte("b"))
	mock.Publish("landmesh/skull-a/transform", 0, true, []byte("a"))
	mock.Publish("landmesh/alignment", 0, true, []byte("summary"))

	var r received
	if err := mock.Subscribe("landmesh/+/transform", 1, r.handler).Error(); err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}

	want := []string{"landmesh/skull-a/transform", "landmesh/skull-b/transform"}
	if got := r.topics(); !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed topics = %v, want %v", got, want)
	}
	for _, msg := range r.msgs {
		if !msg.Retained() || msg.Qos() != 1 {
			t.Errorf("replayed %s: retained=%v qos=%d, want retained at the subscription QoS", msg.Topic(), msg.Retained(), msg.Qos())
		}
	}

	// Live messages arrive without the retained flag
	mock.Publish("landmesh/skull-c/transform", 0, true, []byte("c"))
	if n := len(r.topics()); n != 3 {
		t.Fatalf("got %d messages after a live publish, want 3", n)
	}
	if live := r.msgs[2]; live.Retained() || string(live.Payload()) != "c" {
		t.Errorf("live message retained=%v payload=%q", live.Retained(), live.Payload())
	}
}

func TestMockClient_SubscribeFailures(t *testing.T) {
	mock := NewMockClient()
	if err := mock.Subscribe("landmesh/#", 0, nil).Error(); err != mqtt.ErrNotConnected {
		t.Errorf("disconnected Subscribe error = %v, want ErrNotConnected", err)
	}

	mock.SetConnected(true)
	wantErr := errors.New("not authorized")
	mock.SetSubscribeError(wantErr)
	if err := mock.Subscribe("landmesh/#", 0, nil).Error(); err != wantErr {
		t.Errorf("Subscribe error = %v, want %v", err, wantErr)
	}
	if topics := mock.SubscribedTopics(); len(topics) != 0 {
		t.Errorf("failed subscribe registered %v", topics)
	}
}

func TestMockClient_SimulateMessage(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	var snapshots, commands received
	mock.Subscribe("landmesh/snapshot/+", 0, snapshots.handler)
	mock.Subscribe("landmesh/align/command", 0, commands.handler)

	mock.SimulateMessage("landmesh/snapshot/skull-b", []byte(`{"name":"skull-b"}`))
	mock.SimulateMessage("landmesh/align/command", []byte(`{}`))
	mock.SimulateMessage("other/topic", []byte(`{}`))

	if got := snapshots.topics(); !reflect.DeepEqual(got, []string{"landmesh/snapshot/skull-b"}) {
		t.Errorf("snapshot handler got %v", got)
	}
	if got := commands.topics(); !reflect.DeepEqual(got, []string{"landmesh/align/command"}) {
		t.Errorf("command handler got %v", got)
	}
	if n := len(mock.Published()); n != 0 {
		t.Errorf("SimulateMessage logged %d publishes", n)
	}
}

func TestMockClient_UnsubscribeAndDisconnect(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	var r received
	mock.SubscribeMultiple(map[string]byte{"landmesh/a": 0, "landmesh/b": 0}, r.handler)
	if got := mock.SubscribedTopics(); !reflect.DeepEqual(got, []string{"landmesh/a", "landmesh/b"}) {
		t.Fatalf("SubscribedTopics() = %v", got)
	}

	mock.Unsubscribe("landmesh/a")
	mock.SimulateMessage("landmesh/a", nil)
	mock.SimulateMessage("landmesh/b", nil)
	if got := r.topics(); !reflect.DeepEqual(got, []string{"landmesh/b"}) {
		t.Errorf("after Unsubscribe got %v", got)
	}

	mock.Publish("landmesh/b", 0, true, []byte("kept"))
	mock.Disconnect(250)
	if mock.IsConnected() {
		t.Error("client should be disconnected")
	}
	if _, ok := mock.Retained("landmesh/b"); !ok {
		t.Error("retained message should survive a disconnect")
	}
	if got := mock.SubscribedTopics(); !reflect.DeepEqual(got, []string{"landmesh/b"}) {
		t.Errorf("subscriptions after Disconnect = %v", got)
	}
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"landmesh/alignment", "landmesh/alignment", true},
		{"landmesh/alignment", "landmesh/alignments", false},
		{"landmesh/+/transform", "landmesh/skull-a/transform", true},
		{"landmesh/+/transform", "landmesh/skull-a/b/transform", false},
		{"landmesh/+", "landmesh", false},
		{"landmesh/#", "landmesh/skull-a/transform", true},
		{"landmesh/#", "landmesh", true},
		{"#", "anything/at/all", true},
		{"landmesh/snapshot/+", "landmesh/snapshot/", true},
		{"landmesh/snapshot", "landmesh/snapshot/skull-a", false},
	}

	for _, tt := range tests {
		if got := topicMatches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestMockClient_WithPublisher(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	mock.SetConnected(true)

	publisher := NewPublisher(mock, "lab")
	oa := ObjectAlignment{Name: "skull-b", Transform: sampleTransform(1), RMSE: 0.25}
	if err := publisher.PublishTransform("run-1", oa); err != nil {
		t.Fatalf("PublishTransform error = %v", err)
	}

	// A late subscriber sees the current transform
	var r received
	mock.Subscribe("lab/+/transform", 0, r.handler)
	if len(r.msgs) != 1 {
		t.Fatalf("late subscriber got %d messages, want 1", len(r.msgs))
	}
	var got TransformMessage
	if err := json.Unmarshal(r.msgs[0].Payload(), &got); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if got.Object != "skull-b" || got.RunID != "run-1" || got.RMSE != 0.25 {
		t.Errorf("message = %+v", got)
	}
}

func TestMockClient_ConcurrentOperations(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				mock.Publish("landmesh/alignment", 0, j%2 == 0, []byte("run"))
				mock.Subscribe("landmesh/#", 0, func(mqtt.Client, mqtt.Message) {})
				mock.SimulateMessage("landmesh/snapshot/skull-a", []byte("{}"))
				_ = mock.RetainedTopics()
			}
		}()
	}
	wg.Wait()

	if n := len(mock.Published()); n != 500 {
		t.Errorf("Published() has %d messages, want 500", n)
	}
}

func BenchmarkMockClient_Publish(b *testing.B) {
	mock := NewMockClient()
	mock.SetConnected(true)
	payload := []byte(`{"object":"skull-a"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mock.Publish("landmesh/skull-a/transform", 0, true, payload)
	}
}

func BenchmarkTopicMatches(b *testing.B) {
	for i := 0; i < b.N; i++ {
		topicMatches("landmesh/+/transform", "landmesh/skull-a/transform")
	}
}
