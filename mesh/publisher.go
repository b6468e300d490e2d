package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPublishPrefix is the topic prefix used when none is configured
const DefaultPublishPrefix = "landmesh"

// TransformMessage is the retained per-object payload on {prefix}/{object}/transform
type TransformMessage struct {
	Object        string     `json:"object"`
	RunID         string     `json:"runId"`
	Scale         float64    `json:"scale"`
	Rotation      Matrix3    `json:"rotation"`
	Translation   [3]float64 `json:"translation"`
	Matrix        Matrix4    `json:"matrix"`
	RotationAngle float64    `json:"rotationAngle"` // degrees
	Reflection    bool       `json:"reflection"`
	RMSE          float64    `json:"rmse"`
	Timestamp     int64      `json:"timestamp"`
}

// AlignmentSummary is the payload on {prefix}/alignment
type AlignmentSummary struct {
	RunID      string        `json:"runId"`
	Mode       AlignmentMode `json:"mode"`
	Reference  string        `json:"reference,omitempty"`
	Objects    []string      `json:"objects"`
	Landmarks  int           `json:"landmarks"`
	Iterations int           `json:"iterations"`
	Converged  bool          `json:"converged"`
	Residual   float64       `json:"residual"`
	Timestamp  int64         `json:"timestamp"`
}

// NewTransformMessage builds the payload for one object of a run
func NewTransformMessage(runID string, oa ObjectAlignment) *TransformMessage {
	return &TransformMessage{
		Object:        oa.Name,
		RunID:         runID,
		Scale:         oa.Transform.Scale,
		Rotation:      oa.Transform.Rotation,
		Translation:   vecToArray(oa.Transform.Translation),
		Matrix:        oa.Transform.Matrix4(),
		RotationAngle: oa.Transform.RotationAngle(),
		Reflection:    oa.Transform.IsReflection(),
		RMSE:          oa.RMSE,
		Timestamp:     time.Now().Unix(),
	}
}

// NewAlignmentSummary builds the run summary payload
func NewAlignmentSummary(result *AlignmentResult) *AlignmentSummary {
	s := &AlignmentSummary{
		RunID:      result.RunID,
		Mode:       result.Mode,
		Reference:  result.Reference,
		Objects:    make([]string, len(result.Objects)),
		Landmarks:  len(result.Landmarks),
		Iterations: result.Iterations,
		Converged:  result.Converged,
		Timestamp:  time.Now().Unix(),
	}
	for i, oa := range result.Objects {
		s.Objects[i] = oa.Name
	}
	if n := len(result.Residuals); n > 0 {
		s.Residual = result.Residuals[n-1]
	}
	return s
}

// Publisher publishes alignment results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	transforms    map[string]*TransformMessage
	mu            sync.RWMutex
}

// NewPublisher creates a new transform publisher.
// The prefix comes from MQTT_PUBLISH_PREFIX, then prefix, then DefaultPublishPrefix.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true, // Retain so late subscribers get the current transform
		transforms:    make(map[string]*TransformMessage),
	}
}

// Prefix returns the topic prefix in use
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishAlignment publishes every object's transform and then the run summary
func (p *Publisher) PublishAlignment(result *AlignmentResult) error {
	if result == nil {
		return fmt.Errorf("alignment result is nil")
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	for _, oa := range result.Objects {
		if err := p.PublishTransform(result.RunID, oa); err != nil {
			log.Printf("Error publishing transform for %s: %v", oa.Name, err)
			return err
		}
	}

	if err := p.publishSummary(NewAlignmentSummary(result)); err != nil {
		log.Printf("Error publishing alignment summary: %v", err)
		return err
	}
	return nil
}

// PublishTransform publishes a single object's transform to {prefix}/{object}/transform
func (p *Publisher) PublishTransform(runID string, oa ObjectAlignment) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	msg := NewTransformMessage(runID, oa)

	p.mu.Lock()
	p.transforms[oa.Name] = msg
	p.mu.Unlock()

	topic := fmt.Sprintf("%s/%s/transform", p.publishPrefix, oa.Name)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling transform: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published transform for %s: scale=%.4f angle=%.1f° rmse=%.4g",
		oa.Name, msg.Scale, msg.RotationAngle, msg.RMSE)
	return nil
}

// publishSummary publishes the run summary to {prefix}/alignment
func (p *Publisher) publishSummary(summary *AlignmentSummary) error {
	topic := fmt.Sprintf("%s/alignment", p.publishPrefix)

	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling alignment summary: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// GetTransform returns the last published transform for an object
func (p *Publisher) GetTransform(name string) (*TransformMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msg, ok := p.transforms[name]
	return msg, ok
}

// PublishedObjects returns the names of all objects with a published transform
func (p *Publisher) PublishedObjects() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.transforms))
	for name := range p.transforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearTransform forgets an object's published transform (e.g., when removed).
// When connected it also publishes an empty retained payload so the broker
// stops handing the stale transform to new subscribers.
func (p *Publisher) ClearTransform(name string) error {
	p.mu.Lock()
	delete(p.transforms, name)
	p.mu.Unlock()

	if p.client == nil || !p.client.IsConnected() || !p.retain {
		return nil
	}
	topic := fmt.Sprintf("%s/%s/transform", p.publishPrefix, name)
	token := p.client.Publish(topic, p.qos, true, []byte{})
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("clearing %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
