package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// AlignCommandHandler is called when an align command arrives on the command topic
type AlignCommandHandler func(overrides AlignOverrides)

// MQTTClient manages MQTT connection and subscriptions for object snapshots
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	messageHandler MessageHandler
	commandHandler AlignCommandHandler
	isConnected    bool
	mu             sync.RWMutex
}

// MessageHandler is called when an object snapshot is received
// Parameters: objectName, rawPayload, snapshot, error
type MessageHandler func(objectName string, rawPayload []byte, snapshot *ObjectFile, err error)

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client with the provided configuration
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this returns nil
func InitMQTT(config *Config, handler MessageHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	// Check if MQTT is enabled via env var or config
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Objects) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no object configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "landmesh"
	}
	opts.SetClientID(clientID)

	// Authentication
	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	// Connection settings
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every configured object topic and the align command topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to object topics...")
	c.setConnected(true)

	for _, obj := range c.config.Objects {
		if obj.Topic == "" {
			continue
		}

		log.Printf("Subscribing to %s for object %s", obj.Topic, obj.Name)
		token := client.Subscribe(obj.Topic, 0, c.createMessageHandler(obj.Name))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("Error subscribing to %s: %v", obj.Topic, token.Error())
		} else {
			log.Printf("Successfully subscribed to %s", obj.Topic)
		}
	}

	topic := c.CommandTopic()
	token := client.Subscribe(topic, 0, c.createCommandHandler())
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", topic, token.Error())
	} else {
		log.Printf("Successfully subscribed to %s", topic)
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// createMessageHandler creates a handler function for a specific object's topic
func (c *MQTTClient) createMessageHandler(objectName string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("Received snapshot for %s (topic: %s, size: %d bytes)",
			objectName, msg.Topic(), len(payload))

		snapshot, err := DecodeObjectPayload(payload)
		if err != nil {
			log.Printf("Error decoding snapshot for %s: %v", objectName, err)
			if c.messageHandler != nil {
				c.messageHandler(objectName, payload, nil, err)
			}
			return
		}

		// The topic decides which object the snapshot belongs to
		snapshot.Name = objectName

		if c.messageHandler != nil {
			c.messageHandler(objectName, payload, snapshot, nil)
		}
	}
}

// CommandTopic returns the topic that triggers a realignment:
// "{publishPrefix}/align/set"
func (c *MQTTClient) CommandTopic() string {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" && c.config != nil {
		prefix = c.config.MQTT.PublishPrefix
	}
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return prefix + "/align/set"
}

// SetAlignCommandHandler registers a callback that is invoked on align commands
func (c *MQTTClient) SetAlignCommandHandler(handler AlignCommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandHandler = handler
}

func (c *MQTTClient) getAlignCommandHandler() AlignCommandHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commandHandler
}

// ParseAlignCommand accepts a JSON object with override fields, or the plain
// word "align" (raw or as a JSON string) for a run with the configured options.
func ParseAlignCommand(payload []byte) (AlignOverrides, error) {
	var overrides AlignOverrides
	trimmed := strings.TrimSpace(string(payload))

	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &overrides); err != nil {
			return AlignOverrides{}, fmt.Errorf("parsing align command: %w", err)
		}
		return overrides, nil
	}

	var plainStr string
	if err := json.Unmarshal([]byte(trimmed), &plainStr); err == nil {
		trimmed = strings.TrimSpace(plainStr)
	}
	if trimmed == "" || strings.EqualFold(trimmed, "align") {
		return overrides, nil
	}
	return AlignOverrides{}, fmt.Errorf("unknown align command %q", trimmed)
}

// createCommandHandler creates the handler for the align command topic
func (c *MQTTClient) createCommandHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		log.Printf("Received align command (topic: %s, size: %d bytes)", msg.Topic(), len(msg.Payload()))

		overrides, err := ParseAlignCommand(msg.Payload())
		if err != nil {
			log.Printf("Ignoring align command: %v", err)
			return
		}

		if handler := c.getAlignCommandHandler(); handler != nil {
			handler(overrides)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetObjectByTopic returns the object name for a given topic
func (c *MQTTClient) GetObjectByTopic(topic string) (string, bool) {
	for _, obj := range c.config.Objects {
		if obj.Topic != "" && obj.Topic == topic {
			return obj.Name, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler MessageHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		messageHandler: handler,
	}
}
