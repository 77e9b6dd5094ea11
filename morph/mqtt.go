package morph

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

// CaptureHandler is called when a capture station reports a completed capture
type CaptureHandler func(specimenID string)

// MQTTClient manages MQTT connection and subscriptions for landmark data
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	messageHandler MessageHandler
	captureHandler CaptureHandler
	isConnected    bool
	mu             sync.RWMutex
}

// MessageHandler is called when a landmark data message is received
// Parameters: specimenID, rawPayload, specimen, error
// rawPayload is provided so callers can persist payloads that failed to decode
type MessageHandler func(specimenID string, rawPayload []byte, specimen *Specimen, err error)

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client with the provided configuration
// If MQTT_BROKER env var is empty, MQTT is disabled and this returns nil
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

	if config == nil || len(config.Specimens) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no specimen configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: handler,
	}

	// Build MQTT client options
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	// Client ID
	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "morphalign"
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
	opts.SetKeepAlive(60 * time.Second)   // Longer than default 30s to reduce spurious disconnects
	opts.SetPingTimeout(10 * time.Second) // Timeout for ping response
	opts.SetCleanSession(false)           // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false)           // Allow concurrent processing

	// Callbacks
	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	// Connect asynchronously with retry
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

		// Exponential backoff
		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to specimen topics...")
	c.setConnected(true)

	// Subscribe to all specimen topics from config
	for _, specimen := range c.config.Specimens {
		if specimen.Topic == "" {
			log.Printf("Warning: specimen %s has no topic configured", specimen.ID)
			continue
		}

		log.Printf("Subscribing to %s for specimen %s", specimen.Topic, specimen.ID)
		token := client.Subscribe(specimen.Topic, 0, c.createMessageHandler(specimen.ID))

		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("Error subscribing to %s: %v", specimen.Topic, token.Error())
		} else {
			log.Printf("Successfully subscribed to %s", specimen.Topic)
		}

		// Subscribe to status topic for capture-complete detection
		if statusTopic, ok := deriveStatusTopic(specimen.Topic); ok {
			log.Printf("Subscribing to %s for specimen %s status", statusTopic, specimen.ID)
			statusToken := client.Subscribe(statusTopic, 0, c.createStatusMessageHandler(specimen.ID))

			if statusToken.WaitTimeout(5*time.Second) && statusToken.Error() != nil {
				log.Printf("Error subscribing to %s: %v", statusTopic, statusToken.Error())
			} else {
				log.Printf("Successfully subscribed to %s", statusTopic)
			}
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// createMessageHandler creates a handler function for a specific specimen's topic
func (c *MQTTClient) createMessageHandler(specimenID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("Received landmark data for %s (topic: %s, size: %d bytes)",
			specimenID, msg.Topic(), len(payload))

		// Decode the landmark data (raw JSON or zlib-compressed JSON)
		specimen, err := DecodeLandmarkData(payload)
		if err != nil {
			log.Printf("Error decoding landmark data for %s: %v", specimenID, err)
			if c.messageHandler != nil {
				// Pass raw payload so caller can persist it for inspection
				c.messageHandler(specimenID, payload, nil, err)
			}
			return
		}
		if specimen.Name == "" {
			specimen.Name = specimenID
		}

		// Call the user's message handler with raw payload and decoded data
		if c.messageHandler != nil {
			c.messageHandler(specimenID, payload, specimen, nil)
		}
	}
}

// SetCaptureHandler registers a callback that is invoked when a capture completes
func (c *MQTTClient) SetCaptureHandler(handler CaptureHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captureHandler = handler
}

// getCaptureHandler returns the current capture handler in a thread-safe manner
func (c *MQTTClient) getCaptureHandler() CaptureHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.captureHandler
}

// deriveStatusTopic converts a landmark data topic to a capture status topic.
// Example: "landmarks/skull-07/LandmarkData/landmark-data" -> "landmarks/skull-07/CaptureStatusAttribute/status"
// Returns the derived topic and true if the conversion succeeded, or empty string and false otherwise.
func deriveStatusTopic(landmarkTopic string) (string, bool) {
	// Expected format: landmarks/{name}/LandmarkData/landmark-data
	parts := strings.Split(landmarkTopic, "/")
	if len(parts) < 4 {
		return "", false
	}
	// Replace the last two segments with CaptureStatusAttribute/status
	parts[len(parts)-2] = "CaptureStatusAttribute"
	parts[len(parts)-1] = "status"
	return strings.Join(parts, "/"), true
}

// statusPayload represents the JSON structure of a capture station status message
type statusPayload struct {
	Value string `json:"value"`
}

// createStatusMessageHandler creates a handler for status topic messages that
// detects completed captures and invokes the capture handler
func (c *MQTTClient) createStatusMessageHandler(specimenID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("Received status update for %s (topic: %s, size: %d bytes)",
			specimenID, msg.Topic(), len(payload))

		var statusValue string

		// Try parsing as JSON object {"value": "..."}
		var status statusPayload
		if err := json.Unmarshal(payload, &status); err == nil {
			statusValue = status.Value
		} else {
			// Try parsing as JSON string "complete"
			var plainStr string
			if err2 := json.Unmarshal(payload, &plainStr); err2 == nil {
				statusValue = plainStr
				log.Printf("Status payload for %s is JSON string (not object), value: %s", specimenID, plainStr)
			} else {
				// Use raw string with whitespace trimmed
				statusValue = strings.TrimSpace(string(payload))
				if statusValue == "" {
					log.Printf("Empty status payload for %s, skipping", specimenID)
					return
				}
				log.Printf("Status payload for %s is raw string (not JSON), value: %s", specimenID, statusValue)
			}
		}

		log.Printf("Specimen %s capture status: %s", specimenID, statusValue)

		if statusValue == "complete" {
			handler := c.getCaptureHandler()
			if handler != nil {
				handler(specimenID)
			}
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
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

// GetSpecimenByTopic returns the specimen ID for a given topic
func (c *MQTTClient) GetSpecimenByTopic(topic string) (string, bool) {
	for _, specimen := range c.config.Specimens {
		if specimen.Topic == topic {
			return specimen.ID, true
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
