// Package mqtt provides the broker client, topic naming, Home Assistant
// discovery and state publishing
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned when publishing without a broker connection
var ErrNotConnected = errors.New("MQTT client is not connected")

// connectPollInterval is how often Connect checks the connection state
const connectPollInterval = time.Second

// Config holds MQTT client configuration
type Config struct {
	Broker   string // MQTT broker address (e.g., "tcp://localhost:1883")
	ClientID string // Unique client ID
	Username string // MQTT username (optional)
	Password string // MQTT password (optional)

	// TLS (optional). CACertFile alone verifies the broker, CertFile and
	// KeyFile add client authentication.
	UseTLS     bool
	CACertFile string
	CertFile   string
	KeyFile    string

	// WillTopic receives PayloadOffline, retained, if the connection drops
	WillTopic string

	// Lifecycle callbacks (optional)
	OnConnect        func()
	OnConnectionLost func(err error)
}

// MessageHandler handles a message received on a subscribed topic
type MessageHandler func(topic string, payload []byte)

// Broker is the part of the client used by publishers
type Broker interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client wraps the MQTT client with additional functionality
type Client struct {
	client mqtt.Client
	config Config
	logger zerolog.Logger

	mu            sync.RWMutex
	subscriptions []subscription
}

// New creates a new MQTT client. The network loop starts on Connect.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("rpi-mqtt-%d", time.Now().Unix())
	}

	c := &Client{
		config: cfg,
		logger: logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	if cfg.UseTLS {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	// Registered before connecting so the broker knows it from the first session
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, PayloadOffline, 1, true)
	}

	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.logger.Info().Msg("Attempting to reconnect to MQTT broker")
	})
	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		c.logMessage(msg.Topic(), msg.Payload())
	})

	// Auto-reconnect settings
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)

	// Keep alive settings
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetCleanSession(true)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// newTLSConfig builds the TLS configuration from the certificate files
func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Connect establishes the connection and blocks until it is open or ctx ends.
// Reconnects after a successful connect are handled in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info().Str("broker", c.config.Broker).Msg("Connecting to MQTT broker")

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()

	for !c.client.IsConnectionOpen() {
		c.logger.Debug().Msg("Waiting for MQTT connection")
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to connect to MQTT broker: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	c.logger.Info().Msg("Successfully connected")
	return nil
}

// Disconnect closes the connection to the broker
func (c *Client) Disconnect() {
	if !c.client.IsConnected() {
		return
	}

	c.client.Disconnect(250) // Wait up to 250ms for graceful disconnect
	c.logger.Info().Msg("Disconnected from MQTT broker")
}

// Publish sends a message and waits for the broker acknowledgment or ctx
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("failed to publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	c.logger.Debug().
		Str("topic", topic).
		Uint8("qos", qos).
		Bool("retained", retained).
		Msg("Published")

	return nil
}

// Subscribe registers a subscription. Subscriptions are (re)issued on every
// connect, because a clean session does not keep them across reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) {
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, subscription{topic: topic, qos: qos, handler: handler})
	c.mu.Unlock()

	if c.IsConnected() {
		c.subscribe(c.client, subscription{topic: topic, qos: qos, handler: handler})
	}
}

// SubscribeCommands registers a "{topic}/+" subscription for each command
// topic. Command messages are only logged.
func (c *Client) SubscribeCommands(commandTopics []string) {
	if len(commandTopics) == 0 {
		c.logger.Debug().Msg("No command topics to subscribe to")
		return
	}

	for _, topic := range commandTopics {
		c.Subscribe(topic+"/+", 1, c.logMessage)
	}
}

// Subscriptions returns the registered subscription topics
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topics := make([]string, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		topics = append(topics, s.topic)
	}
	return topics
}

// IsConnected returns true if the connection to the broker is open
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// GetConfig returns the current MQTT configuration
func (c *Client) GetConfig() Config {
	return c.config
}

// onConnect runs on every successful (re)connect
func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info().Str("broker", c.config.Broker).Msg("Connected to MQTT broker")

	c.mu.RLock()
	subs := make([]subscription, len(c.subscriptions))
	copy(subs, c.subscriptions)
	c.mu.RUnlock()

	for _, s := range subs {
		c.subscribe(client, s)
	}

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warn().Err(err).Msg("Connection lost to the MQTT broker. Reconnecting")

	if c.config.OnConnectionLost != nil {
		c.config.OnConnectionLost(err)
	}
}

func (c *Client) subscribe(client mqtt.Client, s subscription) {
	c.logger.Info().Str("topic", s.topic).Msg("Subscribing to topic")

	handler := s.handler
	token := client.Subscribe(s.topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})

	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.logger.Error().Err(err).Str("topic", s.topic).Msg("Failed to subscribe")
		}
	}()
}

func (c *Client) logMessage(topic string, payload []byte) {
	c.logger.Info().Str("topic", topic).Bytes("payload", payload).Msg("Received message")
}
