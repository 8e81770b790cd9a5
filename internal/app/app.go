// Package app wires the sensors, the broker client, the publishers and the
// timers together and runs them until the context ends
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rpimqtt/internal/api"
	"rpimqtt/internal/config"
	"rpimqtt/internal/events"
	"rpimqtt/internal/logging"
	"rpimqtt/internal/mqtt"
	"rpimqtt/internal/scheduler"
	"rpimqtt/internal/sensors"
	"rpimqtt/internal/storage"
)

// ErrHostnameUnresolved is returned when the device name is derived from the
// hostname and the hostname cannot be read
var ErrHostnameUnresolved = errors.New("unable to resolve hostname for the sensor name")

const (
	// lwtInterval is the availability heartbeat period
	lwtInterval = 60 * time.Second

	// shutdownTimeout bounds the whole shutdown sequence
	shutdownTimeout = 10 * time.Second

	// maxPublishHistory is the number of publish records kept in the store
	maxPublishHistory = 500

	// maxEvents is the size of the in-memory event ring
	maxEvents = 100

	manufacturer = "Raspberry Pi"
)

// BrokerClient is the broker connection used by the App
type BrokerClient interface {
	mqtt.Broker
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler)
	SubscribeCommands(commandTopics []string)
}

// ClientFactory creates the broker client from its configuration
type ClientFactory func(cfg mqtt.Config, logger zerolog.Logger) (BrokerClient, error)

// Options configures an App
type Options struct {
	Settings *config.Settings
	Version  string
	Logger   zerolog.Logger

	// Host is the system backend of the sensors, the real system when nil
	Host *sensors.Host

	// NewClient creates the broker client, a paho client when nil
	NewClient ClientFactory
}

func newPahoClient(cfg mqtt.Config, logger zerolog.Logger) (BrokerClient, error) {
	return mqtt.New(cfg, logger)
}

// App is the running daemon
type App struct {
	settings *config.Settings
	version  string
	logger   zerolog.Logger
	host     *sensors.Host
	events   *events.Store

	newClient ClientFactory

	topics     mqtt.Topics
	store      storage.Storage
	client     BrokerClient
	registry   *sensors.Registry
	aggregator *sensors.Aggregator
	device     *mqtt.Device
	publisher  *mqtt.Publisher
	discovery  *mqtt.DiscoveryPublisher
	scheduler  *scheduler.Scheduler
	server     *api.Server

	// ctx is the run context, used by work started from broker callbacks
	ctx   context.Context
	ready atomic.Bool

	// One discovery republish at a time
	republishMu sync.Mutex

	shutdownOnce sync.Once
	shutdownErr  error
}

var _ mqtt.Recorder = (*App)(nil)

// New creates an App. Nothing is started until Run or Start.
func New(opts Options) *App {
	host := opts.Host
	if host == nil {
		host = sensors.DefaultHost()
	}
	newClient := opts.NewClient
	if newClient == nil {
		newClient = newPahoClient
	}

	return &App{
		settings:  opts.Settings,
		version:   opts.Version,
		logger:    opts.Logger,
		host:      host,
		newClient: newClient,
		events:    events.NewStore(maxEvents),
		ctx:       context.Background(),
	}
}

// Run starts the daemon, blocks until ctx ends and shuts down. A nil error
// means the daemon was stopped by ctx.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if shutdownErr := a.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Warn().Err(shutdownErr).Msg("Cleanup after failed start was incomplete")
		}
		return err
	}

	<-ctx.Done()
	a.logger.Info().Msg("Received stop signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Start resolves the device name, connects to the broker, creates the
// sensors and publishes discovery, availability and the first state before
// arming the timers
func (a *App) Start(ctx context.Context) error {
	a.ctx = ctx
	s := a.settings
	a.events.Add(events.EventStartup, true, a.version)

	device, err := ResolveDeviceName(ctx, s.MQTT, a.host, a.logger)
	if err != nil {
		return err
	}
	a.topics = mqtt.NewTopics(s.MQTT.BaseTopic, s.MQTT.DiscoveryTopicPrefix, device)
	a.logger.Info().Str("device", device).Str("base_topic", a.topics.SensorStatesBaseTopic()).Msg("Device name resolved")

	clientID := s.MQTT.ClientID
	if s.Storage.Path != "" {
		store, err := storage.NewBoltStorage(s.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		a.store = store
		instanceID, err := a.store.InstanceID()
		if err != nil {
			return fmt.Errorf("failed to read instance id: %w", err)
		}
		clientID = clientIDWithInstance(clientID, instanceID)
		a.logger.Info().Str("path", s.Storage.Path).Str("instance_id", instanceID).Msg("State store opened")
	}

	if err := a.connect(ctx, clientID); err != nil {
		return err
	}

	sensorLogger := logging.Component(a.logger, "sensors")
	if a.registry, err = sensors.CreateSensors(ctx, s.Sensors, a.host, sensorLogger); err != nil {
		return fmt.Errorf("failed to create sensors: %w", err)
	}
	for _, sensor := range a.registry.Enabled() {
		if probe := sensor.Probe(); !probe.Available {
			a.events.Add(events.EventSensorUnavailable, false, fmt.Sprintf("%s: %v", sensor.Name(), probe.Reason))
		}
	}
	a.aggregator = sensors.NewAggregator(a.registry.All(), s.Script.UpdateInterval, sensorLogger)
	a.device = a.newDevice()

	mqttLogger := logging.Component(a.logger, "publisher")
	a.publisher = mqtt.NewPublisher(a.client, a.topics, a.aggregator, mqttLogger, a)
	a.discovery = mqtt.NewDiscoveryPublisher(a.client, logging.Component(a.logger, "discovery"), a.keyValueStore())

	a.publishDiscovery(ctx)

	a.scheduler = scheduler.New(logging.Component(a.logger, "scheduler"))
	a.scheduler.Every("lwt", lwtInterval, func(ctx context.Context) error {
		err := a.publisher.PublishOnlineLWT(ctx)
		a.events.Add(events.EventLWTOnline, err == nil, errDetails(err))
		return err
	})
	a.scheduler.Every("sensors", time.Duration(s.Script.UpdateInterval)*time.Second, func(ctx context.Context) error {
		return <-a.publisher.PublishSensorUpdates(ctx, true)
	})
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start timers: %w", err)
	}

	if s.HTTP.Listen != "" {
		var stateStore api.StateStore
		if a.store != nil {
			stateStore = a.store
		}
		a.server = api.NewServer(a.client, a.aggregator, stateStore, a.events, logging.Component(a.logger, "api"))
		if err := a.server.Start(s.HTTP.Listen); err != nil {
			return err
		}
	}

	a.ready.Store(true)
	a.logger.Info().
		Int("sensors_available", len(a.aggregator.AvailableSensors())).
		Int("update_interval", s.Script.UpdateInterval).
		Msg("rpi-mqtt started")
	return nil
}

// connect creates the broker client and blocks until it is connected
func (a *App) connect(ctx context.Context, clientID string) error {
	m := a.settings.MQTT

	cfg := mqtt.Config{
		Broker:           m.BrokerURL(),
		ClientID:         clientID,
		WillTopic:        a.topics.SensorStatesLWTTopic(),
		OnConnect:        a.onConnect,
		OnConnectionLost: a.onConnectionLost,
	}
	if m.Authentication != nil {
		cfg.Username = m.Authentication.Username
		cfg.Password = m.Authentication.Password
	}
	if m.TLS != nil {
		cfg.UseTLS = true
		cfg.CACertFile = m.TLS.CACerts
		cfg.CertFile = m.TLS.CertFile
		cfg.KeyFile = m.TLS.KeyFile
	}

	client, err := a.newClient(cfg, logging.Component(a.logger, "mqtt"))
	if err != nil {
		return fmt.Errorf("failed to create MQTT client: %w", err)
	}
	a.client = client

	// Registered before connecting, issued by the client on every connect
	client.SubscribeCommands(a.topics.CommandTopicNames())
	client.Subscribe(a.topics.DiscoveryStatusTopic(), 1, a.onHomeAssistantStatus)

	return client.Connect(ctx)
}

// Shutdown stops everything Start created, in order. Every step runs even
// when an earlier one fails. Calling it again returns the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.ready.Store(false)
	var errs []error

	if a.publisher != nil {
		err := a.publisher.PublishOfflineLWT(ctx)
		a.events.Add(events.EventLWTOffline, err == nil, errDetails(err))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to publish offline LWT: %w", err))
		}
	}

	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if a.publisher != nil {
		if err := a.publisher.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed waiting for in-flight publishes: %w", err))
		}
	}

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if a.client != nil {
		a.client.Disconnect()
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close state store: %w", err))
		}
	}

	err := errors.Join(errs...)
	a.events.Add(events.EventShutdown, err == nil, errDetails(err))
	if err != nil {
		a.logger.Warn().Err(err).Msg("Shutdown finished with errors")
	} else {
		a.logger.Info().Msg("Shutdown complete")
	}
	return err
}

// publishDiscovery publishes the discovery set of the available sensors
func (a *App) publishDiscovery(ctx context.Context) {
	a.republishMu.Lock()
	defer a.republishMu.Unlock()

	msgs := a.aggregator.DiscoveryMessages(a.topics, a.device)
	if a.discovery.Changed(msgs) {
		diff := a.discovery.Diff(msgs)
		a.logger.Info().
			Int("entities", len(msgs)).
			Strs("added", diff.Added).
			Strs("updated", diff.Updated).
			Strs("removed", diff.Removed).
			Msg("Discovery configuration changed since last run")
	}

	err := a.discovery.Publish(ctx, msgs)
	a.events.Add(events.EventDiscoveryPublished, err == nil, errDetails(err))
}

// onConnect runs on every (re)connect. After a reconnect the broker may have
// lost retained messages, so discovery and availability are sent again.
func (a *App) onConnect() {
	a.events.Add(events.EventConnected, true, a.settings.MQTT.BrokerURL())

	if !a.ready.Load() {
		return
	}

	// Publishing waits for acknowledgments, which must not block the
	// client's callback goroutine
	go func() {
		a.publishDiscovery(a.ctx)
		if err := a.publisher.PublishOnlineLWT(a.ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to publish online LWT after reconnect")
		}
	}()
}

func (a *App) onConnectionLost(err error) {
	a.events.Add(events.EventConnectionLost, false, errDetails(err))
}

// onHomeAssistantStatus republishes discovery when Home Assistant comes online
func (a *App) onHomeAssistantStatus(topic string, payload []byte) {
	status := strings.TrimSpace(string(payload))
	a.logger.Info().Str("topic", topic).Str("status", status).Msg("Home Assistant status received")

	if status != mqtt.PayloadOnline || !a.ready.Load() {
		return
	}
	go a.publishDiscovery(a.ctx)
}

// RecordPublish stores the outcome of a state publish
func (a *App) RecordPublish(topic string, payload []byte, err error) {
	now := time.Now()

	if err != nil {
		a.events.Add(events.EventStatePublishFailed, false, err.Error())
	} else {
		a.events.Add(events.EventStatePublished, true, fmt.Sprintf("%d bytes", len(payload)))
	}

	if a.store == nil {
		return
	}

	record := storage.PublishRecord{
		Topic:     topic,
		Timestamp: now,
		Bytes:     len(payload),
		Success:   err == nil,
		Error:     errDetails(err),
	}
	if storeErr := a.store.SavePublish(record); storeErr != nil {
		a.logger.Warn().Err(storeErr).Msg("Failed to record publish")
	}
	if storeErr := a.store.TrimPublishHistory(maxPublishHistory); storeErr != nil {
		a.logger.Warn().Err(storeErr).Msg("Failed to trim publish history")
	}

	if err != nil {
		return
	}
	if storeErr := a.store.SaveLastState(storage.LastState{Topic: topic, Payload: payload, PublishedAt: now}); storeErr != nil {
		a.logger.Warn().Err(storeErr).Msg("Failed to store last state")
	}
}

// Events returns the lifecycle event ring
func (a *App) Events() *events.Store {
	return a.events
}

// Topics returns the topic namer, valid after Start resolved the device name
func (a *App) Topics() mqtt.Topics {
	return a.topics
}

// newDevice describes this board for Home Assistant
func (a *App) newDevice() *mqtt.Device {
	device := &mqtt.Device{
		Identifiers:  []string{a.topics.Device()},
		Name:         a.topics.Device(),
		Manufacturer: manufacturer,
		SWVersion:    a.version,
	}

	if model, ok := a.registry.Get(sensors.NameModel); ok && model.Available() {
		if name, ok := model.State().(string); ok {
			device.Model = name
		}
	}

	if a.settings.HTTP.Listen != "" && !strings.HasPrefix(a.settings.HTTP.Listen, ":") {
		device.ConfigurationURL = "http://" + a.settings.HTTP.Listen + "/api/sensors"
	}

	return device
}

// keyValueStore returns the store as a discovery fingerprint store, or a
// nil interface without a store
func (a *App) keyValueStore() mqtt.KeyValueStore {
	if a.store == nil {
		return nil
	}
	return a.store
}

// ResolveDeviceName returns the lowercased device name. The hostname
// template is resolved through the hostname sensor.
func ResolveDeviceName(ctx context.Context, settings config.MQTTSettings, host *sensors.Host, logger zerolog.Logger) (string, error) {
	if !settings.UsesHostnameTemplate() {
		return strings.ToLower(strings.TrimSpace(settings.SensorName)), nil
	}

	hostname, err := sensors.ResolveHostname(ctx, host, logger)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHostnameUnresolved, err)
	}
	return strings.ToLower("rpi-" + hostname), nil
}

// clientIDWithInstance makes the client id unique per installation
func clientIDWithInstance(clientID, instanceID string) string {
	short := strings.ReplaceAll(instanceID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	if clientID == "" {
		return "rpi-mqtt-" + short
	}
	return clientID + "-" + short
}

func errDetails(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
