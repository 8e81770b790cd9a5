package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	pshost "github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpimqtt/internal/config"
	"rpimqtt/internal/events"
	"rpimqtt/internal/mqtt"
	"rpimqtt/internal/sensors"
	"rpimqtt/internal/storage"
)

var errUnsupported = errors.New("not supported on this platform")

// newBareHost returns a Host where only the files given exist and every
// platform call fails
func newBareHost(files map[string]string) *sensors.Host {
	return &sensors.Host{
		ReadFile: func(path string) ([]byte, error) {
			if content, ok := files[path]; ok {
				return []byte(content), nil
			}
			return nil, fs.ErrNotExist
		},
		Glob: func(string) ([]string, error) { return nil, nil },
		Run: func(context.Context, string, ...string) ([]byte, error) {
			return nil, exec.ErrNotFound
		},
		CPUPercent: func(context.Context, time.Duration) (float64, error) { return 12.5, nil },
		CPUCount:   func(context.Context) (int, error) { return 0, errUnsupported },
		LoadAvg:    func(context.Context) (*load.AvgStat, error) { return nil, errUnsupported },
		DiskUsage:  func(context.Context, string) (*disk.UsageStat, error) { return nil, errUnsupported },
		VirtualMemory: func(context.Context) (*mem.VirtualMemoryStat, error) {
			return nil, errUnsupported
		},
		BootTime: func(context.Context) (uint64, error) { return 0, errUnsupported },
		Temperatures: func(context.Context) ([]pshost.TemperatureStat, error) {
			return nil, errUnsupported
		},
		Now: func() time.Time { return time.Date(2024, 1, 22, 12, 51, 19, 0, time.UTC) },
	}
}

type brokerCall struct {
	op       string
	topic    string
	payload  string
	retained bool
}

// recordingBroker is an in-memory BrokerClient recording every call in order
type recordingBroker struct {
	cfg mqtt.Config

	mu         sync.Mutex
	connected  bool
	subscribed []string
	calls      []brokerCall
}

func (b *recordingBroker) Connect(context.Context) error {
	b.mu.Lock()
	b.connected = true
	b.calls = append(b.calls, brokerCall{op: "connect"})
	b.mu.Unlock()

	if b.cfg.OnConnect != nil {
		b.cfg.OnConnect()
	}
	return nil
}

func (b *recordingBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.calls = append(b.calls, brokerCall{op: "disconnect"})
}

func (b *recordingBroker) Publish(_ context.Context, topic string, _ byte, retained bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return mqtt.ErrNotConnected
	}
	b.calls = append(b.calls, brokerCall{op: "publish", topic: topic, payload: string(payload), retained: retained})
	return nil
}

func (b *recordingBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *recordingBroker) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, topic)
}

func (b *recordingBroker) SubscribeCommands(commandTopics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, commandTopics...)
}

func (b *recordingBroker) Calls() []brokerCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]brokerCall(nil), b.calls...)
}

func TestResolveDeviceName(t *testing.T) {
	ctx := context.Background()

	t.Run("Literal", func(t *testing.T) {
		name, err := ResolveDeviceName(ctx, config.MQTTSettings{SensorName: "Living-Room"}, newBareHost(nil), zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, "living-room", name)
	})

	t.Run("HostnameTemplate", func(t *testing.T) {
		host := newBareHost(map[string]string{"/etc/hostname": "Kitchen\n"})
		name, err := ResolveDeviceName(ctx, config.MQTTSettings{SensorName: config.HostnameTemplate}, host, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, "rpi-kitchen", name)
	})

	t.Run("HostnameUnavailable", func(t *testing.T) {
		_, err := ResolveDeviceName(ctx, config.MQTTSettings{SensorName: config.HostnameTemplate}, newBareHost(nil), zerolog.Nop())
		assert.ErrorIs(t, err, ErrHostnameUnresolved)
	})
}

func TestClientIDWithInstance(t *testing.T) {
	id := "3f2b8c1e-0d4a-4f7e-9b1a-2c3d4e5f6a7b"
	assert.Equal(t, "rpi-mqtt-3f2b8c1e", clientIDWithInstance("rpi-mqtt", id))
	assert.Equal(t, "rpi-mqtt-3f2b8c1e", clientIDWithInstance("", id))
}

func TestRecordPublish(t *testing.T) {
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	a := New(Options{Settings: config.Default(), Logger: zerolog.Nop(), Host: newBareHost(nil)})
	a.store = store

	a.RecordPublish("rpi-mqtt/sensor/rpi-test/monitor", []byte(`{"cpu_use":12.5}`), nil)
	a.RecordPublish("rpi-mqtt/sensor/rpi-test/monitor", []byte(`{"cpu_use":13}`), mqtt.ErrNotConnected)

	last, err := store.GetLastState()
	require.NoError(t, err)
	assert.JSONEq(t, `{"cpu_use":12.5}`, string(last.Payload))

	history, err := store.GetPublishHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Success)
	assert.False(t, history[1].Success)
	assert.Equal(t, mqtt.ErrNotConnected.Error(), history[1].Error)

	recent := a.Events().GetLast(2)
	require.Len(t, recent, 2)
	assert.Equal(t, events.EventStatePublishFailed, recent[0].Type)
	assert.Equal(t, events.EventStatePublished, recent[1].Type)
}

func TestRecordPublishWithoutStore(t *testing.T) {
	a := New(Options{Settings: config.Default(), Logger: zerolog.Nop(), Host: newBareHost(nil)})
	a.RecordPublish("topic", []byte(`{}`), nil)

	assert.Equal(t, 1, a.Events().Count())
	assert.Nil(t, a.keyValueStore())
}

func TestShutdownWithoutStart(t *testing.T) {
	a := New(Options{Settings: config.Default(), Logger: zerolog.Nop(), Host: newBareHost(nil)})

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))

	last := a.Events().GetLast(1)
	require.Len(t, last, 1)
	assert.Equal(t, events.EventShutdown, last[0].Type)
}

func TestStartFailsOnUnresolvableHostname(t *testing.T) {
	settings := config.Default()
	settings.MQTT.SensorName = config.HostnameTemplate

	a := New(Options{Settings: settings, Logger: zerolog.Nop(), Host: newBareHost(nil)})
	err := a.Run(context.Background())
	assert.ErrorIs(t, err, ErrHostnameUnresolved)
}

func TestListSensors(t *testing.T) {
	host := newBareHost(map[string]string{
		"/etc/hostname":                       "kitchen\n",
		"/sys/firmware/devicetree/base/model": "Raspberry Pi 5 Model B Rev 1.0\x00",
	})

	settings := config.Default().Sensors
	settings.Disk = false

	var buf bytes.Buffer
	require.NoError(t, ListSensors(context.Background(), settings, host, zerolog.Nop(), &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Greater(t, len(lines), 1)
	assert.True(t, strings.HasPrefix(lines[0], "SENSOR"))

	byName := make(map[string]string)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		byName[fields[0]] = line
	}

	assert.Regexp(t, `^cpu_use_pct\s+true\s+true\s+12\.5$`, byName[sensors.NameCPUUse])
	assert.Regexp(t, `^hostname\s+true\s+true\s+"kitchen"$`, byName[sensors.NameHostname])
	assert.Regexp(t, `^disk_use\s+false\s+false\s+`, byName[sensors.NameDisk])
}

func TestStartAndShutdownPublishOrder(t *testing.T) {
	host := newBareHost(map[string]string{
		"/etc/hostname":                       "kitchen\n",
		"/sys/firmware/devicetree/base/model": "Raspberry Pi 5 Model B Rev 1.0\x00",
	})

	settings := config.Default()
	settings.MQTT.SensorName = "rpi-test"
	settings.Storage.Path = filepath.Join(t.TempDir(), "state.db")
	settings.Script.UpdateInterval = 3600

	broker := &recordingBroker{}
	a := New(Options{
		Settings: settings,
		Version:  "test",
		Logger:   zerolog.Nop(),
		Host:     host,
		NewClient: func(cfg mqtt.Config, _ zerolog.Logger) (BrokerClient, error) {
			broker.cfg = cfg
			return broker, nil
		},
	})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	topics := mqtt.NewTopics(config.DefaultBaseTopic, config.DefaultDiscoveryTopicPrefix, "rpi-test")
	assert.Equal(t, topics.SensorStatesLWTTopic(), broker.cfg.WillTopic)
	assert.True(t, strings.HasPrefix(broker.cfg.ClientID, config.DefaultMQTTClientID+"-"))
	assert.Contains(t, broker.subscribed, topics.DiscoveryStatusTopic())
	for _, topic := range topics.CommandTopicNames() {
		assert.Contains(t, broker.subscribed, topic)
	}

	calls := broker.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "connect", calls[0].op)
	calls = calls[1:]

	// Discovery configs, retained, come first
	discovery := 0
	for discovery < len(calls) && strings.HasPrefix(calls[discovery].topic, config.DefaultDiscoveryTopicPrefix+"/") {
		assert.True(t, calls[discovery].retained, calls[discovery].topic)
		discovery++
	}
	assert.Equal(t, len(a.aggregator.DiscoveryMessages(a.topics, a.device)), discovery)
	assert.Positive(t, discovery)
	calls = calls[discovery:]

	// Then online on both availability topics, then the state payload
	require.Len(t, calls, 3)
	assert.Equal(t, brokerCall{op: "publish", topic: topics.SensorStatesLWTTopic(), payload: mqtt.PayloadOnline}, calls[0])
	assert.Equal(t, brokerCall{op: "publish", topic: topics.CommandLWTTopic(), payload: mqtt.PayloadOnline}, calls[1])
	assert.Equal(t, topics.SensorStatesTopic(), calls[2].topic)
	assert.False(t, calls[2].retained)
	assert.JSONEq(t, `12.5`, jsonField(t, calls[2].payload, sensors.NameCPUUse))

	started := len(broker.Calls())
	require.NoError(t, a.Shutdown(ctx))

	// Offline on both availability topics before the disconnect
	calls = broker.Calls()[started:]
	require.Len(t, calls, 3)
	assert.Equal(t, brokerCall{op: "publish", topic: topics.SensorStatesLWTTopic(), payload: mqtt.PayloadOffline}, calls[0])
	assert.Equal(t, brokerCall{op: "publish", topic: topics.CommandLWTTopic(), payload: mqtt.PayloadOffline}, calls[1])
	assert.Equal(t, "disconnect", calls[2].op)

	var types []events.EventType
	for _, e := range a.Events().GetLast(maxEvents) {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.EventConnected)
	assert.Contains(t, types, events.EventDiscoveryPublished)
	assert.Contains(t, types, events.EventLWTOnline)
	assert.Contains(t, types, events.EventStatePublished)
	assert.Contains(t, types, events.EventLWTOffline)
	assert.Contains(t, types, events.EventShutdown)

	// The store was closed by Shutdown and kept the last state payload
	store, err := storage.NewBoltStorage(settings.Storage.Path)
	require.NoError(t, err)
	defer store.Close()
	last, err := store.GetLastState()
	require.NoError(t, err)
	assert.Equal(t, topics.SensorStatesTopic(), last.Topic)
}

func jsonField(t *testing.T, payload, field string) string {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(payload), &fields))
	require.Contains(t, fields, field)
	return string(fields[field])
}
