package sensors

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"rpimqtt/internal/config"
	"rpimqtt/internal/logging"
)

// Sensor names, also the keys of the state payload
const (
	NameBootloader       = "bootloader_version"
	NameCPUUse           = "cpu_use_pct"
	NameCPULoad          = "cpu_load_avg"
	NameDisk             = "disk_use"
	NameFan              = "fan_speed"
	NameMemory           = "memory_use"
	NameModel            = "rpi_model"
	NameIPAddress        = "ip_addr"
	NameHostname         = "hostname"
	NameEthernetMAC      = "eth_mac_addr"
	NameWifiMAC          = "wifi_mac_addr"
	NameWifiConnection   = "wifi_connection"
	NameOSKernel         = "os_kernel"
	NameOSRelease        = "os_release"
	NameAvailableUpdates = "available_updates"
	NameBootTime         = "boot_time"
	NameTemperature      = "temperature"
	NameThrottle         = "throttled"
)

// MetadataKey is reserved for the metadata entry of the state payload
const MetadataKey = "metadata"

// Registry holds sensors in registration order
type Registry struct {
	sensors []Sensor
	byName  map[string]Sensor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Sensor)}
}

// Register adds a sensor. Empty, duplicate and reserved names are rejected.
func (r *Registry) Register(s Sensor) error {
	name := s.Name()
	if name == "" {
		return fmt.Errorf("sensor name is required")
	}
	if name == MetadataKey {
		return fmt.Errorf("sensor name %q is reserved", name)
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("sensor %s already registered", name)
	}

	r.sensors = append(r.sensors, s)
	r.byName[name] = s
	return nil
}

// All returns every sensor in registration order
func (r *Registry) All() []Sensor {
	out := make([]Sensor, len(r.sensors))
	copy(out, r.sensors)
	return out
}

// Enabled returns the sensors enabled in the settings
func (r *Registry) Enabled() []Sensor {
	out := make([]Sensor, 0, len(r.sensors))
	for _, s := range r.sensors {
		if s.Enabled() {
			out = append(out, s)
		}
	}
	return out
}

// Get returns a sensor by name
func (r *Registry) Get(name string) (Sensor, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// constructor builds and probes one sensor kind
type constructor func(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (Sensor, error)

func wrap[S Sensor](fn func(context.Context, *Host, bool, zerolog.Logger) (S, error)) constructor {
	return func(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (Sensor, error) {
		return fn(ctx, host, enabled, logger)
	}
}

type kind struct {
	name    string
	enabled func(config.SensorsSettings) bool
	create  constructor
}

// kinds lists every sensor kind in payload order
var kinds = []kind{
	{NameBootloader, func(s config.SensorsSettings) bool { return s.BootLoader }, wrap(NewBootloaderSensor)},
	{NameCPUUse, func(s config.SensorsSettings) bool { return s.CPUUse }, wrap(NewCPUUseSensor)},
	{NameCPULoad, func(s config.SensorsSettings) bool { return s.CPULoad }, wrap(NewCPULoadSensor)},
	{NameDisk, func(s config.SensorsSettings) bool { return s.Disk }, wrap(NewDiskSensor)},
	{NameFan, func(s config.SensorsSettings) bool { return s.Fan }, wrap(NewFanSensor)},
	{NameMemory, func(s config.SensorsSettings) bool { return s.Memory }, wrap(NewMemorySensor)},
	{NameModel, func(s config.SensorsSettings) bool { return s.RpiModel }, wrap(NewModelSensor)},
	{NameIPAddress, func(s config.SensorsSettings) bool { return s.IPAddress }, wrap(NewIPAddressSensor)},
	{NameHostname, func(s config.SensorsSettings) bool { return s.Hostname }, wrap(NewHostnameSensor)},
	{NameEthernetMAC, func(s config.SensorsSettings) bool { return s.EthernetMacAddress }, wrap(NewEthernetMACSensor)},
	{NameWifiMAC, func(s config.SensorsSettings) bool { return s.WifiMacAddress }, wrap(NewWifiMACSensor)},
	{NameWifiConnection, func(s config.SensorsSettings) bool { return s.WifiConnection }, wrap(NewWifiConnectionSensor)},
	{NameOSKernel, func(s config.SensorsSettings) bool { return s.OSKernel }, wrap(NewOSKernelSensor)},
	{NameOSRelease, func(s config.SensorsSettings) bool { return s.OSRelease }, wrap(NewOSReleaseSensor)},
	{NameAvailableUpdates, func(s config.SensorsSettings) bool { return s.AvailableUpdates }, wrap(NewAvailableUpdatesSensor)},
	{NameBootTime, func(s config.SensorsSettings) bool { return s.BootTime }, wrap(NewBootTimeSensor)},
	{NameTemperature, func(s config.SensorsSettings) bool { return s.Temperature }, wrap(NewTemperatureSensor)},
	{NameThrottle, func(s config.SensorsSettings) bool { return s.Throttle }, wrap(NewThrottleSensor)},
}

// CreateSensors builds and probes every sensor kind, enabled or not, one
// after the other. Each sensor gets a logger scoped to its name.
func CreateSensors(ctx context.Context, settings config.SensorsSettings, host *Host, logger zerolog.Logger) (*Registry, error) {
	registry := NewRegistry()

	for _, k := range kinds {
		s, err := k.create(ctx, host, k.enabled(settings), logging.Sensor(logger, k.name))
		if err != nil {
			return nil, err
		}
		if err := registry.Register(s); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Int("total", len(registry.sensors)).
		Int("enabled", len(registry.Enabled())).
		Msg("Sensors created")

	return registry, nil
}

// ResolveHostname reads the hostname through the hostname sensor
func ResolveHostname(ctx context.Context, host *Host, logger zerolog.Logger) (string, error) {
	s, err := NewHostnameSensor(ctx, host, true, logging.Sensor(logger, NameHostname))
	if err != nil {
		return "", err
	}
	if probe := s.Probe(); !probe.Available {
		return "", probe.Reason
	}

	name, ok := s.Hostname()
	if !ok {
		return "", notAvailable("hostname is empty")
	}
	return name, nil
}
