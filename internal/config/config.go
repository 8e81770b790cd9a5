// Package config loads the YAML settings file
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variable names. Values found in the environment override the
// settings file.
const (
	EnvMQTTHostname = "RPI_MQTT_HOSTNAME"
	EnvMQTTPort     = "RPI_MQTT_PORT"
	EnvMQTTUsername = "RPI_MQTT_USERNAME"
	EnvMQTTPassword = "RPI_MQTT_PASSWORD"
	EnvLogLevel     = "RPI_MQTT_LOG_LEVEL"
)

// Default values
const (
	DefaultMQTTHostname         = "127.0.0.1"
	DefaultMQTTPort             = 1883
	DefaultMQTTClientID         = "rpi-mqtt"
	DefaultSensorName           = "rpi-{hostname}"
	DefaultBaseTopic            = "rpi-mqtt"
	DefaultDiscoveryTopicPrefix = "homeassistant"
	DefaultUpdateInterval       = 60
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "console"
)

// HostnameTemplate is the sensor name that is resolved from the hostname at startup.
const HostnameTemplate = DefaultSensorName

// ErrMissingSettingsFile is returned when no settings file path is given
var ErrMissingSettingsFile = errors.New("settings file path is required")

// Settings holds all application configuration
type Settings struct {
	MQTT    MQTTSettings    `yaml:"mqtt"`
	Script  ScriptSettings  `yaml:"script"`
	Sensors SensorsSettings `yaml:"sensors"`
	Storage StorageSettings `yaml:"storage"`
	HTTP    HTTPSettings    `yaml:"http"`
}

// MQTTSettings holds broker connection and topic settings
type MQTTSettings struct {
	Hostname             string              `yaml:"hostname"`
	Port                 int                 `yaml:"port"`
	ClientID             string              `yaml:"client_id"`
	Authentication       *AuthenticationInfo `yaml:"authentication"`
	TLS                  *TLSSettings        `yaml:"tls"`
	SensorName           string              `yaml:"sensor_name"`
	BaseTopic            string              `yaml:"base_topic"`
	DiscoveryTopicPrefix string              `yaml:"discovery_topic_prefix"`
}

// AuthenticationInfo holds broker credentials
type AuthenticationInfo struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TLSSettings holds paths for an encrypted broker connection
type TLSSettings struct {
	CACerts  string `yaml:"ca_certs"`
	CertFile string `yaml:"certfile"`
	KeyFile  string `yaml:"keyfile"`
}

// ScriptSettings holds general daemon settings
type ScriptSettings struct {
	UpdateInterval int    `yaml:"update_interval"` // seconds
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

// SensorsSettings holds the enabled flag of every sensor kind
type SensorsSettings struct {
	BootLoader         bool `yaml:"boot_loader"`
	CPUUse             bool `yaml:"cpu_use"`
	CPULoad            bool `yaml:"cpu_load"`
	Disk               bool `yaml:"disk"`
	Fan                bool `yaml:"fan"`
	Memory             bool `yaml:"memory"`
	RpiModel           bool `yaml:"rpi_model"`
	IPAddress          bool `yaml:"ip_address"`
	Hostname           bool `yaml:"hostname"`
	EthernetMacAddress bool `yaml:"ethernet_mac_address"`
	WifiMacAddress     bool `yaml:"wifi_mac_address"`
	WifiConnection     bool `yaml:"wifi_connection"`
	OSKernel           bool `yaml:"os_kernel"`
	OSRelease          bool `yaml:"os_release"`
	AvailableUpdates   bool `yaml:"available_updates"`
	BootTime           bool `yaml:"boot_time"`
	Temperature        bool `yaml:"temperature"`
	Throttle           bool `yaml:"throttle"`
}

// StorageSettings configures the local state store
type StorageSettings struct {
	Path string `yaml:"path"` // empty disables the store
}

// HTTPSettings configures the local status API
type HTTPSettings struct {
	Listen string `yaml:"listen"` // empty disables the server
}

// Load reads settings from a YAML file.
// Defaults are applied first, then the file, then environment overrides.
func Load(filePath string) (*Settings, error) {
	if filePath == "" {
		return nil, ErrMissingSettingsFile
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Parse decodes settings from YAML content and validates them
func Parse(data []byte) (*Settings, error) {
	s := Default()

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	s.applyEnv(os.LookupEnv)

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return s, nil
}

// Default returns settings populated with default values
func Default() *Settings {
	return &Settings{
		MQTT: MQTTSettings{
			Hostname:             DefaultMQTTHostname,
			Port:                 DefaultMQTTPort,
			ClientID:             DefaultMQTTClientID,
			SensorName:           DefaultSensorName,
			BaseTopic:            DefaultBaseTopic,
			DiscoveryTopicPrefix: DefaultDiscoveryTopicPrefix,
		},
		Script: ScriptSettings{
			UpdateInterval: DefaultUpdateInterval,
			LogLevel:       DefaultLogLevel,
			LogFormat:      DefaultLogFormat,
		},
		Sensors: SensorsSettings{
			BootLoader:         true,
			CPUUse:             true,
			CPULoad:            true,
			Disk:               true,
			Fan:                true,
			Memory:             true,
			RpiModel:           true,
			IPAddress:          true,
			Hostname:           true,
			EthernetMacAddress: true,
			WifiMacAddress:     true,
			WifiConnection:     true,
			OSKernel:           true,
			OSRelease:          true,
			AvailableUpdates:   true,
			BootTime:           true,
			Temperature:        true,
			Throttle:           true,
		},
	}
}

// applyEnv applies environment overrides
func (s *Settings) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvMQTTHostname); ok && v != "" {
		s.MQTT.Hostname = v
	}
	if v, ok := lookup(EnvMQTTPort); ok && v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			s.MQTT.Port = port
		}
	}
	if v, ok := lookup(EnvMQTTUsername); ok && v != "" {
		if s.MQTT.Authentication == nil {
			s.MQTT.Authentication = &AuthenticationInfo{}
		}
		s.MQTT.Authentication.Username = v
	}
	if v, ok := lookup(EnvMQTTPassword); ok && v != "" {
		if s.MQTT.Authentication == nil {
			s.MQTT.Authentication = &AuthenticationInfo{}
		}
		s.MQTT.Authentication.Password = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		s.Script.LogLevel = v
	}
}

// validate checks if configuration is valid. Empty tls and authentication
// blocks are dropped, so they do not enable TLS or send empty credentials.
func (s *Settings) validate() error {
	if tls := s.MQTT.TLS; tls != nil && *tls == (TLSSettings{}) {
		s.MQTT.TLS = nil
	}
	if auth := s.MQTT.Authentication; auth != nil && *auth == (AuthenticationInfo{}) {
		s.MQTT.Authentication = nil
	}

	if s.MQTT.Hostname == "" {
		return errors.New("mqtt hostname cannot be empty")
	}
	if s.MQTT.Port < 1 || s.MQTT.Port > 65535 {
		return fmt.Errorf("invalid mqtt port number: %d", s.MQTT.Port)
	}
	if strings.TrimSpace(s.MQTT.SensorName) == "" {
		return errors.New("mqtt sensor_name cannot be empty")
	}
	if strings.TrimSpace(s.MQTT.BaseTopic) == "" {
		return errors.New("mqtt base_topic cannot be empty")
	}
	if strings.TrimSpace(s.MQTT.DiscoveryTopicPrefix) == "" {
		return errors.New("mqtt discovery_topic_prefix cannot be empty")
	}
	if strings.ContainsAny(s.MQTT.SensorName, "/+#") {
		return fmt.Errorf("mqtt sensor_name must not contain topic separators or wildcards: %q", s.MQTT.SensorName)
	}

	if tls := s.MQTT.TLS; tls != nil {
		if (tls.CertFile == "") != (tls.KeyFile == "") {
			return errors.New("tls certfile and keyfile must be set together")
		}
	}

	if s.Script.UpdateInterval < 1 {
		return fmt.Errorf("update_interval must be at least 1 second, got %d", s.Script.UpdateInterval)
	}

	switch strings.ToLower(s.Script.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be one of: debug, info, warn, error, got %q", s.Script.LogLevel)
	}
	if strings.ToLower(s.Script.LogLevel) == "warning" {
		s.Script.LogLevel = "warn"
	}

	switch strings.ToLower(s.Script.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be 'console' or 'json', got %q", s.Script.LogFormat)
	}

	return nil
}

// BrokerURL returns the broker address in the form expected by the MQTT client
func (m MQTTSettings) BrokerURL() string {
	scheme := "tcp"
	if m.TLS != nil {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Hostname, m.Port)
}

// UsesHostnameTemplate reports whether the sensor name is derived from the hostname
func (m MQTTSettings) UsesHostnameTemplate() bool {
	return strings.ToLower(strings.TrimSpace(m.SensorName)) == HostnameTemplate
}

// String returns a string representation of the settings (without secrets)
func (s *Settings) String() string {
	auth := "[not set]"
	if s.MQTT.Authentication != nil && s.MQTT.Authentication.Username != "" {
		auth = s.MQTT.Authentication.Username + ":[hidden]"
	}

	return fmt.Sprintf(
		"Settings{Broker: %q, ClientID: %q, Auth: %s, TLS: %v, SensorName: %q, BaseTopic: %q, DiscoveryPrefix: %q, UpdateInterval: %ds, LogLevel: %q, Storage: %q, HTTP: %q}",
		s.MQTT.BrokerURL(), s.MQTT.ClientID, auth, s.MQTT.TLS != nil, s.MQTT.SensorName,
		s.MQTT.BaseTopic, s.MQTT.DiscoveryTopicPrefix, s.Script.UpdateInterval, s.Script.LogLevel,
		s.Storage.Path, s.HTTP.Listen,
	)
}
