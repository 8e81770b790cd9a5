package sensors

import (
	"context"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"rpimqtt/internal/mqtt"
)

const (
	tcpTablePath = "/proc/net/tcp"
	hostnamePath = "/etc/hostname"

	tcpEstablished = 0x01
)

// IPAddressSensor reports the local IPv4 address of the first established
// TCP connection
type IPAddressSensor struct {
	*metric[string]
}

func NewIPAddressSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*IPAddressSensor, error) {
	s := &IPAddressSensor{}
	s.metric = newMetric(NameIPAddress, enabled, logger, func(ctx context.Context) (string, error) {
		raw, err := host.readFile(tcpTablePath)
		if err != nil {
			return "", err
		}
		return parseTCPTable(strings.Trim(raw, "\x00")), nil
	})
	return s, s.runProbe(ctx)
}

// parseTCPTable returns the local address of the first established
// connection in /proc/net/tcp, or "" when there is none. Lines look like
//
//	0: 8D01A8C0:0016 B801A8C0:E3A7 01 00000000:00000000 02:00096E3C 00000000
func parseTCPTable(content string) string {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] == "sl" {
			continue
		}

		state, err := strconv.ParseUint(fields[3], 16, 8)
		if err != nil || state != tcpEstablished {
			continue
		}

		addr, _, ok := strings.Cut(fields[1], ":")
		if !ok {
			continue
		}
		if ip, ok := littleEndianHexToIP(addr); ok {
			return ip
		}
	}
	return ""
}

// littleEndianHexToIP converts "8D01A8C0" to "192.168.1.141"
func littleEndianHexToIP(s string) (string, bool) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return "", false
	}
	addr := netip.AddrFrom4([4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
	return addr.String(), true
}

// HostnameSensor reports the first line of /etc/hostname
type HostnameSensor struct {
	*metric[string]
}

func NewHostnameSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*HostnameSensor, error) {
	s := &HostnameSensor{}
	s.metric = newMetric(NameHostname, enabled, logger, func(ctx context.Context) (string, error) {
		raw, err := host.readFile(hostnamePath)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(firstLine(raw)), nil
	})
	return s, s.runProbe(ctx)
}

// Hostname returns the hostname read by the probe
func (s *HostnameSensor) Hostname() (string, bool) {
	name, ok := s.value()
	return name, ok && name != ""
}

// MACAddressSensor reports the MAC address of one network interface
type MACAddressSensor struct {
	*metric[string]
	iface string
}

// NewEthernetMACSensor reads the eth0 MAC address
func NewEthernetMACSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*MACAddressSensor, error) {
	return newMACAddressSensor(ctx, host, NameEthernetMAC, "eth0", enabled, logger)
}

// NewWifiMACSensor reads the wlan0 MAC address
func NewWifiMACSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*MACAddressSensor, error) {
	return newMACAddressSensor(ctx, host, NameWifiMAC, "wlan0", enabled, logger)
}

func newMACAddressSensor(ctx context.Context, host *Host, name, iface string, enabled bool, logger zerolog.Logger) (*MACAddressSensor, error) {
	s := &MACAddressSensor{iface: iface}
	s.metric = newMetric(name, enabled, logger, func(ctx context.Context) (string, error) {
		return readMACAddress(host, iface)
	})
	return s, s.runProbe(ctx)
}

func readMACAddress(host *Host, iface string) (string, error) {
	raw, err := host.readFile("/sys/class/net/" + iface + "/address")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(firstLine(raw)), nil
}

// WiFi connection status values
const (
	WifiStatusOn  = "on"
	WifiStatusOff = "off"
)

// WiFiConnection is the state of the wlan0 link
type WiFiConnection struct {
	Status                string
	SSID                  string
	SignalStrengthDBM     int
	FreqMHz               int
	MACAddr               string
	SignalStrengthQuality string
}

// NewWiFiConnection derives the signal quality from the status and signal
func NewWiFiConnection(status, ssid string, signalDBM, freqMHz int, mac string) WiFiConnection {
	return WiFiConnection{
		Status:                status,
		SSID:                  ssid,
		SignalStrengthDBM:     signalDBM,
		FreqMHz:               freqMHz,
		MACAddr:               mac,
		SignalStrengthQuality: signalQuality(status, signalDBM),
	}
}

// signalQuality buckets a dBm reading
func signalQuality(status string, dbm int) string {
	switch {
	case status == WifiStatusOff:
		return "N/A"
	case dbm > -67:
		return "Excellent"
	case dbm > -70:
		return "Very good"
	case dbm > -80:
		return "Ok"
	case dbm > -90:
		return "Not good"
	default:
		return "Unusable"
	}
}

func (w WiFiConnection) AsDict() map[string]any {
	return map[string]any{
		"status":                  w.Status,
		"ssid":                    w.SSID,
		"signal_strength_dbm":     w.SignalStrengthDBM,
		"freq_mhz":                w.FreqMHz,
		"mac_addr":                w.MACAddr,
		"signal_strength_quality": w.SignalStrengthQuality,
	}
}

// WifiConnectionSensor reports the wlan0 link from "iw wlan0 link"
type WifiConnectionSensor struct {
	*metric[WiFiConnection]
}

func NewWifiConnectionSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*WifiConnectionSensor, error) {
	s := &WifiConnectionSensor{}
	s.metric = newMetric(NameWifiConnection, enabled, logger, func(ctx context.Context) (WiFiConnection, error) {
		out, err := host.run(ctx, "iw", "wlan0", "link")
		if err != nil {
			return WiFiConnection{}, err
		}
		mac, err := readMACAddress(host, "wlan0")
		if err != nil {
			return WiFiConnection{}, err
		}
		return parseWifiLink(out, mac), nil
	})
	return s, s.runProbe(ctx)
}

func parseWifiLink(out, mac string) WiFiConnection {
	var (
		ssid   string
		signal int
		freq   int
	)

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "SSID:"):
			ssid = strings.TrimSpace(strings.TrimPrefix(line, "SSID:"))
		case strings.HasPrefix(line, "signal:"):
			v := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, "signal:"), "dBm"))
			signal, _ = strconv.Atoi(strings.TrimSpace(v))
		case strings.HasPrefix(line, "freq:"):
			// Newer iw versions print a fractional frequency
			if f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "freq:")), 64); err == nil {
				freq = int(f)
			}
		}
	}

	status := WifiStatusOn
	if strings.TrimSpace(out) == "Not connected." || ssid == "" {
		status = WifiStatusOff
	}

	return NewWiFiConnection(status, ssid, signal, freq, mac)
}

func (s *WifiConnectionSensor) DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage {
	e := newEntity(topics, device, mqtt.ComponentSensor, "WiFi signal", s.Name(), "{{ value_json."+s.Name()+".signal_strength_dbm }}")
	e.DeviceClass = "signal_strength"
	e.UnitOfMeasurement = "dBm"
	e.StateClass = stateClassMeasurement
	e.EntityCategory = entityCategoryDiagnostic
	withAttributes(&e, s.Name())
	return []mqtt.DiscoveryMessage{e.Message(topics)}
}
