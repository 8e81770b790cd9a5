package sensors

import (
	"bufio"
	"context"
	"strings"

	"github.com/rs/zerolog"

	"rpimqtt/internal/mqtt"
)

const osReleasePath = "/etc/os-release"

// OSKernelSensor reports "uname -rvm"
type OSKernelSensor struct {
	*metric[string]
}

func NewOSKernelSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*OSKernelSensor, error) {
	s := &OSKernelSensor{}
	s.metric = newMetric(NameOSKernel, enabled, logger, func(ctx context.Context) (string, error) {
		out, err := host.run(ctx, "uname", "-rvm")
		if err != nil {
			return "", err
		}
		return strings.ReplaceAll(out, "\n", ""), nil
	})
	return s, s.runProbe(ctx)
}

// OSReleaseSensor reports PRETTY_NAME from /etc/os-release
type OSReleaseSensor struct {
	*metric[string]
}

func NewOSReleaseSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*OSReleaseSensor, error) {
	s := &OSReleaseSensor{}
	s.metric = newMetric(NameOSRelease, enabled, logger, func(ctx context.Context) (string, error) {
		raw, err := host.readFile(osReleasePath)
		if err != nil {
			return "", err
		}
		return parseOSRelease(raw)
	})
	return s, s.runProbe(ctx)
}

func parseOSRelease(content string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.TrimSpace(strings.ReplaceAll(v, `"`, "")), nil
		}
	}
	return "", notAvailable("PRETTY_NAME missing in %s", osReleasePath)
}

// AvailableUpdatesSensor reports the number of packages apt would upgrade.
// It reads the local package cache and never refreshes it.
type AvailableUpdatesSensor struct {
	*metric[int]
}

func NewAvailableUpdatesSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*AvailableUpdatesSensor, error) {
	s := &AvailableUpdatesSensor{}
	s.metric = newMetric(NameAvailableUpdates, enabled, logger, func(ctx context.Context) (int, error) {
		out, err := host.run(ctx, "apt-get", "--simulate", "upgrade")
		if err != nil {
			return 0, err
		}
		return countAptUpgrades(out), nil
	})
	return s, s.runProbe(ctx)
}

// countAptUpgrades counts the "Inst " lines of a simulated upgrade
func countAptUpgrades(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Inst ") {
			n++
		}
	}
	return n
}

func (s *AvailableUpdatesSensor) DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage {
	e := newEntity(topics, device, mqtt.ComponentSensor, "Available updates", s.Name(), "{{ value_json."+s.Name()+" }}")
	e.Icon = "mdi:package-up"
	e.StateClass = stateClassMeasurement
	e.EntityCategory = entityCategoryDiagnostic
	return []mqtt.DiscoveryMessage{e.Message(topics)}
}

// BootTimeSensor reports when the system booted, as ISO-8601 UTC
type BootTimeSensor struct {
	*metric[string]
}

func NewBootTimeSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*BootTimeSensor, error) {
	s := &BootTimeSensor{}
	s.metric = newMetric(NameBootTime, enabled, logger, func(ctx context.Context) (string, error) {
		sec, err := host.BootTime(ctx)
		if err != nil {
			return "", platformErr("boot time", err)
		}
		return epochToISO(int64(sec)), nil
	})
	return s, s.runProbe(ctx)
}

func (s *BootTimeSensor) DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage {
	e := newEntity(topics, device, mqtt.ComponentSensor, "Boot time", s.Name(), "{{ value_json."+s.Name()+" }}")
	e.DeviceClass = "timestamp"
	e.EntityCategory = entityCategoryDiagnostic
	return []mqtt.DiscoveryMessage{e.Message(topics)}
}
