package sensors

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"rpimqtt/internal/mqtt"
)

// Throttle status values, also used as the binary sensor payloads
const (
	ThrottleStatusThrottled    = "throttled"
	ThrottleStatusNotThrottled = "not throttled"
)

// throttleReasons maps get_throttled bits to their meaning
var throttleReasons = []struct {
	bit    uint
	reason string
}{
	{0, "Under-voltage detected"},
	{1, "Arm frequency capped"},
	{2, "Currently throttled"},
	{3, "Soft temperature limit active"},
	{16, "Under-voltage has occurred"},
	{17, "Arm frequency capped has occurred"},
	{18, "Throttling has occurred"},
	{19, "Soft temperature limit has occurred"},
}

// ThrottleStatus is the decoded "vcgencmd get_throttled" value
type ThrottleStatus struct {
	Status        string
	StatusHex     string
	StatusDecimal int64
	StatusBinary  string
	Reason        string
}

// NewThrottleStatus decodes a raw value such as "0x50000"
func NewThrottleStatus(hex string) (ThrottleStatus, error) {
	v, err := strconv.ParseInt(hex, 0, 64)
	if err != nil {
		return ThrottleStatus{}, notAvailable("bad throttled value %q", hex)
	}

	status := ThrottleStatusThrottled
	if v == 0 {
		status = ThrottleStatusNotThrottled
	}

	return ThrottleStatus{
		Status:        status,
		StatusHex:     hex,
		StatusDecimal: v,
		StatusBinary:  "0b" + strconv.FormatInt(v, 2),
		Reason:        throttleReason(v),
	}, nil
}

func throttleReason(v int64) string {
	var reasons []string
	for _, r := range throttleReasons {
		if v&(1<<r.bit) != 0 {
			reasons = append(reasons, r.reason)
		}
	}
	if len(reasons) == 0 {
		return "Not throttled"
	}
	return strings.Join(reasons, ". ")
}

func (t ThrottleStatus) AsDict() map[string]any {
	return map[string]any{
		"status":         t.Status,
		"status_hex":     t.StatusHex,
		"status_decimal": t.StatusDecimal,
		"status_binary":  t.StatusBinary,
		"reason":         t.Reason,
	}
}

// ThrottleSensor reports under-voltage and thermal throttling
type ThrottleSensor struct {
	*metric[ThrottleStatus]
}

func NewThrottleSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*ThrottleSensor, error) {
	s := &ThrottleSensor{}
	s.metric = newMetric(NameThrottle, enabled, logger, func(ctx context.Context) (ThrottleStatus, error) {
		out, err := host.run(ctx, "vcgencmd", "get_throttled")
		if err != nil {
			return ThrottleStatus{}, err
		}

		// throttled=0x0
		raw := strings.TrimSpace(out)
		_, hex, ok := strings.Cut(raw, "=")
		if !ok {
			logger.Warn().Str("output", raw).Msg("Unexpected get_throttled output")
			return ThrottleStatus{}, notAvailable("bad response from vcgencmd get_throttled: %q", raw)
		}
		return NewThrottleStatus(strings.TrimSpace(hex))
	})
	return s, s.runProbe(ctx)
}

func (s *ThrottleSensor) DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage {
	e := newEntity(topics, device, mqtt.ComponentBinarySensor, "Throttled", s.Name(), "{{ value_json."+s.Name()+".status }}")
	e.DeviceClass = "problem"
	e.PayloadOn = ThrottleStatusThrottled
	e.PayloadOff = ThrottleStatusNotThrottled
	withAttributes(&e, s.Name())
	return []mqtt.DiscoveryMessage{e.Message(topics)}
}
