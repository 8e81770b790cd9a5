package sensors

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"rpimqtt/internal/mqtt"
)

// GPUTemperatureKey is the key of the vcgencmd reading
const GPUTemperatureKey = "gpu"

// Temperature is one temperature reading in °C. High and Critical are nil
// when the hardware does not report them.
type Temperature struct {
	CurrentC  float64
	HighC     *float64
	CriticalC *float64
}

func (t Temperature) AsDict() map[string]any {
	return map[string]any{
		"current_c":  t.CurrentC,
		"high_c":     t.HighC,
		"critical_c": t.CriticalC,
	}
}

// Temperatures maps a hardware component to its reading
type Temperatures map[string]Temperature

func (t Temperatures) AsDict() map[string]any {
	out := make(map[string]any, len(t))
	for name, temp := range t {
		out[name] = temp.AsDict()
	}
	return out
}

// TemperatureSensor reports the hwmon temperatures plus the GPU temperature
type TemperatureSensor struct {
	*metric[Temperatures]
}

func NewTemperatureSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*TemperatureSensor, error) {
	s := &TemperatureSensor{}
	s.metric = newMetric(NameTemperature, enabled, logger, func(ctx context.Context) (Temperatures, error) {
		return readTemperatures(ctx, host, logger)
	})
	return s, s.runProbe(ctx)
}

func readTemperatures(ctx context.Context, host *Host, logger zerolog.Logger) (Temperatures, error) {
	// gopsutil returns partial results together with a warnings error
	stats, err := host.Temperatures(ctx)
	if err != nil && len(stats) == 0 {
		return nil, platformErr("sensors temperatures", err)
	}

	temps := Temperatures{}
	for _, st := range stats {
		if st.SensorKey == "" {
			continue
		}
		temps[st.SensorKey] = Temperature{
			CurrentC:  roundTemp(st.Temperature),
			HighC:     optionalTemp(st.High),
			CriticalC: optionalTemp(st.Critical),
		}
	}

	if len(temps) == 0 {
		return nil, notAvailable("no temperatures detected")
	}

	// The GPU reading is optional on top of the hwmon temperatures
	gpu, err := readGPUTemperature(ctx, host)
	switch {
	case err == nil:
		temps[GPUTemperatureKey] = gpu
	case errors.Is(err, ErrNotAvailable):
		logger.Debug().Err(err).Msg("GPU temperature not available")
	default:
		return nil, err
	}
	return temps, nil
}

// readGPUTemperature parses "temp=51.0'C" from vcgencmd
func readGPUTemperature(ctx context.Context, host *Host) (Temperature, error) {
	out, err := host.run(ctx, "vcgencmd", "measure_temp")
	if err != nil {
		return Temperature{}, err
	}

	raw := strings.TrimSpace(out)
	raw = strings.TrimPrefix(raw, "temp=")
	raw = strings.TrimSuffix(raw, "'C")

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Temperature{}, notAvailable("unexpected vcgencmd output %q", strings.TrimSpace(out))
	}
	return Temperature{CurrentC: roundTemp(v)}, nil
}

func optionalTemp(v float64) *float64 {
	if v == 0 {
		return nil
	}
	r := roundTemp(v)
	return &r
}

// primaryKey returns the key exposed to Home Assistant: the first CPU
// temperature, else the first key in order
func (t Temperatures) primaryKey() string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.Contains(strings.ToLower(k), "cpu") {
			return k
		}
	}
	for _, k := range keys {
		if k != GPUTemperatureKey {
			return k
		}
	}
	if len(keys) > 0 {
		return keys[0]
	}
	return ""
}

func (s *TemperatureSensor) DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage {
	temps, ok := s.value()
	if !ok {
		return nil
	}
	key := temps.primaryKey()
	if key == "" {
		return nil
	}

	e := newEntity(topics, device, mqtt.ComponentSensor, "CPU temperature", s.Name(),
		"{{ value_json."+s.Name()+"['"+key+"'].current_c }}")
	e.DeviceClass = "temperature"
	e.UnitOfMeasurement = "°C"
	e.StateClass = stateClassMeasurement
	withAttributes(&e, s.Name())
	return []mqtt.DiscoveryMessage{e.Message(topics)}
}
