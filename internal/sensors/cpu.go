package sensors

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"rpimqtt/internal/mqtt"
)

// cpuSampleInterval is the window CPU usage is measured over
const cpuSampleInterval = 100 * time.Millisecond

// CPUUseSensor reports system-wide CPU utilization in percent
type CPUUseSensor struct {
	*metric[float64]
}

func NewCPUUseSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*CPUUseSensor, error) {
	s := &CPUUseSensor{}
	s.metric = newMetric(NameCPUUse, enabled, logger, func(ctx context.Context) (float64, error) {
		pct, err := host.CPUPercent(ctx, cpuSampleInterval)
		if err != nil {
			return 0, platformErr("cpu percent", err)
		}
		return roundPercent(pct), nil
	})
	return s, s.runProbe(ctx)
}

func (s *CPUUseSensor) DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage {
	e := newEntity(topics, device, mqtt.ComponentSensor, "CPU use", s.Name(), "{{ value_json."+s.Name()+" }}")
	e.UnitOfMeasurement = "%"
	e.StateClass = stateClassMeasurement
	e.Icon = "mdi:cpu-64-bit"
	return []mqtt.DiscoveryMessage{e.Message(topics)}
}

// LoadAverage is the system load relative to the number of cores
type LoadAverage struct {
	CPUCores     int
	Load1MinPct  float64
	Load5MinPct  float64
	Load15MinPct float64
}

func (l LoadAverage) AsDict() map[string]any {
	return map[string]any{
		"cpu_cores":      l.CPUCores,
		"load_1min_pct":  l.Load1MinPct,
		"load_5min_pct":  l.Load5MinPct,
		"load_15min_pct": l.Load15MinPct,
	}
}

// CPULoadSensor reports the 1, 5 and 15 minute load average in percent of
// the logical cores
type CPULoadSensor struct {
	*metric[LoadAverage]
}

func NewCPULoadSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*CPULoadSensor, error) {
	s := &CPULoadSensor{}
	s.metric = newMetric(NameCPULoad, enabled, logger, func(ctx context.Context) (LoadAverage, error) {
		cores, err := host.CPUCount(ctx)
		if err != nil {
			return LoadAverage{}, platformErr("cpu count", err)
		}
		if cores <= 0 {
			return LoadAverage{}, notAvailable("no cpu cores reported")
		}

		avg, err := host.LoadAvg(ctx)
		if err != nil {
			return LoadAverage{}, platformErr("load average", err)
		}

		pct := func(v float64) float64 { return roundPercent(v / float64(cores) * 100) }
		return LoadAverage{
			CPUCores:     cores,
			Load1MinPct:  pct(avg.Load1),
			Load5MinPct:  pct(avg.Load5),
			Load15MinPct: pct(avg.Load15),
		}, nil
	})
	return s, s.runProbe(ctx)
}

func (s *CPULoadSensor) DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage {
	e := newEntity(topics, device, mqtt.ComponentSensor, "CPU load", s.Name(), "{{ value_json."+s.Name()+".load_1min_pct }}")
	e.UnitOfMeasurement = "%"
	e.StateClass = stateClassMeasurement
	e.Icon = "mdi:chip"
	withAttributes(&e, s.Name())
	return []mqtt.DiscoveryMessage{e.Message(topics)}
}
