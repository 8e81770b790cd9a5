package sensors

import (
	"context"

	"github.com/rs/zerolog"

	"rpimqtt/internal/mqtt"
)

// MemoryUse is the physical memory usage, swap excluded
type MemoryUse struct {
	TotalGiB     float64
	AvailableGiB float64
	UsedPct      float64
}

func (m MemoryUse) AsDict() map[string]any {
	return map[string]any{
		"total_gib":     m.TotalGiB,
		"available_gib": m.AvailableGiB,
		"used_pct":      m.UsedPct,
	}
}

type MemorySensor struct {
	*metric[MemoryUse]
}

func NewMemorySensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*MemorySensor, error) {
	s := &MemorySensor{}
	s.metric = newMetric(NameMemory, enabled, logger, func(ctx context.Context) (MemoryUse, error) {
		vm, err := host.VirtualMemory(ctx)
		if err != nil {
			return MemoryUse{}, platformErr("virtual memory", err)
		}
		return MemoryUse{
			TotalGiB:     bytesToGiB(vm.Total),
			AvailableGiB: bytesToGiB(vm.Available),
			UsedPct:      roundPercent(vm.UsedPercent),
		}, nil
	})
	return s, s.runProbe(ctx)
}

func (s *MemorySensor) DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage {
	e := newEntity(topics, device, mqtt.ComponentSensor, "Memory use", s.Name(), "{{ value_json."+s.Name()+".used_pct }}")
	e.UnitOfMeasurement = "%"
	e.StateClass = stateClassMeasurement
	e.Icon = "mdi:memory"
	withAttributes(&e, s.Name())
	return []mqtt.DiscoveryMessage{e.Message(topics)}
}
