package sensors

import (
	"context"

	"github.com/rs/zerolog"

	"rpimqtt/internal/mqtt"
)

const diskPath = "/"

// DiskUse is the usage of a mounted filesystem
type DiskUse struct {
	Path     string
	TotalGiB float64
	UsedGiB  float64
	UsedPct  float64
	FreeGiB  float64
}

func (d DiskUse) AsDict() map[string]any {
	return map[string]any{
		"path":      d.Path,
		"total_gib": d.TotalGiB,
		"used_gib":  d.UsedGiB,
		"used_pct":  d.UsedPct,
		"free_gib":  d.FreeGiB,
	}
}

// DiskSensor reports the usage of the root filesystem
type DiskSensor struct {
	*metric[DiskUse]
}

func NewDiskSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*DiskSensor, error) {
	s := &DiskSensor{}
	s.metric = newMetric(NameDisk, enabled, logger, func(ctx context.Context) (DiskUse, error) {
		usage, err := host.DiskUsage(ctx, diskPath)
		if err != nil {
			return DiskUse{}, platformErr("disk usage", err)
		}
		return DiskUse{
			Path:     diskPath,
			TotalGiB: bytesToGiB(usage.Total),
			UsedGiB:  bytesToGiB(usage.Used),
			UsedPct:  roundPercent(usage.UsedPercent),
			FreeGiB:  bytesToGiB(usage.Free),
		}, nil
	})
	return s, s.runProbe(ctx)
}

func (s *DiskSensor) DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage {
	e := newEntity(topics, device, mqtt.ComponentSensor, "Disk use", s.Name(), "{{ value_json."+s.Name()+".used_pct }}")
	e.UnitOfMeasurement = "%"
	e.StateClass = stateClassMeasurement
	e.Icon = "mdi:harddisk"
	withAttributes(&e, s.Name())
	return []mqtt.DiscoveryMessage{e.Message(topics)}
}
