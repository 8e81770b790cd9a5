package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"rpimqtt/internal/config"
	"rpimqtt/internal/sensors"
)

// ListSensors probes every sensor kind and writes one line per sensor with
// its availability, enabled flag and current value
func ListSensors(ctx context.Context, settings config.SensorsSettings, host *sensors.Host, logger zerolog.Logger, w io.Writer) error {
	if host == nil {
		host = sensors.DefaultHost()
	}

	registry, err := sensors.CreateSensors(ctx, settings, host, logger)
	if err != nil {
		return fmt.Errorf("failed to create sensors: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SENSOR\tAVAILABLE\tENABLED\tVALUE")

	for _, s := range registry.All() {
		value := "-"
		if probe := s.Probe(); probe.Available {
			data, err := json.Marshal(s.StateAsDict())
			if err != nil {
				return fmt.Errorf("failed to encode sensor %s: %w", s.Name(), err)
			}
			value = string(data)
		} else if probe.Reason != nil {
			value = probe.Reason.Error()
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\t%s\n", s.Name(), s.Available(), s.Enabled(), value)
	}

	return tw.Flush()
}
