package sensors

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

const modelPath = "/sys/firmware/devicetree/base/model"

// ModelSensor reports the board model, e.g. "Raspberry Pi 5 Model B Rev 1.0"
type ModelSensor struct {
	*metric[string]
}

func NewModelSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*ModelSensor, error) {
	s := &ModelSensor{}
	s.metric = newMetric(NameModel, enabled, logger, func(ctx context.Context) (string, error) {
		raw, err := host.readFile(modelPath)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(strings.Trim(firstLine(raw), "\x00")), nil
	})
	return s, s.runProbe(ctx)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
