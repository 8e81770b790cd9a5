package sensors

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	hwmonFanGlob = "/sys/class/hwmon/hwmon*/fan*_input"

	// DefaultFanMaxRPM is the top speed of the Raspberry Pi active cooler.
	// The hardware does not report it.
	DefaultFanMaxRPM = 8000
)

// FanSpeed is one fan reading
type FanSpeed struct {
	CurrSpeedRPM int
	MaxSpeedRPM  int
	CurrSpeedPct float64
}

// NewFanSpeed computes the speed percentage against DefaultFanMaxRPM
func NewFanSpeed(rpm int) FanSpeed {
	return FanSpeed{
		CurrSpeedRPM: rpm,
		MaxSpeedRPM:  DefaultFanMaxRPM,
		CurrSpeedPct: roundPercent(float64(rpm) / DefaultFanMaxRPM * 100),
	}
}

func (f FanSpeed) AsDict() map[string]any {
	return map[string]any{
		"curr_speed_rpm": f.CurrSpeedRPM,
		"max_speed_rpm":  f.MaxSpeedRPM,
		"curr_speed_pct": f.CurrSpeedPct,
	}
}

// FanSpeeds maps a fan name to its reading
type FanSpeeds map[string]FanSpeed

func (f FanSpeeds) AsDict() map[string]any {
	out := make(map[string]any, len(f))
	for name, speed := range f {
		out[name] = speed.AsDict()
	}
	return out
}

// FanSensor reports the speed of every hwmon fan
type FanSensor struct {
	*metric[FanSpeeds]
}

func NewFanSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*FanSensor, error) {
	s := &FanSensor{}
	s.metric = newMetric(NameFan, enabled, logger, func(ctx context.Context) (FanSpeeds, error) {
		return readFans(host)
	})
	return s, s.runProbe(ctx)
}

// readFans scans hwmon for fan inputs. A fan is named after its label, or
// after its chip when it has none.
func readFans(host *Host) (FanSpeeds, error) {
	inputs, err := host.Glob(hwmonFanGlob)
	if err != nil {
		return nil, notAvailable("failed to list fans: %v", err)
	}
	sort.Strings(inputs)

	fans := FanSpeeds{}
	for _, input := range inputs {
		raw, err := host.readFile(input)
		if err != nil {
			continue
		}
		rpm, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}

		dir := filepath.Dir(input)
		base := strings.TrimSuffix(filepath.Base(input), "_input")

		name := ""
		if label, err := host.readFile(filepath.Join(dir, base+"_label")); err == nil {
			name = strings.TrimSpace(label)
		}
		if name == "" {
			if chip, err := host.readFile(filepath.Join(dir, "name")); err == nil {
				name = strings.TrimSpace(chip)
			}
		}
		if name == "" {
			name = filepath.Base(dir)
		}
		if _, exists := fans[name]; exists {
			name = name + "_" + base
		}

		fans[name] = NewFanSpeed(rpm)
	}

	if len(fans) == 0 {
		return nil, notAvailable("no fans detected")
	}
	return fans, nil
}
