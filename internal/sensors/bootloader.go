package sensors

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// BootloaderVersion is the EEPROM bootloader status
type BootloaderVersion struct {
	Status  string // "up to date" or "update available"
	Current string // ISO-8601
	Latest  string // ISO-8601
}

func (b BootloaderVersion) AsDict() map[string]any {
	return map[string]any{
		"status":  b.Status,
		"current": b.Current,
		"latest":  b.Latest,
	}
}

// BootloaderSensor reports the bootloader version from rpi-eeprom-update
type BootloaderSensor struct {
	*metric[BootloaderVersion]
}

func NewBootloaderSensor(ctx context.Context, host *Host, enabled bool, logger zerolog.Logger) (*BootloaderSensor, error) {
	s := &BootloaderSensor{}
	s.metric = newMetric(NameBootloader, enabled, logger, func(ctx context.Context) (BootloaderVersion, error) {
		out, err := host.run(ctx, "rpi-eeprom-update")
		if err != nil {
			return BootloaderVersion{}, err
		}
		return parseBootloader(out)
	})
	return s, s.runProbe(ctx)
}

// parseBootloader parses rpi-eeprom-update output. Only the first occurrence
// of each field is used.
func parseBootloader(out string) (BootloaderVersion, error) {
	var v BootloaderVersion
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case v.Status == "" && strings.HasPrefix(line, "BOOTLOADER:"):
			v.Status = strings.TrimSpace(strings.TrimPrefix(line, "BOOTLOADER:"))
		case v.Current == "" && strings.HasPrefix(line, "CURRENT:"):
			ts, err := parseVersionTime(strings.TrimPrefix(line, "CURRENT:"))
			if err != nil {
				return v, err
			}
			v.Current = ts
		case v.Latest == "" && strings.HasPrefix(line, "LATEST:"):
			ts, err := parseVersionTime(strings.TrimPrefix(line, "LATEST:"))
			if err != nil {
				return v, err
			}
			v.Latest = ts
		}
	}
	return v, nil
}

// parseVersionTime extracts the epoch from "Wed Dec  6 18:29:25 UTC 2023 (1701887365)"
func parseVersionTime(s string) (string, error) {
	start := strings.Index(s, "(")
	end := strings.LastIndex(s, ")")
	if start < 0 || end <= start {
		return "", notAvailable("unexpected bootloader version %q", strings.TrimSpace(s))
	}

	sec, err := strconv.ParseInt(strings.TrimSpace(s[start+1:end]), 10, 64)
	if err != nil {
		return "", notAvailable("unexpected bootloader timestamp %q", s[start+1:end])
	}
	return epochToISO(sec), nil
}
