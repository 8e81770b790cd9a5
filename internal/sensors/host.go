package sensors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	pshost "github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// isoLayout is ISO-8601 with a numeric UTC offset, e.g. 2023-12-06T18:29:25+00:00
const isoLayout = "2006-01-02T15:04:05-07:00"

// Host is the system backend the sensors read from. Fields can be replaced
// in tests.
type Host struct {
	ReadFile func(path string) ([]byte, error)
	Glob     func(pattern string) ([]string, error)
	Run      func(ctx context.Context, name string, args ...string) ([]byte, error)

	CPUPercent    func(ctx context.Context, interval time.Duration) (float64, error)
	CPUCount      func(ctx context.Context) (int, error)
	LoadAvg       func(ctx context.Context) (*load.AvgStat, error)
	DiskUsage     func(ctx context.Context, path string) (*disk.UsageStat, error)
	VirtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	BootTime      func(ctx context.Context) (uint64, error)
	Temperatures  func(ctx context.Context) ([]pshost.TemperatureStat, error)

	Now func() time.Time
}

// DefaultHost returns a Host backed by the real system
func DefaultHost() *Host {
	return &Host{
		ReadFile: os.ReadFile,
		Glob:     filepath.Glob,
		Run:      runCommand,

		CPUPercent: func(ctx context.Context, interval time.Duration) (float64, error) {
			percents, err := cpu.PercentWithContext(ctx, interval, false)
			if err != nil {
				return 0, err
			}
			if len(percents) == 0 {
				return 0, errors.New("no cpu usage reported")
			}
			return percents[0], nil
		},
		CPUCount: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
		LoadAvg:       load.AvgWithContext,
		DiskUsage:     disk.UsageWithContext,
		VirtualMemory: mem.VirtualMemoryWithContext,
		BootTime:      pshost.BootTimeWithContext,
		Temperatures:  pshost.SensorsTemperaturesWithContext,

		Now: time.Now,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr strings.Builder
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return out, err
	}
	return out, nil
}

// readFile reads a file, any failure means the metric is not available
func (h *Host) readFile(path string) (string, error) {
	data, err := h.ReadFile(path)
	if err != nil {
		return "", notAvailable("failed to read %s: %v", path, err)
	}
	return string(data), nil
}

// run executes a command. A missing binary, a non-zero exit status or a
// permission problem means the metric is not available.
func (h *Host) run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := h.Run(ctx, name, args...)
	if err == nil {
		return string(out), nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return "", notAvailable("command %s not found", name)
	case errors.As(err, &exitErr):
		return "", notAvailable("command %s failed: %v", name, err)
	case errors.Is(err, fs.ErrPermission):
		return "", notAvailable("command %s not permitted", name)
	case errors.Is(err, ErrNotAvailable):
		return "", err
	}
	return "", fmt.Errorf("failed to run %s: %w", name, err)
}

func (h *Host) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// platformErr converts a gopsutil error into a not available error
func platformErr(call string, err error) error {
	return notAvailable("%s not available: %v", call, err)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func roundPercent(v float64) float64 {
	return round(v, 2)
}

func roundTemp(v float64) float64 {
	return round(v, 1)
}

func bytesToGiB(b uint64) float64 {
	return round(float64(b)/1024/1024/1024, 2)
}

// epochToISO formats seconds since the epoch as ISO-8601 in UTC
func epochToISO(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(isoLayout)
}
