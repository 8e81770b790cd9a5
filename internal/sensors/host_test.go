package sensors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	pshost "github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eepromOutput = `BOOTLOADER: up to date
   CURRENT: Wed Dec  6 18:29:25 UTC 2023 (1701887365)
    LATEST: Wed Dec  6 18:29:25 UTC 2023 (1701887365)
   RELEASE: default (/lib/firmware/raspberrypi/bootloader-2712/default)
            Use raspi-config to change the release.
`

	iwOutput = `Connected to 7c:ff:4d:aa:bb:cc (on wlan0)
	SSID: my-network
	freq: 5180
	RX: 1052 bytes (10 packets)
	TX: 1264 bytes (12 packets)
	signal: -43 dBm
	rx bitrate: 433.3 MBit/s VHT-MCS 9 80MHz short GI VHT-NSS 1
`

	tcpTable = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000:0016 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 1234 1 0000000000000000 100 0 0 10 0
   1: 8D01A8C0:0016 B801A8C0:E3A7 01 00000000:00000000 02:00096E3C 00000000     0        0 5678 2 0000000000000000 20 4 29 10 -1
`

	osRelease = `PRETTY_NAME="Debian GNU/Linux 12 (bookworm)"
NAME="Debian GNU/Linux"
VERSION_ID="12"
`

	aptOutput = `Reading package lists...
Building dependency tree...
The following packages will be upgraded:
  curl libcurl4
2 upgraded, 0 newly installed, 0 to remove and 0 not upgraded.
Inst curl [7.88.1-10+deb12u4] (7.88.1-10+deb12u5 Debian-Security:12/stable-security [arm64])
Inst libcurl4 [7.88.1-10+deb12u4] (7.88.1-10+deb12u5 Debian-Security:12/stable-security [arm64])
Conf curl (7.88.1-10+deb12u5 Debian-Security:12/stable-security [arm64])
Conf libcurl4 (7.88.1-10+deb12u5 Debian-Security:12/stable-security [arm64])
`
)

var fixedNow = time.Date(2024, 1, 22, 12, 51, 19, 0, time.UTC)

// newFakeHost returns a Host with a fixture for every backend
func newFakeHost() *Host {
	files := map[string]string{
		modelPath:                             "Raspberry Pi 5 Model B Rev 1.0\x00",
		hostnamePath:                          "kitchen\n",
		tcpTablePath:                          tcpTable,
		osReleasePath:                         osRelease,
		"/sys/class/net/eth0/address":         "d8:3a:dd:00:00:01\n",
		"/sys/class/net/wlan0/address":        "d8:3a:dd:00:00:02\n",
		"/sys/class/hwmon/hwmon2/name":        "pwmfan",
		"/sys/class/hwmon/hwmon2/fan1_input":  "3000\n",
		"/sys/class/hwmon/hwmon0/name":        "cpu_thermal",
		"/sys/class/hwmon/hwmon0/temp1_input": "51000\n",
	}
	commands := map[string]string{
		"rpi-eeprom-update":          eepromOutput,
		"iw wlan0 link":              iwOutput,
		"uname -rvm":                 "6.1.0-rpi7-rpi-2712 #1 SMP PREEMPT Debian 1:6.1.63-1+rpt1 (2023-11-24) aarch64\n",
		"apt-get --simulate upgrade": aptOutput,
		"vcgencmd measure_temp":      "temp=51.04'C\n",
		"vcgencmd get_throttled":     "throttled=0x50000\n",
	}

	return &Host{
		ReadFile: func(path string) ([]byte, error) {
			if v, ok := files[path]; ok {
				return []byte(v), nil
			}
			return nil, fs.ErrNotExist
		},
		Glob: func(pattern string) ([]string, error) {
			var out []string
			for path := range files {
				if ok, _ := filepath.Match(pattern, path); ok {
					out = append(out, path)
				}
			}
			sort.Strings(out)
			return out, nil
		},
		Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			cmd := strings.Join(append([]string{name}, args...), " ")
			if v, ok := commands[cmd]; ok {
				return []byte(v), nil
			}
			return nil, exec.ErrNotFound
		},
		CPUPercent: func(context.Context, time.Duration) (float64, error) { return 12.3456, nil },
		CPUCount:   func(context.Context) (int, error) { return 4, nil },
		LoadAvg: func(context.Context) (*load.AvgStat, error) {
			return &load.AvgStat{Load1: 0.2884, Load5: 0.0648, Load15: 0.0208}, nil
		},
		DiskUsage: func(_ context.Context, path string) (*disk.UsageStat, error) {
			return &disk.UsageStat{
				Path:        path,
				Total:       125_000_000_000,
				Used:        9_500_000_000,
				Free:        109_000_000_000,
				UsedPercent: 8.0123,
			}, nil
		},
		VirtualMemory: func(context.Context) (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{Total: 8_440_000_000, Available: 6_900_000_000, UsedPercent: 18.234}, nil
		},
		BootTime: func(context.Context) (uint64, error) { return 1705927879, nil },
		Temperatures: func(context.Context) ([]pshost.TemperatureStat, error) {
			return []pshost.TemperatureStat{
				{SensorKey: "cpu_thermal", Temperature: 51.16, High: 0, Critical: 110},
				{SensorKey: "rp1_adc", Temperature: 39.749},
			}, nil
		},
		Now: func() time.Time { return fixedNow },
	}
}

func TestHostRunMapsMissingBinary(t *testing.T) {
	host := newFakeHost()

	_, err := host.run(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestHostRunKeepsUnexpectedErrors(t *testing.T) {
	host := newFakeHost()
	host.Run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("fork failed")
	}

	_, err := host.run(context.Background(), "uname")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAvailable)
}

func TestHostReadFileNotAvailable(t *testing.T) {
	host := newFakeHost()

	_, err := host.readFile("/nonexistent")
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 12.35, roundPercent(12.3456))
	assert.Equal(t, 51.2, roundTemp(51.16))
	assert.Equal(t, 116.42, bytesToGiB(125_000_000_000))
	assert.Equal(t, "2024-01-22T12:51:19+00:00", epochToISO(1705927879))
}

func TestNotAvailableWrapsMessage(t *testing.T) {
	err := notAvailable("thing %d", 1)
	assert.ErrorIs(t, err, ErrNotAvailable)
	assert.Equal(t, fmt.Sprintf("%v: thing 1", ErrNotAvailable), err.Error())
}
