// Package sensors reads Raspberry Pi hardware and OS metrics.
//
// Every metric kind is a Sensor. A sensor is built in two phases: the
// constructor creates it, then probes it once with a first read. A probe
// failing with ErrNotAvailable marks the sensor unavailable for the rest of
// the process lifetime; any other error aborts construction.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"rpimqtt/internal/mqtt"
)

// ErrNotAvailable reports that a metric cannot be read on this machine
var ErrNotAvailable = errors.New("sensor not available")

// notAvailable returns an error wrapping ErrNotAvailable
func notAvailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotAvailable, fmt.Sprintf(format, args...))
}

// ProbeResult is the outcome of the availability probe
type ProbeResult struct {
	Available bool
	Reason    error // set when not available
}

// Available returns a successful probe result
func Available() ProbeResult {
	return ProbeResult{Available: true}
}

// Unavailable returns a failed probe result with its reason
func Unavailable(reason error) ProbeResult {
	return ProbeResult{Reason: reason}
}

// Sensor reads one metric
type Sensor interface {
	// Name is unique per aggregator and used as the payload key
	Name() string

	// Refresh reads the metric. On error the previous state is kept.
	Refresh(ctx context.Context) error

	// State returns the last value read, nil before the first read
	State() any

	// StateAsDict returns State converted to plain maps for JSON encoding
	StateAsDict() any

	// Probe returns the availability decided at construction
	Probe() ProbeResult

	Available() bool
	Enabled() bool
}

// DiscoveryProvider is implemented by sensors exposed to Home Assistant
type DiscoveryProvider interface {
	DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage
}

// Dicter is implemented by record and mapping states
type Dicter interface {
	AsDict() map[string]any
}

// metric is the state holder shared by all sensors
type metric[T any] struct {
	name    string
	enabled bool
	logger  zerolog.Logger
	read    func(ctx context.Context) (T, error)

	mu       sync.RWMutex
	state    T
	hasState bool
	probe    ProbeResult
}

func newMetric[T any](name string, enabled bool, logger zerolog.Logger, read func(ctx context.Context) (T, error)) *metric[T] {
	return &metric[T]{
		name:    name,
		enabled: enabled,
		logger:  logger,
		read:    read,
	}
}

func (m *metric[T]) Name() string {
	return m.name
}

func (m *metric[T]) Enabled() bool {
	return m.enabled
}

func (m *metric[T]) Available() bool {
	return m.Probe().Available
}

func (m *metric[T]) Probe() ProbeResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.probe
}

func (m *metric[T]) Refresh(ctx context.Context) error {
	m.logger.Debug().Msg("Refreshing sensor state")

	value, err := m.read(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.state = value
	m.hasState = true
	m.mu.Unlock()

	m.logger.Debug().Msg("Refreshed sensor state")
	return nil
}

func (m *metric[T]) State() any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasState {
		return nil
	}
	return m.state
}

func (m *metric[T]) StateAsDict() any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasState {
		return nil
	}
	if d, ok := any(m.state).(Dicter); ok {
		return d.AsDict()
	}
	return m.state
}

// value returns the typed state
func (m *metric[T]) value() (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.hasState
}

// runProbe performs the first read and records the availability.
// Only ErrNotAvailable is turned into an unavailable result.
func (m *metric[T]) runProbe(ctx context.Context) error {
	err := m.Refresh(ctx)

	var result ProbeResult
	switch {
	case err == nil:
		result = Available()
	case errors.Is(err, ErrNotAvailable):
		m.logger.Warn().Err(err).Msg("Sensor not available")
		result = Unavailable(err)
	default:
		return fmt.Errorf("failed to probe sensor %s: %w", m.name, err)
	}

	m.mu.Lock()
	m.probe = result
	m.mu.Unlock()
	return nil
}
