package sensors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rpimqtt/internal/mqtt"
)

// refreshTSLayout is ISO-8601 with microseconds and a numeric offset
const refreshTSLayout = "2006-01-02T15:04:05.000000-07:00"

// Metadata describes a state snapshot
type Metadata struct {
	StatesRefreshTS  string `json:"states_refresh_ts"`
	UpdateInterval   int    `json:"update_interval"`
	SensorsTotal     int    `json:"sensors_total"`
	SensorsAvailable int    `json:"sensors_available"`
}

// Entry is the state of one sensor
type Entry struct {
	Name  string
	Value any
}

// Snapshot is the aggregated state. Its JSON object keeps the sensor order
// and ends with the metadata entry.
type Snapshot struct {
	Entries  []Entry
	Metadata Metadata
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for _, e := range s.Entries {
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode sensor %s: %w", e.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
		buf.WriteByte(',')
	}

	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`"` + MetadataKey + `":`)
	buf.Write(meta)
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// Aggregator refreshes and serializes the available sensors
type Aggregator struct {
	sensors        []Sensor
	available      []Sensor
	updateInterval int
	logger         zerolog.Logger
	now            func() time.Time

	// One refresh or snapshot at a time
	mu sync.Mutex
}

// NewAggregator selects the sensors that are both available and enabled.
// The selection is made once and never re-evaluated.
func NewAggregator(sensors []Sensor, updateInterval int, logger zerolog.Logger) *Aggregator {
	available := make([]Sensor, 0, len(sensors))
	for _, s := range sensors {
		if s.Available() && s.Enabled() {
			available = append(available, s)
		}
	}

	logger.Info().
		Int("sensors_total", len(sensors)).
		Int("sensors_available", len(available)).
		Msg("Sensor aggregator created")

	return &Aggregator{
		sensors:        sensors,
		available:      available,
		updateInterval: updateInterval,
		logger:         logger,
		now:            time.Now,
	}
}

// Sensors returns every sensor in construction order
func (a *Aggregator) Sensors() []Sensor {
	out := make([]Sensor, len(a.sensors))
	copy(out, a.sensors)
	return out
}

// AvailableSensors returns the published sensors, those both available and
// enabled, in construction order
func (a *Aggregator) AvailableSensors() []Sensor {
	out := make([]Sensor, len(a.available))
	copy(out, a.available)
	return out
}

// Refresh re-reads every available sensor in order. A sensor failing to
// refresh keeps its previous state and does not stop the others.
func (a *Aggregator) Refresh(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refresh(ctx)
}

func (a *Aggregator) refresh(ctx context.Context) {
	for _, s := range a.available {
		if err := s.Refresh(ctx); err != nil {
			a.logger.Warn().Err(err).Str("sensor", s.Name()).Msg("Failed to refresh sensor, keeping previous state")
		}
	}
}

// AsDict returns the current state of the available sensors plus metadata
func (a *Aggregator) AsDict() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

func (a *Aggregator) snapshot() Snapshot {
	entries := make([]Entry, 0, len(a.available))
	for _, s := range a.available {
		entries = append(entries, Entry{Name: s.Name(), Value: s.StateAsDict()})
	}

	return Snapshot{
		Entries: entries,
		Metadata: Metadata{
			StatesRefreshTS:  a.now().UTC().Format(refreshTSLayout),
			UpdateInterval:   a.updateInterval,
			SensorsTotal:     len(a.sensors),
			SensorsAvailable: len(a.available),
		},
	}
}

// RefreshAndSnapshot refreshes and snapshots under one lock
func (a *Aggregator) RefreshAndSnapshot(ctx context.Context) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.refresh(ctx)
	return a.snapshot()
}

// RefreshJSON returns the encoded snapshot, refreshing the sensors first
// when refresh is set
func (a *Aggregator) RefreshJSON(ctx context.Context, refresh bool) ([]byte, error) {
	var snap Snapshot
	if refresh {
		snap = a.RefreshAndSnapshot(ctx)
	} else {
		snap = a.AsDict()
	}
	return json.Marshal(snap)
}

// DiscoveryMessages collects the discovery messages of the published
// sensors that support Home Assistant discovery
func (a *Aggregator) DiscoveryMessages(topics mqtt.Topics, device *mqtt.Device) []mqtt.DiscoveryMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	var msgs []mqtt.DiscoveryMessage
	for _, s := range a.available {
		if p, ok := s.(DiscoveryProvider); ok {
			msgs = append(msgs, p.DiscoveryMessages(topics, device)...)
		}
	}
	return msgs
}
