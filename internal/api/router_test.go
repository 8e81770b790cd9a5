package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpimqtt/internal/events"
	"rpimqtt/internal/sensors"
	"rpimqtt/internal/storage"
)

type fakeConnection bool

func (c fakeConnection) IsConnected() bool { return bool(c) }

type fakeSensor struct {
	name    string
	enabled bool
	probe   sensors.ProbeResult
	state   any
}

func (s *fakeSensor) Name() string                  { return s.name }
func (s *fakeSensor) Refresh(context.Context) error { return nil }
func (s *fakeSensor) State() any                    { return s.state }
func (s *fakeSensor) StateAsDict() any              { return s.state }
func (s *fakeSensor) Probe() sensors.ProbeResult    { return s.probe }
func (s *fakeSensor) Available() bool               { return s.probe.Available }
func (s *fakeSensor) Enabled() bool                 { return s.enabled }

type fakeLister []sensors.Sensor

func (l fakeLister) Sensors() []sensors.Sensor { return l }

type fakeStore struct {
	last    *storage.LastState
	history []storage.PublishRecord
}

func (s *fakeStore) GetLastState() (*storage.LastState, error) {
	if s.last == nil {
		return nil, storage.ErrNotFound
	}
	return s.last, nil
}

func (s *fakeStore) GetPublishHistory(limit int) ([]storage.PublishRecord, error) {
	if limit < len(s.history) {
		return s.history[len(s.history)-limit:], nil
	}
	return s.history, nil
}

func newTestServer(store StateStore, eventStore *events.Store) *Server {
	lister := fakeLister{
		&fakeSensor{name: "cpu_use", enabled: true, probe: sensors.Available(), state: 5.5},
		&fakeSensor{name: "fan", enabled: true, probe: sensors.Unavailable(errors.New("no fans found"))},
		&fakeSensor{name: "disk", enabled: false, probe: sensors.Available(), state: map[string]any{"total": 29.0}},
	}
	return NewServer(fakeConnection(true), lister, store, eventStore, zerolog.Nop())
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealth(t *testing.T) {
	s := newTestServer(nil, nil)

	rec, body := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["connected"])
}

func TestState(t *testing.T) {
	t.Run("NoStore", func(t *testing.T) {
		rec, _ := get(t, newTestServer(nil, nil), "/api/state")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("NothingPublished", func(t *testing.T) {
		rec, body := get(t, newTestServer(&fakeStore{}, nil), "/api/state")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "no state published yet", body["error"])
	})

	t.Run("LastPayload", func(t *testing.T) {
		store := &fakeStore{last: &storage.LastState{
			Topic:       "rpi-mqtt/sensor/rpi-test/monitor",
			Payload:     []byte(`{"cpu_use":5.5,"metadata":{"sensors_total":3}}`),
			PublishedAt: time.Date(2024, 1, 22, 12, 51, 19, 0, time.UTC),
		}}

		rec, body := get(t, newTestServer(store, nil), "/api/state")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "rpi-mqtt/sensor/rpi-test/monitor", body["topic"])
		assert.Equal(t, "2024-01-22T12:51:19Z", body["published_at"])

		payload, ok := body["payload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 5.5, payload["cpu_use"])
	})
}

func TestSensors(t *testing.T) {
	rec, body := get(t, newTestServer(nil, nil), "/api/sensors")
	require.Equal(t, http.StatusOK, rec.Code)

	list, ok := body["sensors"].([]any)
	require.True(t, ok)
	require.Len(t, list, 3)

	cpu := list[0].(map[string]any)
	assert.Equal(t, "cpu_use", cpu["name"])
	assert.Equal(t, true, cpu["available"])
	assert.Equal(t, 5.5, cpu["state"])

	fan := list[1].(map[string]any)
	assert.Equal(t, false, fan["available"])
	assert.Equal(t, "no fans found", fan["unavailable_reason"])
	assert.NotContains(t, fan, "state")

	disk := list[2].(map[string]any)
	assert.Equal(t, false, disk["enabled"])
	assert.NotContains(t, disk, "state")
}

func TestHistory(t *testing.T) {
	store := &fakeStore{history: []storage.PublishRecord{
		{Topic: "t", Bytes: 10, Success: true},
		{Topic: "t", Bytes: 20, Success: false, Error: "not connected"},
	}}

	rec, body := get(t, newTestServer(store, nil), "/api/history?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	history, ok := body["history"].([]any)
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, "not connected", history[0].(map[string]any)["error"])
}

func TestEvents(t *testing.T) {
	eventStore := events.NewStore(10)
	eventStore.Add(events.EventStartup, true, "")
	eventStore.Add(events.EventConnected, true, "tcp://localhost:1883")

	s := newTestServer(nil, eventStore)

	t.Run("Last", func(t *testing.T) {
		rec, body := get(t, s, "/api/events?limit=1")
		require.Equal(t, http.StatusOK, rec.Code)

		list := body["events"].([]any)
		require.Len(t, list, 1)
		assert.Equal(t, "connected", list[0].(map[string]any)["type"])
		assert.Equal(t, float64(2), body["lastId"])
	})

	t.Run("Since", func(t *testing.T) {
		_, body := get(t, s, "/api/events?since=2")
		assert.Empty(t, body["events"])
	})

	t.Run("NoStore", func(t *testing.T) {
		rec, body := get(t, newTestServer(nil, nil), "/api/events")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, body["events"])
	})
}

func TestStartShutdown(t *testing.T) {
	s := newTestServer(nil, nil)
	require.NoError(t, s.Start("127.0.0.1:0"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
