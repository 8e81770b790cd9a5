package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"rpimqtt/internal/storage"
)

// StatusHandler handles health, state and sensor endpoints
type StatusHandler struct {
	connection ConnectionStatus
	sensors    SensorLister
	store      StateStore
}

// NewStatusHandler creates new status handler
func NewStatusHandler(connection ConnectionStatus, sensorList SensorLister, store StateStore) *StatusHandler {
	return &StatusHandler{
		connection: connection,
		sensors:    sensorList,
		store:      store,
	}
}

// SensorInfo describes one sensor
type SensorInfo struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Available   bool   `json:"available"`
	Unavailable string `json:"unavailable_reason,omitempty"`
	State       any    `json:"state,omitempty"`
}

// Health reports the process and broker connection state
// GET /healthz
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	connected := h.connection != nil && h.connection.IsConnected()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"connected": connected,
	})
}

// State returns the last published sensor state payload
// GET /api/state
func (h *StatusHandler) State(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, "state store disabled")
		return
	}

	state, err := h.store.GetLastState()
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no state published yet")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"topic":        state.Topic,
		"published_at": state.PublishedAt.UTC().Format(time.RFC3339),
		"payload":      json.RawMessage(state.Payload),
	})
}

// Sensors lists every sensor with its availability
// GET /api/sensors
func (h *StatusHandler) Sensors(w http.ResponseWriter, r *http.Request) {
	list := []SensorInfo{}
	if h.sensors != nil {
		for _, s := range h.sensors.Sensors() {
			info := SensorInfo{
				Name:      s.Name(),
				Enabled:   s.Enabled(),
				Available: s.Available(),
			}
			if probe := s.Probe(); probe.Reason != nil {
				info.Unavailable = probe.Reason.Error()
			}
			if info.Available && info.Enabled {
				info.State = s.StateAsDict()
			}
			list = append(list, info)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sensors": list,
	})
}

// History returns recent state publish attempts
// GET /api/history?limit=20
func (h *StatusHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, "state store disabled")
		return
	}

	limit := 20 // default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	records, err := h.store.GetPublishHistory(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []storage.PublishRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": records,
	})
}
