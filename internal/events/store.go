// Package events keeps a short in-memory log of daemon lifecycle events
package events

import (
	"sync"
	"time"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	// Process events
	EventStartup  EventType = "startup"
	EventShutdown EventType = "shutdown"

	// Broker events
	EventConnected      EventType = "connected"
	EventConnectionLost EventType = "connection_lost"

	// Publish events
	EventDiscoveryPublished EventType = "discovery_published"
	EventStatePublished     EventType = "state_published"
	EventStatePublishFailed EventType = "state_publish_failed"
	EventLWTOnline          EventType = "lwt_online"
	EventLWTOffline         EventType = "lwt_offline"

	// Sensor events
	EventSensorUnavailable EventType = "sensor_unavailable"
)

// Event represents a lifecycle event
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// Store holds events in memory with a fixed capacity (ring buffer)
type Store struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
	nextID  int64
	now     func() time.Time
}

// NewStore creates a new event store with specified max capacity
func NewStore(maxSize int) *Store {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Store{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Add adds a new event to the store
func (s *Store) Add(eventType EventType, success bool, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	event := Event{
		ID:        s.nextID,
		Type:      eventType,
		Timestamp: s.now(),
		Success:   success,
		Details:   details,
	}

	// Ring buffer: remove oldest if at max capacity
	if len(s.events) >= s.maxSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, event)
}

// GetLast returns the last N events (newest first)
func (s *Store) GetLast(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.events) || n < 0 {
		n = len(s.events)
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = s.events[len(s.events)-1-i]
	}
	return result
}

// GetSince returns events newer than the given ID (newest first)
func (s *Store) GetSince(lastID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID > lastID {
			result = append(result, s.events[i])
		} else {
			break
		}
	}
	return result
}

// Count returns the number of events held
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LastID returns the ID of the most recent event
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}
