// Package storage keeps daemon state between runs in a bbolt file
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("key not found")

// PublishRecord is one sensor state publish attempt
type PublishRecord struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Bytes     int       `json:"bytes"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// LastState is the most recent payload published successfully
type LastState struct {
	Topic       string
	Payload     []byte
	PublishedAt time.Time
}

// Storage is the interface for the daemon state store
type Storage interface {
	// Key/value methods, grouped in named buckets

	// GetString retrieves string data by bucket and key
	// Returns ErrNotFound if the key doesn't exist
	GetString(bucket, key string) (string, error)

	// SetString stores string data by bucket and key
	SetString(bucket, key, value string) error

	// GetJSON retrieves and unmarshals JSON data by bucket and key
	GetJSON(bucket, key string, v interface{}) error

	// SetJSON marshals and stores JSON data by bucket and key
	SetJSON(bucket, key string, v interface{}) error

	// Daemon state methods

	// InstanceID returns the id of this installation, created on first use
	InstanceID() (string, error)

	// SaveLastState stores the latest published payload
	SaveLastState(state LastState) error

	// GetLastState returns the latest published payload
	// Returns ErrNotFound if nothing was published yet
	GetLastState() (*LastState, error)

	// Publish history methods

	// SavePublish appends a publish attempt to the history
	SavePublish(record PublishRecord) error

	// GetPublishHistory returns up to limit records, oldest first
	GetPublishHistory(limit int) ([]PublishRecord, error)

	// TrimPublishHistory keeps only the last maxRecords records
	TrimPublishHistory(maxRecords int) error

	// Close closes the storage
	Close() error
}
