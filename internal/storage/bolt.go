package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	// metaBucket stores the instance id and the last published state
	metaBucket = "_meta"

	// dataBucket stores named key/value buckets
	dataBucket = "_data"

	// historyBucket stores publish attempts keyed by time
	historyBucket = "_history"
)

const (
	instanceIDKey       = "instance_id"
	lastStateTopicKey   = "last_state_topic"
	lastStatePayloadKey = "last_state_payload"
	lastStateTimeKey    = "last_state_time"
)

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db *bbolt.DB
}

var _ Storage = (*BoltStorage)(nil)

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	// Create the main buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{metaBucket, dataBucket, historyBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Key/value methods

// get retrieves data by bucket and key
func (s *BoltStorage) get(bucketName, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		named := bucket.Bucket([]byte(bucketName))
		if named == nil {
			return ErrNotFound
		}

		data := named.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})

	return value, err
}

// GetString retrieves string data by bucket and key
func (s *BoltStorage) GetString(bucketName, key string) (string, error) {
	data, err := s.get(bucketName, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetJSON retrieves and unmarshals JSON data by bucket and key
func (s *BoltStorage) GetJSON(bucketName, key string, v interface{}) error {
	data, err := s.get(bucketName, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// set stores data by bucket and key
func (s *BoltStorage) set(bucketName, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		// Create the named bucket if it doesn't exist
		named, err := bucket.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
		}

		return named.Put([]byte(key), value)
	})
}

// SetString stores string data by bucket and key
func (s *BoltStorage) SetString(bucketName, key, value string) error {
	return s.set(bucketName, key, []byte(value))
}

// SetJSON marshals and stores JSON data by bucket and key
func (s *BoltStorage) SetJSON(bucketName, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return s.set(bucketName, key, data)
}

// Daemon state methods

// InstanceID returns the id of this installation, created on first use
func (s *BoltStorage) InstanceID() (string, error) {
	var id string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(metaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		if data := bucket.Get([]byte(instanceIDKey)); data != nil {
			id = string(data)
			return nil
		}

		id = uuid.NewString()
		return bucket.Put([]byte(instanceIDKey), []byte(id))
	})

	return id, err
}

// SaveLastState stores the latest published payload
func (s *BoltStorage) SaveLastState(state LastState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(metaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		ts, err := state.PublishedAt.UTC().MarshalText()
		if err != nil {
			return fmt.Errorf("failed to encode publish time: %w", err)
		}

		if err := bucket.Put([]byte(lastStateTopicKey), []byte(state.Topic)); err != nil {
			return err
		}
		if err := bucket.Put([]byte(lastStatePayloadKey), state.Payload); err != nil {
			return err
		}
		return bucket.Put([]byte(lastStateTimeKey), ts)
	})
}

// GetLastState returns the latest published payload
func (s *BoltStorage) GetLastState() (*LastState, error) {
	var state *LastState
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(metaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		payload := bucket.Get([]byte(lastStatePayloadKey))
		if payload == nil {
			return ErrNotFound
		}

		state = &LastState{
			Topic:   string(bucket.Get([]byte(lastStateTopicKey))),
			Payload: append([]byte(nil), payload...),
		}
		if ts := bucket.Get([]byte(lastStateTimeKey)); ts != nil {
			if err := state.PublishedAt.UnmarshalText(ts); err != nil {
				return fmt.Errorf("failed to decode publish time: %w", err)
			}
		}
		return nil
	})

	return state, err
}

// Publish history methods

// SavePublish appends a publish attempt to the history
func (s *BoltStorage) SavePublish(record PublishRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry: %w", err)
		}

		// Timestamp as key (Unix nano, zero padded for sorting), plus a
		// sequence so records within the same nanosecond are kept
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d-%010d", record.Timestamp.UnixNano(), seq))
		return bucket.Put(key, data)
	})
}

// GetPublishHistory returns up to limit records, oldest first
func (s *BoltStorage) GetPublishHistory(limit int) ([]PublishRecord, error) {
	var records []PublishRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		// Walk backwards from the newest entry
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(records) < limit; k, v = cursor.Prev() {
			var record PublishRecord
			if err := json.Unmarshal(v, &record); err != nil {
				continue // Skip corrupted entries
			}
			records = append(records, record)
		}

		// Oldest first
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
		return nil
	})

	return records, err
}

// TrimPublishHistory keeps only the last maxRecords records
func (s *BoltStorage) TrimPublishHistory(maxRecords int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		count := bucket.Stats().KeyN
		if count <= maxRecords {
			return nil
		}

		// Delete oldest entries. Keys are collected first because deleting
		// while iterating moves the cursor.
		toDelete := make([][]byte, 0, count-maxRecords)
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil && len(toDelete) < count-maxRecords; k, _ = cursor.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete old entry: %w", err)
			}
		}

		return nil
	})
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
