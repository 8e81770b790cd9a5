package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStorage(t *testing.T) (*BoltStorage, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rpi-mqtt.db")
	store, err := NewBoltStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, path
}

func TestBoltStorageData(t *testing.T) {
	store, _ := openTestStorage(t)

	t.Run("String", func(t *testing.T) {
		require.NoError(t, store.SetString("discovery", "fingerprint", "abc123"))

		got, err := store.GetString("discovery", "fingerprint")
		require.NoError(t, err)
		assert.Equal(t, "abc123", got)
	})

	t.Run("JSON", func(t *testing.T) {
		type device struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		}
		require.NoError(t, store.SetJSON("device", "info", device{Name: "rpi-test", Model: "Pi 4"}))

		var got device
		require.NoError(t, store.GetJSON("device", "info", &got))
		assert.Equal(t, "rpi-test", got.Name)
		assert.Equal(t, "Pi 4", got.Model)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.GetString("discovery", "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		var v map[string]string
		err = store.GetJSON("no-such-bucket", "key", &v)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.SetJSON("discovery", "entities", map[string]string{"a": "1", "b": "2"}))
		require.NoError(t, store.SetJSON("discovery", "entities", map[string]string{"a": "3"}))

		var got map[string]string
		require.NoError(t, store.GetJSON("discovery", "entities", &got))
		assert.Equal(t, map[string]string{"a": "3"}, got)
	})
}

func TestBoltStorageInstanceIDPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpi-mqtt.db")

	store, err := NewBoltStorage(path)
	require.NoError(t, err)

	first, err := store.InstanceID()
	require.NoError(t, err)
	assert.Len(t, first, 36)

	again, err := store.InstanceID()
	require.NoError(t, err)
	assert.Equal(t, first, again)
	require.NoError(t, store.Close())

	reopened, err := NewBoltStorage(path)
	require.NoError(t, err)
	defer reopened.Close()

	afterRestart, err := reopened.InstanceID()
	require.NoError(t, err)
	assert.Equal(t, first, afterRestart)
}

func TestBoltStorageLastState(t *testing.T) {
	store, _ := openTestStorage(t)

	_, err := store.GetLastState()
	assert.ErrorIs(t, err, ErrNotFound)

	at := time.Date(2024, 1, 22, 12, 51, 19, 0, time.UTC)
	require.NoError(t, store.SaveLastState(LastState{
		Topic:       "rpi-mqtt/rpi-test/state",
		Payload:     []byte(`{"cpu_use":5.5}`),
		PublishedAt: at,
	}))

	got, err := store.GetLastState()
	require.NoError(t, err)
	assert.Equal(t, "rpi-mqtt/rpi-test/state", got.Topic)
	assert.JSONEq(t, `{"cpu_use":5.5}`, string(got.Payload))
	assert.True(t, at.Equal(got.PublishedAt))
}

func TestBoltStoragePublishHistory(t *testing.T) {
	store, _ := openTestStorage(t)

	base := time.Date(2024, 1, 22, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SavePublish(PublishRecord{
			Topic:     "rpi-mqtt/rpi-test/state",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Bytes:     100 + i,
			Success:   i != 2,
		}))
	}

	t.Run("Limit", func(t *testing.T) {
		records, err := store.GetPublishHistory(3)
		require.NoError(t, err)
		require.Len(t, records, 3)

		// Oldest of the newest three first
		assert.Equal(t, 102, records[0].Bytes)
		assert.False(t, records[0].Success)
		assert.Equal(t, 104, records[2].Bytes)
	})

	t.Run("Trim", func(t *testing.T) {
		require.NoError(t, store.TrimPublishHistory(2))

		records, err := store.GetPublishHistory(10)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, 103, records[0].Bytes)
		assert.Equal(t, 104, records[1].Bytes)
	})

	t.Run("SameTimestamp", func(t *testing.T) {
		ts := base.Add(time.Hour)
		require.NoError(t, store.SavePublish(PublishRecord{Timestamp: ts, Bytes: 1}))
		require.NoError(t, store.SavePublish(PublishRecord{Timestamp: ts, Bytes: 2}))

		records, err := store.GetPublishHistory(2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, 1, records[0].Bytes)
		assert.Equal(t, 2, records[1].Bytes)
	})
}
