package mqtt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	discoveryBucket         = "discovery"
	discoveryFingerprintKey = "fingerprint"
	discoveryEntitiesKey    = "entities"
	discoveryPublishTimeout = 5 * time.Second
)

// KeyValueStore persists small values between runs
type KeyValueStore interface {
	GetString(bucket, key string) (string, error)
	SetString(bucket, key, value string) error
	GetJSON(bucket, key string, v interface{}) error
	SetJSON(bucket, key string, v interface{}) error
}

// DiscoveryDiff lists the discovery topics that differ from the last set
// published successfully
type DiscoveryDiff struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether the sets are identical
func (d DiscoveryDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// DiscoveryPublisher publishes Home Assistant discovery configs
type DiscoveryPublisher struct {
	broker Broker
	logger zerolog.Logger
	store  KeyValueStore // optional

	// Cache of marshaled payloads by discovery topic
	payloads   map[string][]byte
	payloadsMu sync.RWMutex
}

// NewDiscoveryPublisher creates a new DiscoveryPublisher. store may be nil.
func NewDiscoveryPublisher(broker Broker, logger zerolog.Logger, store KeyValueStore) *DiscoveryPublisher {
	return &DiscoveryPublisher{
		broker:   broker,
		logger:   logger,
		store:    store,
		payloads: make(map[string][]byte),
	}
}

// Publish sends every message retained with QoS 1. A failing message is
// logged and the others are still published. Entities published last time
// but missing from messages get an empty retained config, which removes
// them from Home Assistant.
func (d *DiscoveryPublisher) Publish(ctx context.Context, messages []DiscoveryMessage) error {
	var errs []error

	for _, msg := range messages {
		payload, err := d.payload(msg)
		if err != nil {
			d.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Failed to marshal discovery config")
			errs = append(errs, err)
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, discoveryPublishTimeout)
		err = d.broker.Publish(pubCtx, msg.Topic, 1, true, payload)
		cancel()
		if err != nil {
			d.logger.Error().Err(err).Str("unique_id", msg.Payload.UniqueID).Msg("Failed to publish discovery config")
			errs = append(errs, err)
			continue
		}

		d.logger.Info().Str("topic", msg.Topic).Msg("Published discovery config")
	}

	for _, topic := range d.Diff(messages).Removed {
		pubCtx, cancel := context.WithTimeout(ctx, discoveryPublishTimeout)
		err := d.broker.Publish(pubCtx, topic, 1, true, []byte{})
		cancel()
		if err != nil {
			d.logger.Error().Err(err).Str("topic", topic).Msg("Failed to remove stale discovery config")
			errs = append(errs, err)
			continue
		}
		d.logger.Info().Str("topic", topic).Msg("Removed stale discovery config")
	}

	if len(errs) == 0 {
		d.markPublished(messages)
	}

	d.logger.Info().
		Int("entities", len(messages)).
		Int("failed", len(errs)).
		Msg("Published MQTT discovery configs")

	return errors.Join(errs...)
}

// Changed reports whether messages differ from the last set published
// successfully. Without a store every set counts as changed.
func (d *DiscoveryPublisher) Changed(messages []DiscoveryMessage) bool {
	if d.store == nil {
		return true
	}

	previous, err := d.store.GetString(discoveryBucket, discoveryFingerprintKey)
	if err != nil {
		return true
	}

	current, err := d.Fingerprint(messages)
	if err != nil {
		return true
	}

	return previous != current
}

// Diff compares messages with the set stored after the last successful
// publish. Without a store, or before the first publish, every topic is
// reported as added.
func (d *DiscoveryPublisher) Diff(messages []DiscoveryMessage) DiscoveryDiff {
	previous := map[string]string{}
	if d.store != nil {
		if err := d.store.GetJSON(discoveryBucket, discoveryEntitiesKey, &previous); err != nil {
			previous = map[string]string{}
		}
	}

	current, err := d.entityHashes(messages)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to hash discovery configs")
	}

	var diff DiscoveryDiff
	for topic, hash := range current {
		old, ok := previous[topic]
		switch {
		case !ok:
			diff.Added = append(diff.Added, topic)
		case old != hash:
			diff.Updated = append(diff.Updated, topic)
		}
	}
	for topic := range previous {
		if _, ok := current[topic]; !ok {
			diff.Removed = append(diff.Removed, topic)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Updated)
	sort.Strings(diff.Removed)
	return diff
}

// entityHashes maps each discovery topic to the hash of its payload
func (d *DiscoveryPublisher) entityHashes(messages []DiscoveryMessage) (map[string]string, error) {
	hashes := make(map[string]string, len(messages))
	for _, msg := range messages {
		payload, err := d.payload(msg)
		if err != nil {
			return hashes, err
		}
		sum := sha256.Sum256(payload)
		hashes[msg.Topic] = hex.EncodeToString(sum[:])
	}
	return hashes, nil
}

// Fingerprint returns a stable hash of the topics and payloads of messages
func (d *DiscoveryPublisher) Fingerprint(messages []DiscoveryMessage) (string, error) {
	sorted := make([]DiscoveryMessage, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Topic < sorted[j].Topic })

	h := sha256.New()
	for _, msg := range sorted {
		payload, err := d.payload(msg)
		if err != nil {
			return "", err
		}
		h.Write([]byte(msg.Topic))
		h.Write([]byte{0})
		h.Write(payload)
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// payload returns the cached JSON payload of a message
func (d *DiscoveryPublisher) payload(msg DiscoveryMessage) ([]byte, error) {
	d.payloadsMu.RLock()
	if p, ok := d.payloads[msg.Topic]; ok {
		d.payloadsMu.RUnlock()
		return p, nil
	}
	d.payloadsMu.RUnlock()

	p, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal discovery payload: %w", err)
	}

	d.payloadsMu.Lock()
	d.payloads[msg.Topic] = p
	d.payloadsMu.Unlock()

	return p, nil
}

// markPublished stores the fingerprint and the per-topic hashes of the
// published set
func (d *DiscoveryPublisher) markPublished(messages []DiscoveryMessage) {
	if d.store == nil {
		return
	}

	fp, err := d.Fingerprint(messages)
	if err != nil {
		return
	}
	hashes, err := d.entityHashes(messages)
	if err != nil {
		return
	}

	if err := d.store.SetString(discoveryBucket, discoveryFingerprintKey, fp); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to store discovery fingerprint")
	}
	if err := d.store.SetJSON(discoveryBucket, discoveryEntitiesKey, hashes); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to store discovery entities")
	}
}
