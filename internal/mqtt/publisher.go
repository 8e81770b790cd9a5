package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// lwtPublishTimeout bounds each availability publish
	lwtPublishTimeout = 2 * time.Second

	// statePublishTimeout bounds an in-flight sensor state publish
	statePublishTimeout = 10 * time.Second
)

// StateSource provides the aggregated sensor state payload
type StateSource interface {
	// RefreshJSON optionally refreshes the sensors and returns the encoded state
	RefreshJSON(ctx context.Context, refresh bool) ([]byte, error)
}

// Recorder is notified about every finished state publish
type Recorder interface {
	RecordPublish(topic string, payload []byte, err error)
}

// Publisher publishes availability heartbeats and sensor states
type Publisher struct {
	broker   Broker
	topics   Topics
	source   StateSource
	logger   zerolog.Logger
	recorder Recorder // optional

	inflight sync.WaitGroup
}

// NewPublisher creates a new Publisher. recorder may be nil.
func NewPublisher(broker Broker, topics Topics, source StateSource, logger zerolog.Logger, recorder Recorder) *Publisher {
	return &Publisher{
		broker:   broker,
		topics:   topics,
		source:   source,
		logger:   logger,
		recorder: recorder,
	}
}

// PublishOnlineLWT publishes "online" to every availability topic
func (p *Publisher) PublishOnlineLWT(ctx context.Context) error {
	return p.publishLWT(ctx, PayloadOnline)
}

// PublishOfflineLWT publishes "offline" to every availability topic.
// It does nothing when the broker connection is already down.
func (p *Publisher) PublishOfflineLWT(ctx context.Context) error {
	if !p.broker.IsConnected() {
		p.logger.Debug().Msg("Not connected, skipping offline LWT")
		return nil
	}
	return p.publishLWT(ctx, PayloadOffline)
}

func (p *Publisher) publishLWT(ctx context.Context, payload string) error {
	var errs []error

	for _, topic := range p.topics.LWTTopicNames() {
		pubCtx, cancel := context.WithTimeout(ctx, lwtPublishTimeout)
		err := p.broker.Publish(pubCtx, topic, 1, false, []byte(payload))
		cancel()

		if err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Str("payload", payload).Msg("Failed to publish LWT")
			errs = append(errs, err)
			continue
		}
		p.logger.Debug().Str("topic", topic).Str("payload", payload).Msg("Published LWT")
	}

	return errors.Join(errs...)
}

// PublishSensorUpdates builds the state payload, refreshing the sensors first
// when refresh is set, and publishes it on a separate goroutine. The returned
// channel receives the publish result and is then closed.
func (p *Publisher) PublishSensorUpdates(ctx context.Context, refresh bool) <-chan error {
	done := make(chan error, 1)

	payload, err := p.source.RefreshJSON(ctx, refresh)
	if err != nil {
		err = fmt.Errorf("failed to build sensor states: %w", err)
		p.logger.Error().Err(err).Msg("Failed to publish sensor states")
		done <- err
		close(done)
		return done
	}

	topic := p.topics.SensorStatesTopic()

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer close(done)

		// The publish outlives the caller's tick but not the timeout
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statePublishTimeout)
		defer cancel()

		err := p.broker.Publish(pubCtx, topic, 1, false, payload)
		if err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish sensor states")
		} else {
			p.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Published sensor states")
		}

		if p.recorder != nil {
			p.recorder.RecordPublish(topic, payload, err)
		}

		done <- err
	}()

	return done
}

// Wait blocks until every in-flight state publish has finished or ctx ends
func (p *Publisher) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
