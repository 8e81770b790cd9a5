package mqtt

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeBroker records publishes in memory
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	failOn    map[string]error
	messages  []published
	block     chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{connected: true, failOn: map[string]error{}}
}

func (b *fakeBroker) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrNotConnected
	}
	if err := b.failOn[topic]; err != nil {
		return err
	}
	b.messages = append(b.messages, published{topic: topic, qos: qos, retained: retained, payload: payload})
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]published, len(b.messages))
	copy(out, b.messages)
	return out
}

// pahoToken completes immediately with err
type pahoToken struct {
	err  error
	done chan struct{}
}

func newPahoToken(err error) *pahoToken {
	t := &pahoToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *pahoToken) Wait() bool                     { return true }
func (t *pahoToken) WaitTimeout(time.Duration) bool { return true }
func (t *pahoToken) Done() <-chan struct{}          { return t.done }
func (t *pahoToken) Error() error                   { return t.err }

// fakePaho implements the paho client interface without a network
type fakePaho struct {
	mu          sync.Mutex
	open        bool
	connectErr  error
	publishErr  error
	subscribed  []string
	publishes   []published
	disconnects int
}

func (f *fakePaho) IsConnected() bool      { return f.IsConnectionOpen() }
func (f *fakePaho) IsConnectionOpen() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.open }

func (f *fakePaho) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr == nil {
		f.open = true
	}
	return newPahoToken(f.connectErr)
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.disconnects++
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := payload.([]byte)
	f.publishes = append(f.publishes, published{topic: topic, qos: qos, retained: retained, payload: b})
	return newPahoToken(f.publishErr)
}

func (f *fakePaho) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return newPahoToken(nil)
}

func (f *fakePaho) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newPahoToken(nil)
}

func (f *fakePaho) Unsubscribe(...string) mqtt.Token { return newPahoToken(nil) }

func (f *fakePaho) AddRoute(string, mqtt.MessageHandler) {}

func (f *fakePaho) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewClient(mqtt.NewClientOptions()).OptionsReader()
}

func (f *fakePaho) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subscribed))
	copy(out, f.subscribed)
	return out
}
