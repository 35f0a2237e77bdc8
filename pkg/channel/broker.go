package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Topic names used by the plan session.
const (
	TopicTests  = "tests"
	TopicReport = "report"
	TopicTasks  = "tasks"
)

// Handler receives the raw payload of a message published on a topic.
type Handler func(payload json.RawMessage)

// Subscription is a live registration of a handler on a topic.
type Subscription interface {
	// Unsubscribe removes the handler. Calling it more than once is a no-op.
	Unsubscribe()
}

// Message is a payload addressed to a topic.
type Message struct {
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Config configures message delivery.
type Config struct {
	// Async delivers messages from a single dispatcher goroutine fed by a
	// buffered queue. Publish order is preserved in both modes.
	Async bool

	// BufferSize is the queue size used in async mode.
	BufferSize int
}

// DefaultConfig returns synchronous delivery.
func DefaultConfig() Config {
	return Config{
		Async:      false,
		BufferSize: 256,
	}
}

// Broker fans published messages out to the handlers subscribed on a topic.
type Broker struct {
	config Config
	logger zerolog.Logger

	mu     sync.RWMutex
	topics map[string]map[uint64]Handler
	nextID uint64

	buffer chan Message
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroker creates a broker. In async mode the dispatcher goroutine runs until
// Shutdown is called.
func NewBroker(cfg Config, logger zerolog.Logger) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		config: cfg,
		logger: logger.With().Str("component", "channel").Logger(),
		topics: make(map[string]map[uint64]Handler),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Async {
		b.buffer = make(chan Message, cfg.BufferSize)
		b.wg.Add(1)
		go b.dispatch()
	}

	return b
}

// Subscribe registers handler on topic.
func (b *Broker) Subscribe(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	handlers, ok := b.topics[topic]
	if !ok {
		handlers = make(map[uint64]Handler)
		b.topics[topic] = handlers
	}
	handlers[id] = handler

	b.logger.Debug().Str("topic", topic).Uint64("subscription", id).Msg("Subscribed")

	return &subscription{broker: b, topic: topic, id: id}
}

// Subscribers returns the number of handlers registered on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Publish encodes data as JSON and delivers it to the handlers of topic.
// json.RawMessage and []byte values are delivered as-is.
func (b *Broker) Publish(topic string, data interface{}) error {
	var raw json.RawMessage
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = json.RawMessage(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal payload for topic %s: %w", topic, err)
		}
		raw = encoded
	}

	return b.PublishMessage(Message{Topic: topic, Data: raw})
}

// PublishMessage delivers an already framed message.
func (b *Broker) PublishMessage(msg Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("message topic is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if b.config.Async {
		select {
		case <-b.ctx.Done():
			return fmt.Errorf("broker stopped")
		default:
		}
		select {
		case b.buffer <- msg:
			return nil
		case <-b.ctx.Done():
			return fmt.Errorf("broker stopped")
		default:
			return fmt.Errorf("message buffer full, message on %s dropped", msg.Topic)
		}
	}

	b.deliver(msg)
	return nil
}

// Shutdown stops the async dispatcher after draining queued messages.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker shutdown timeout")
	}
}

func (b *Broker) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case msg := <-b.buffer:
			b.deliver(msg)
		case <-b.ctx.Done():
			for {
				select {
				case msg := <-b.buffer:
					b.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

// deliver calls the handlers of msg.Topic in subscription order. Handlers run
// without the broker lock held so they may subscribe or unsubscribe.
func (b *Broker) deliver(msg Message) {
	b.mu.RLock()
	registered := b.topics[msg.Topic]
	ids := make([]uint64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg.Data)
	}
}

func (b *Broker) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(b.topics, topic)
	}

	b.logger.Debug().Str("topic", topic).Uint64("subscription", id).Msg("Unsubscribed")
}

type subscription struct {
	broker *Broker
	topic  string
	id     uint64
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s.topic, s.id)
	})
}
