package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_DeliversInPublishOrder(t *testing.T) {
	b := NewBroker(DefaultConfig(), zerolog.Nop())

	var got []int
	b.Subscribe(TopicReport, func(payload json.RawMessage) {
		var n int
		require.NoError(t, json.Unmarshal(payload, &n))
		got = append(got, n)
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(TopicReport, i))
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestBroker_TopicsAreIsolated(t *testing.T) {
	b := NewBroker(DefaultConfig(), zerolog.Nop())

	tests, reports := 0, 0
	b.Subscribe(TopicTests, func(json.RawMessage) { tests++ })
	b.Subscribe(TopicReport, func(json.RawMessage) { reports++ })

	require.NoError(t, b.Publish(TopicTests, map[string]bool{"ok": true}))

	assert.Equal(t, 1, tests)
	assert.Equal(t, 0, reports)
}

func TestBroker_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroker(DefaultConfig(), zerolog.Nop())

	calls := 0
	sub := b.Subscribe(TopicTasks, func(json.RawMessage) { calls++ })
	other := b.Subscribe(TopicTasks, func(json.RawMessage) {})
	assert.Equal(t, 2, b.Subscribers(TopicTasks))

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, b.Subscribers(TopicTasks))

	require.NoError(t, b.Publish(TopicTasks, "x"))
	assert.Equal(t, 0, calls)

	other.Unsubscribe()
	assert.Equal(t, 0, b.Subscribers(TopicTasks))
}

func TestBroker_HandlerMayUnsubscribeItself(t *testing.T) {
	b := NewBroker(DefaultConfig(), zerolog.Nop())

	calls := 0
	var sub Subscription
	sub = b.Subscribe(TopicReport, func(json.RawMessage) {
		calls++
		sub.Unsubscribe()
	})

	require.NoError(t, b.Publish(TopicReport, 1))
	require.NoError(t, b.Publish(TopicReport, 2))

	assert.Equal(t, 1, calls)
}

func TestBroker_AsyncPreservesOrder(t *testing.T) {
	b := NewBroker(Config{Async: true, BufferSize: 64}, zerolog.Nop())

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	b.Subscribe(TopicReport, func(payload json.RawMessage) {
		var n int
		_ = json.Unmarshal(payload, &n)
		mu.Lock()
		got = append(got, n)
		if len(got) == 10 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(TopicReport, i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async delivery")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.Error(t, b.Publish(TopicReport, 11))
}

func TestBroker_PublishRequiresTopic(t *testing.T) {
	b := NewBroker(DefaultConfig(), zerolog.Nop())
	assert.Error(t, b.PublishMessage(Message{}))
}

func TestCodec_RoundTripAndPump(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(Message{Topic: TopicTests, Data: json.RawMessage(`{"ok":true}`)}))
	buf.WriteString("\nnot json\n")
	require.NoError(t, enc.Encode(Message{Topic: TopicReport, Data: json.RawMessage(`{"status":"finished"}`)}))

	b := NewBroker(DefaultConfig(), zerolog.Nop())
	var topics []string
	b.Subscribe(TopicTests, func(json.RawMessage) { topics = append(topics, TopicTests) })
	b.Subscribe(TopicReport, func(payload json.RawMessage) {
		topics = append(topics, TopicReport)
		assert.JSONEq(t, `{"status":"finished"}`, string(payload))
	})

	require.NoError(t, b.Pump(context.Background(), &buf))
	assert.Equal(t, []string{TopicTests, TopicReport}, topics)
}

func TestDecoder_MissingTopic(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"data":{}}` + "\n"))
	_, err := dec.Decode()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
