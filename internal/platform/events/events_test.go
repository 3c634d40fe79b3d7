package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	topics []string
	events []Event
}

func (s *recordingSink) Broadcast(topic string, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.events = append(s.events, event)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestQueueTopic(t *testing.T) {
	assert.Equal(t, "queue:pharmacy", QueueTopic("pharmacy"))
}

func TestLocal_DeliversToSink(t *testing.T) {
	sink := &recordingSink{}
	ev := Event{ID: "1", Type: QueueEntryCreated, Topic: QueueTopic("triage")}

	require.NoError(t, NewLocal(sink).Publish(context.Background(), ev))
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "queue:triage", sink.topics[0])
	assert.Equal(t, QueueEntryCreated, sink.events[0].Type)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}

func TestRedisBus_RelaySkipsMalformed(t *testing.T) {
	sink := &recordingSink{}
	bus := NewRedisBus(nil, sink, zerolog.Nop())

	good, err := json.Marshal(Event{
		ID:        "e-1",
		Type:      QueueEntryUpdated,
		Topic:     QueueTopic("consultation"),
		EntityID:  "q-1",
		Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Data:      json.RawMessage(`{"ticket_number":"C-003"}`),
	})
	require.NoError(t, err)

	ch := make(chan *redis.Message, 2)
	ch <- &redis.Message{Channel: Channel, Payload: "{not json"}
	ch <- &redis.Message{Channel: Channel, Payload: string(good)}
	close(ch)

	bus.relay(context.Background(), ch)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "queue:consultation", sink.topics[0])
	assert.Equal(t, "q-1", sink.events[0].EntityID)
	assert.JSONEq(t, `{"ticket_number":"C-003"}`, string(sink.events[0].Data))
}

func TestRedisBus_RelayStopsOnCancel(t *testing.T) {
	bus := NewRedisBus(nil, &recordingSink{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		bus.relay(ctx, make(chan *redis.Message))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not-a-redis-url")
	assert.Error(t, err)
}
