package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *mockWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherEncodesEvent(t *testing.T) {
	writer := &mockWriter{}
	p := &KafkaPublisher{writer: writer, topic: "link-events"}
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), Event{
		Type:        TypeURLShortened,
		ShortCode:   "AbCdEfGhIj",
		OriginalURL: "https://example.com/long",
		ShortURL:    "http://localhost:3000/AbCdEfGhIj",
		ClientID:    "client-42",
		OccurredAt:  at,
	})
	require.NoError(t, err)

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "AbCdEfGhIj", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	assert.Equal(t, []kafka.Header{{Key: "event-type", Value: []byte(TypeURLShortened)}}, msg.Headers)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "client-42", decoded.ClientID)
	assert.Equal(t, "https://example.com/long", decoded.OriginalURL)

	require.NoError(t, p.Close())
	assert.True(t, writer.closed)
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	errBroker := errors.New("broker down")
	p := &KafkaPublisher{writer: &mockWriter{err: errBroker}}

	err := p.Publish(context.Background(), Event{Type: TypeURLResolved, ShortCode: "x"})
	assert.ErrorIs(t, err, errBroker)
}

func TestNewKafkaPublisherConfiguresAsyncWriter(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "link-events")
	writer, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, writer.Async)
	assert.Equal(t, "link-events", writer.Topic)
	require.NoError(t, p.Close())
}
