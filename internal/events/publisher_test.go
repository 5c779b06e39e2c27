package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWriter struct {
	messages []kafka.Message
	closed   bool
}

func (s *stubWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	s.messages = append(s.messages, msgs...)
	return nil
}

func (s *stubWriter) Close() error {
	s.closed = true
	return nil
}

func TestKafkaPublisherWritesJSON(t *testing.T) {
	w := &stubWriter{}
	p := newKafkaPublisher(w, "fitsync.sync")

	end := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	err := p.PublishSyncCompleted(context.Background(), SyncCompleted{
		Source:          "strava",
		Outcome:         "success",
		ActivitiesAdded: 3,
		EndTime:         end,
	})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "strava", string(msg.Key))
	assert.Equal(t, end, msg.Time)

	var got SyncCompleted
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, TypeSyncCompleted, got.Type)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, 3, got.ActivitiesAdded)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

func TestNopDiscardsEvents(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.PublishSyncCompleted(context.Background(), SyncCompleted{Source: "strava"}))
	assert.NoError(t, p.Close())
}
