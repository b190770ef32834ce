package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facility-locator/internal/model"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var decidedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleEvent() model.DecisionEvent {
	return model.DecisionEvent{
		QueryID:           "q1",
		BatchID:           "b1",
		Name:              "Parirenyatwa Hospital",
		Country:           "ZW",
		Cycle:             1,
		Status:            model.StatusAutoApproved,
		ConfidenceScore:   0.93,
		RecommendedSource: model.SourceGazetteer,
		Final:             &model.Coordinate{Lat: -17.8216, Lng: 31.0469},
		Actor:             "system",
		At:                decidedAt,
	}
}

func TestToMessage(t *testing.T) {
	msg, err := toMessage(sampleEvent())
	require.NoError(t, err)

	assert.Equal(t, []byte("q1"), msg.Key)
	assert.Contains(t, string(msg.Value), `"status":"auto_approved"`)
	assert.Contains(t, string(msg.Value), `"recommended_source":"gazetteer"`)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "status", msg.Headers[0].Key)
	assert.Equal(t, []byte("auto_approved"), msg.Headers[0].Value)
	assert.Equal(t, []byte("2026-03-01T12:00:00Z"), msg.Headers[1].Value)
}

func TestKafka_Publish(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w}

	require.NoError(t, k.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("q1"), w.msgs[0].Key)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafka_PublishError(t *testing.T) {
	k := &Kafka{writer: &fakeWriter{err: errors.New("broker unreachable")}}

	err := k.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write decision for q1")
}

func TestNewKafka_Validation(t *testing.T) {
	_, err := NewKafka(nil, "decisions")
	assert.Error(t, err)

	_, err = NewKafka([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	k, err := NewKafka([]string{"localhost:9092"}, "facility.decisions")
	require.NoError(t, err)
	assert.NoError(t, k.Close())
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), sampleEvent()))
	assert.NoError(t, p.Close())
}
