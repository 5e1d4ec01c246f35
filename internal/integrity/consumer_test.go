package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"faceexam/internal/metrics"
	"faceexam/internal/model"
	"faceexam/internal/queue"
	"faceexam/internal/store"
)

type failingStore struct{}

func (failingStore) InsertIntegrityEvent(context.Context, model.IntegrityEvent) error {
	return errors.New("db down")
}

func mismatch() model.IntegrityEvent {
	return model.IntegrityEvent{
		ID:                "evt-1",
		Kind:              model.IntegrityIdentityMismatch,
		ClassID:           "class-1",
		CheckID:           "check-1",
		ExamAttemptID:     null.StringFrom("attempt-1"),
		ExpectedStudentID: null.StringFrom("ana"),
		ObservedStudentID: "beto",
		Similarity:        0.97,
		OccurredAt:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func publish(t *testing.T, q queue.Queue, e model.IntegrityEvent) queue.Message {
	t.Helper()
	inbox := queue.NewInMemory(1)
	require.NoError(t, queue.IntegrityPublisher{Q: inbox}.PublishIntegrity(context.Background(), e))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := inbox.Consume(ctx)
	require.NoError(t, err)
	msg := <-msgs
	if q != nil {
		require.NoError(t, q.Publish(context.Background(), msg))
	}
	return msg
}

func TestHandleStoresEvent(t *testing.T) {
	mem := store.NewMemory()
	m := metrics.New(prometheus.NewRegistry())
	c := NewConsumer(mem, nil, m)

	msg := publish(t, nil, mismatch())
	require.NoError(t, c.Handle(context.Background(), msg))
	require.NoError(t, c.Handle(context.Background(), msg))

	events := mem.IntegrityEvents()
	require.Len(t, events, 1, "redelivery must not duplicate")
	assert.Equal(t, "beto", events[0].ObservedStudentID)
	assert.Equal(t, "attempt-1", events[0].ExamAttemptID.String)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IntegrityConsumed.WithLabelValues(model.IntegrityIdentityMismatch, "stored")))
}

func TestHandleBadMessages(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c := NewConsumer(store.NewMemory(), nil, m)

	assert.NoError(t, c.Handle(context.Background(), queue.Message{Type: "checkin"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntegrityConsumed.WithLabelValues("unknown", "skipped")))

	assert.Error(t, c.Handle(context.Background(), queue.Message{Type: queue.TypeIntegrity, Body: []byte("{")}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntegrityConsumed.WithLabelValues("unknown", "malformed")))

	failing := NewConsumer(failingStore{}, nil, m)
	err := failing.Handle(context.Background(), publish(t, nil, mismatch()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evt-1")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntegrityConsumed.WithLabelValues(model.IntegrityIdentityMismatch, "error")))
}

func TestRunDrainsQueue(t *testing.T) {
	mem := store.NewMemory()
	q := queue.NewInMemory(4)
	publish(t, q, mismatch())
	late := mismatch()
	late.ID = "evt-2"
	late.Kind = model.IntegrityLateResponse
	publish(t, q, late)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConsumer(mem, nil, nil).Run(ctx, q) }()

	require.Eventually(t, func() bool { return len(mem.IntegrityEvents()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
