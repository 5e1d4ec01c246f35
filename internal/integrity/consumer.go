package integrity

import (
	"context"

	"github.com/pkg/errors"

	"faceexam/internal/logsvc"
	"faceexam/internal/metrics"
	"faceexam/internal/model"
	"faceexam/internal/queue"
)

// Store persists integrity events for later review.
type Store interface {
	InsertIntegrityEvent(ctx context.Context, e model.IntegrityEvent) error
}

// Consumer drains integrity events from a queue into the store.
type Consumer struct {
	Store   Store
	Log     logsvc.Logger
	Metrics *metrics.Metrics
}

func NewConsumer(store Store, log logsvc.Logger, m *metrics.Metrics) *Consumer {
	if log == nil {
		log = logsvc.Nop{}
	}
	return &Consumer{Store: store, Log: log, Metrics: m}
}

// Run handles messages until ctx is cancelled or the queue closes.
// Failures are logged and counted; one bad message never stops the loop.
func (c *Consumer) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return errors.Wrap(err, "consume integrity queue")
	}
	for msg := range messages {
		if err := c.Handle(ctx, msg); err != nil {
			c.Log.Error("integrity event failed", err)
		}
	}
	return ctx.Err()
}

// Handle decodes and stores one message. Messages of other types are skipped.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != queue.TypeIntegrity {
		c.count("unknown", "skipped")
		return nil
	}
	e, err := queue.DecodeIntegrity(msg)
	if err != nil {
		c.count("unknown", "malformed")
		return err
	}
	if err := c.Store.InsertIntegrityEvent(ctx, e); err != nil {
		c.count(e.Kind, "error")
		return errors.Wrapf(err, "store integrity event %s", e.ID)
	}
	c.count(e.Kind, "stored")
	c.Log.Warn("integrity event", map[string]interface{}{
		"kind":     e.Kind,
		"class":    e.ClassID,
		"check":    e.CheckID,
		"attempt":  e.ExamAttemptID.String,
		"observed": e.ObservedStudentID,
	})
	return nil
}

func (c *Consumer) count(kind, result string) {
	if c.Metrics != nil {
		c.Metrics.IntegrityConsumed.WithLabelValues(kind, result).Inc()
	}
}
