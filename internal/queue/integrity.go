package queue

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"faceexam/internal/model"
)

// TypeIntegrity tags messages carrying a model.IntegrityEvent.
const TypeIntegrity = "integrity"

// IntegrityPublisher sends integrity events over a Queue.
type IntegrityPublisher struct {
	Q Queue
}

// PublishIntegrity enqueues e for the worker.
func (p IntegrityPublisher) PublishIntegrity(ctx context.Context, e model.IntegrityEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode integrity event")
	}
	return p.Q.Publish(ctx, Message{Type: TypeIntegrity, Body: body})
}

// DecodeIntegrity extracts the event from an integrity message.
func DecodeIntegrity(msg Message) (model.IntegrityEvent, error) {
	if msg.Type != TypeIntegrity {
		return model.IntegrityEvent{}, errors.Errorf("unexpected message type %q", msg.Type)
	}
	var e model.IntegrityEvent
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		return model.IntegrityEvent{}, errors.Wrap(err, "decode integrity event")
	}
	return e, nil
}
