package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func NewEventTask(evt Event) (*asynq.Task, error) {
	if evt.ID == "" || evt.Type == "" {
		return nil, errors.New("billing event id and type are required")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.BillingEvent, payload), nil
}

// EventPublisher queues authenticated billing events for processing. The
// event id doubles as the task id so a redelivered event is queued once while
// it is pending or retained.
type EventPublisher struct {
	enqueuer task.Enqueuer
}

func NewEventPublisher(enqueuer task.Enqueuer) *EventPublisher {
	return &EventPublisher{enqueuer: enqueuer}
}

func (p *EventPublisher) Publish(ctx context.Context, evt Event) error {
	t, err := NewEventTask(evt)
	if err != nil {
		return err
	}

	_, err = p.enqueuer.Enqueue(ctx, t,
		asynq.TaskID(evt.ID),
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(20),
		asynq.Retention(72*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		zap.L().Info("billing event already queued", zap.String("event_id", evt.ID))
		return nil
	}
	return err
}

func (p *Processor) HandleEventTask(ctx context.Context, t *asynq.Task) error {
	var evt Event
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}

	if err := p.Process(ctx, evt); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}
