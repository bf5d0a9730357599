package notification

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

//go:generate mockgen -source=notifier.go -destination=mock_notifier.go -package=notification

// Notifier hands a notification off for delivery. Callers treat it as fire
// and forget and only log a returned error.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type TaskNotifier struct {
	enqueuer task.Enqueuer
}

func NewTaskNotifier(enqueuer task.Enqueuer) Notifier {
	return &TaskNotifier{enqueuer: enqueuer}
}

func NewSendTask(n Notification) (*asynq.Task, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.NotificationSend, payload), nil
}

func (t *TaskNotifier) Notify(ctx context.Context, n Notification) error {
	if !n.Template.Valid() {
		return fmt.Errorf("unknown notification template %q", n.Template)
	}
	if n.To == "" {
		return errors.New("notification recipient is required")
	}

	st, err := NewSendTask(n)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(task.QueueLow),
		asynq.MaxRetry(5),
		asynq.Retention(24 * time.Hour),
	}
	if n.EventID != "" {
		opts = append(opts, asynq.TaskID(fmt.Sprintf("%s:%s:%s", n.Template, n.EventID, n.LicenseID)))
	}

	if _, err := t.enqueuer.Enqueue(ctx, st, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			zap.L().Debug("notification already enqueued",
				zap.String("template", string(n.Template)),
				zap.String("event_id", n.EventID),
			)
			return nil
		}
		return err
	}
	return nil
}
