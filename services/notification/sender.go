package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Sender performs the actual delivery of a notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log. It is the default sender until a
// mail provider is configured.
type LogSender struct{}

func NewLogSender() Sender {
	return LogSender{}
}

func (LogSender) Send(ctx context.Context, n Notification) error {
	zap.L().Info("notification sent",
		zap.String("template", string(n.Template)),
		zap.String("subject", n.Template.Subject()),
		zap.String("to", n.To),
		zap.String("license_id", n.LicenseID),
		zap.Any("data", n.Data),
	)
	return nil
}

type Handler struct {
	sender Sender
}

func NewHandler(sender Sender) *Handler {
	return &Handler{sender: sender}
}

func (h *Handler) HandleNotificationTask(ctx context.Context, t *asynq.Task) error {
	var n Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}
	if !n.Template.Valid() {
		zap.L().Warn("dropping notification with unknown template", zap.String("template", string(n.Template)))
		return nil
	}

	if err := h.sender.Send(ctx, n); err != nil {
		zap.L().Error("failed to send notification",
			zap.String("template", string(n.Template)),
			zap.String("license_id", n.LicenseID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
