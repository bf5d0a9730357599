package notification

import (
	"smallbiznis-licensing/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.notifier",
	fx.Provide(NewTaskNotifier),
)

var WorkerModule = fx.Module("notification.worker",
	fx.Provide(
		NewLogSender,
		NewHandler,
	),
	fx.Invoke(registerHandler),
)

func registerHandler(mux *asynq.ServeMux, h *Handler) {
	mux.HandleFunc(taskname.NotificationSend, h.HandleNotificationTask)
}
