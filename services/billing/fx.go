package billing

import (
	"smallbiznis-licensing/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("billing.processor",
	fx.Provide(
		NewSubscriptionStore,
		NewProcessor,
	),
	fx.Invoke(migrate),
)

var WorkerModule = fx.Module("billing.worker",
	Module,
	fx.Invoke(registerHandler),
)

var PublisherModule = fx.Module("billing.publisher",
	fx.Provide(NewEventPublisher),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Subscription{})
}

func registerHandler(mux *asynq.ServeMux, p *Processor) {
	mux.HandleFunc(taskname.BillingEvent, p.HandleEventTask)
}
