package task

import (
	"smallbiznis-licensing/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
		NewScheduler,
	),
	fx.Invoke(migrate),
	fx.Invoke(StartScheduler),
	fx.Invoke(registerHandler),
)

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Task{}, &Job{})
}

func registerHandler(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.LicenseFileVersionSweep, s.HandleSweepTask)
}
