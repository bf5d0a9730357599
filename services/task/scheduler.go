package task

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const schedulerTag = "sweepScheduler"

type Scheduler struct {
	service  *Service
	clock    quartz.Clock
	interval time.Duration

	cancel context.CancelFunc
	waiter quartz.Waiter
}

func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{
		service:  svc,
		clock:    svc.clock,
		interval: svc.interval,
	}
}

// StartScheduler is wired by fx and stops with the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.service.EnsureTask(ctx); err != nil {
				zap.L().Warn("[Scheduler] failed to register sweep task", zap.Error(err))
			}
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.Stop()
			return nil
		},
	})
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	zap.L().Info("[Scheduler] started license file version sweep", zap.Duration("interval", s.interval))
	s.waiter = s.clock.TickerFunc(ctx, s.interval, func() error {
		s.tick(ctx)
		return nil
	}, schedulerTag)
}

func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	_ = s.waiter.Wait()
	zap.L().Warn("[Scheduler] stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.service.EnqueueSweep(ctx); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue sweep", zap.Error(err))
	}
}
