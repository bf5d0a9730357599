package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"smallbiznis-licensing/pkg/config"
	pkgtask "smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/pkg/taskname"
	"smallbiznis-licensing/services/license"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SweepTaskName references tasks.name for file version sweep jobs.
const SweepTaskName = "license_file_version_sweep"

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer pkgtask.Enqueuer
	licenses *license.Service
	clock    quartz.Clock
	interval time.Duration
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Enqueuer pkgtask.Enqueuer `optional:"true"`
	Licenses *license.Service
	Clock    quartz.Clock `optional:"true"`
}

func NewService(p Params) *Service {
	clock := p.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	interval := p.Config.Licensing.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		enqueuer: p.Enqueuer,
		licenses: p.Licenses,
		clock:    clock,
		interval: interval,
	}
}

// EnsureTask registers the sweep task definition once.
func (s *Service) EnsureTask(ctx context.Context) error {
	t := Task{
		ID:          s.node.Generate().String(),
		Name:        SweepTaskName,
		Description: "Purge license file versions past their retention window",
		Schedule:    s.interval.String(),
		IsActive:    true,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"schedule"}),
	}).Create(&t).Error
}

// EnqueueSweep queues one sweep. Replicas share the unique lock so only one
// sweep is queued per interval.
func (s *Service) EnqueueSweep(ctx context.Context) error {
	if s.enqueuer == nil {
		return errors.New("task enqueuer is not configured")
	}

	t := asynq.NewTask(taskname.LicenseFileVersionSweep, nil)
	info, err := s.enqueuer.Enqueue(ctx, t,
		asynq.Queue(pkgtask.QueueLow),
		asynq.Unique(s.interval),
		asynq.MaxRetry(0),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			zap.L().Debug("sweep already queued for this interval")
			return nil
		}
		return err
	}

	zap.L().Info("enqueued license file version sweep", zap.String("task_id", info.ID))
	return nil
}

// HandleSweepTask runs the sweep. Failures are recorded on the job and logged;
// the next interval retries.
func (s *Service) HandleSweepTask(ctx context.Context, t *asynq.Task) error {
	job, err := s.RunSweep(ctx)
	if err != nil {
		zapLog := zap.L().With(zap.String("task_type", t.Type()), zap.Error(err))
		if job != nil {
			zapLog = zapLog.With(zap.String("job_id", job.ID))
		}
		zapLog.Error("license file version sweep failed")
	}
	return nil
}

// RunSweep deletes expired file versions and records the run as a Job.
func (s *Service) RunSweep(ctx context.Context) (*Job, error) {
	started := s.clock.Now().UTC()
	job := &Job{
		ID:        s.node.Generate().String(),
		TaskID:    SweepTaskName,
		Status:    JobStatusRunning,
		StartedAt: &started,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}

	deleted, sweepErr := s.licenses.SweepExpiredFileVersions(ctx)

	completed := s.clock.Now().UTC()
	updates := map[string]any{
		"completed_at": completed,
	}
	if sweepErr != nil {
		job.Status = JobStatusFailed
		job.ErrorMsg = sweepErr.Error()
		updates["error_msg"] = job.ErrorMsg
	} else {
		job.Status = JobStatusSuccess
		metadata, err := json.Marshal(SweepResult{Deleted: deleted, Cutoff: started})
		if err != nil {
			return job, err
		}
		job.Metadata = datatypes.JSON(metadata)
		updates["metadata"] = job.Metadata
	}
	updates["status"] = job.Status
	job.CompletedAt = &completed

	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to record sweep job", zap.String("job_id", job.ID), zap.Error(err))
	}

	if sweepErr != nil {
		return job, sweepErr
	}

	zap.L().Info("license file version sweep finished",
		zap.String("job_id", job.ID),
		zap.Int64("deleted", deleted),
		zap.Duration("duration", completed.Sub(started)),
	)
	return job, nil
}
