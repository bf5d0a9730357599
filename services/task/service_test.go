package task

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"smallbiznis-licensing/pkg/config"
	pkgtask "smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/pkg/taskname"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/coder/quartz"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
	sent  chan struct{}
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{sent: make(chan struct{}, 8)}
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.opts = append(f.opts, opts)
	err := f.err
	f.mu.Unlock()

	f.sent <- struct{}{}
	if err != nil {
		return nil, err
	}
	return &asynq.TaskInfo{ID: "1", Type: t.Type()}, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type testEnv struct {
	svc      *Service
	licenses *license.Service
	enqueuer *fakeEnqueuer
	clock    *quartz.Mock
}

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	keyOnce.Do(func() {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})

	db := testutil.NewTestDB(t, &license.License{}, &license.LicenseFileVersion{}, &Task{}, &Job{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	policy, err := license.NewFeaturePolicy(nil)
	require.NoError(t, err)

	cfg := config.Default()
	licenses := license.NewService(license.ServiceParams{
		DB:       db,
		Config:   cfg,
		Node:     node,
		Store:    license.NewGormStore(db),
		Keys:     license.NewKeyCustodian(key, nil),
		Features: policy,
		Clock:    clock,
	})

	enq := newFakeEnqueuer()
	svc := NewService(Params{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Enqueuer: enq,
		Licenses: licenses,
		Clock:    clock,
	})

	return &testEnv{svc: svc, licenses: licenses, enqueuer: enq, clock: clock}
}

func (e *testEnv) recordVersion(t *testing.T, eventID string) {
	t.Helper()
	ctx := context.Background()

	res, err := e.licenses.Issue(ctx, license.IssueParams{
		Tier:          license.TierDeveloper,
		CustomerEmail: "user@example.com",
		Expiry:        license.Never(),
	})
	require.NoError(t, err)
	l, err := e.licenses.FindByID(ctx, res.LicenseID)
	require.NoError(t, err)

	v, err := e.licenses.IssueSignedFile(ctx, l, nil)
	require.NoError(t, err)
	require.NoError(t, e.licenses.RecordFileVersion(ctx, v, eventID))
}

func TestEnsureTaskIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.EnsureTask(ctx))
	require.NoError(t, env.svc.EnsureTask(ctx))

	var tasks []Task
	require.NoError(t, env.svc.db.Find(&tasks).Error)
	require.Len(t, tasks, 1)
	require.Equal(t, SweepTaskName, tasks[0].Name)
	require.Equal(t, time.Hour.String(), tasks[0].Schedule)
}

func TestEnqueueSweep(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.svc.EnqueueSweep(context.Background()))
	require.Equal(t, 1, env.enqueuer.count())
	require.Equal(t, taskname.LicenseFileVersionSweep, env.enqueuer.tasks[0].Type())

	var queue any
	for _, o := range env.enqueuer.opts[0] {
		if o.Type() == asynq.QueueOpt {
			queue = o.Value()
		}
	}
	require.Equal(t, pkgtask.QueueLow, queue)
}

func TestEnqueueSweepDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.enqueuer.err = fmt.Errorf("failed to enqueue task: %w", asynq.ErrDuplicateTask)
	require.NoError(t, env.svc.EnqueueSweep(context.Background()))

	env.enqueuer.err = fmt.Errorf("redis down")
	require.Error(t, env.svc.EnqueueSweep(context.Background()))
}

func TestRunSweepRecordsJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.recordVersion(t, "evt_1")
	env.clock.Set(time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC))

	job, err := env.svc.RunSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, JobStatusSuccess, job.Status)

	var stored Job
	require.NoError(t, env.svc.db.First(&stored, "id = ?", job.ID).Error)
	require.Equal(t, JobStatusSuccess, stored.Status)
	require.Equal(t, SweepTaskName, stored.TaskID)
	require.NotNil(t, stored.CompletedAt)

	var result SweepResult
	require.NoError(t, json.Unmarshal(stored.Metadata, &result))
	require.Equal(t, int64(1), result.Deleted)
}

func TestHandleSweepTaskSwallowsFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sqlDB, err := env.svc.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = env.svc.HandleSweepTask(ctx, asynq.NewTask(taskname.LicenseFileVersionSweep, nil))
	require.NoError(t, err)
}

func TestSchedulerEnqueuesOnTick(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	trap := env.clock.Trap().TickerFunc(schedulerTag)
	defer trap.Close()

	s := NewScheduler(env.svc)
	started := make(chan struct{})
	go func() {
		s.Start()
		close(started)
	}()

	trap.MustWait(ctx).MustRelease(ctx)
	<-started
	require.Equal(t, 0, env.enqueuer.count())

	env.clock.Advance(time.Hour).MustWait(ctx)
	select {
	case <-env.enqueuer.sent:
	case <-ctx.Done():
		t.Fatal("sweep was not enqueued")
	}

	env.clock.Advance(time.Hour).MustWait(ctx)
	select {
	case <-env.enqueuer.sent:
	case <-ctx.Done():
		t.Fatal("sweep was not enqueued on second tick")
	}

	s.Stop()
	require.Equal(t, 2, env.enqueuer.count())
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	NewScheduler(env.svc).Stop()
}
