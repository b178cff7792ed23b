package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeRun is the asynq task that triggers one retention run.
	TaskTypeRun = "retention:run"
	// Queue isolates retention tasks from any other asynq work sharing the Redis instance.
	Queue = "retention"
	// DefaultCron runs retention daily at 03:00.
	DefaultCron = "0 3 * * *"
	// uniqueFor drops duplicate enqueues while a run is pending or active.
	uniqueFor = 6 * time.Hour
)

// Runner is the part of Service the task handler needs.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// NewTask returns the retention task with the options the scheduler registers it with.
func NewTask() (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(TaskTypeRun, nil), []asynq.Option{
		asynq.Queue(Queue),
		asynq.Unique(uniqueFor),
		asynq.MaxRetry(0),
		asynq.Timeout(uniqueFor),
	}
}

// NewScheduler registers the retention task on cronspec.
func NewScheduler(redis asynq.RedisConnOpt, cronspec string, logger *slog.Logger) (*asynq.Scheduler, error) {
	if cronspec == "" {
		cronspec = DefaultCron
	}
	s := asynq.NewScheduler(redis, &asynq.SchedulerOpts{
		Location: time.UTC,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
				logger.Error("retention enqueue failed", "error", err)
			}
		},
	})
	task, opts := NewTask()
	if _, err := s.Register(cronspec, task, opts...); err != nil {
		return nil, fmt.Errorf("retention: register %q: %w", cronspec, err)
	}
	return s, nil
}

// NewServer returns an asynq server that processes retention tasks one at a time.
func NewServer(redis asynq.RedisConnOpt, logger *slog.Logger) *asynq.Server {
	return asynq.NewServer(redis, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{Queue: 1},
		Logger:      slogAdapter{logger},
	})
}

// NewMux routes TaskTypeRun to r.
func NewMux(r Runner, logger *slog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeRun, Handler(r, logger))
	return mux
}

// Handler runs retention for one task. An overlapping run is skipped; step failures are reported
// without retry because the next scheduled run repeats every step.
func Handler(r Runner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		rep, err := r.Run(ctx)
		if errors.Is(err, ErrRunInProgress) {
			logger.InfoContext(ctx, "retention run skipped, another run is active")
			return nil
		}
		logger.InfoContext(ctx, "retention run finished",
			"archived", rep.Archived.Events,
			"expired", rep.Expired,
			"sessions_closed", rep.SessionsClosed,
			"sessions_deleted", rep.SessionsDeleted,
			"failed_steps", rep.Failed,
			"duration", rep.Duration)
		if err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}

// slogAdapter routes asynq's internal logging through slog.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a slogAdapter) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
