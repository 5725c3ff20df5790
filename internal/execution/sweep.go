package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

type SweepArgs struct{}

func (SweepArgs) Kind() string { return "sweep_stale_jobs" }

// InsertOpts keeps at most one sweep queued at a time.
func (SweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByArgs: true, ByPeriod: time.Minute},
	}
}

// Sweeper force-fails jobs abandoned past their kind's deadline.
type Sweeper interface {
	SweepStaleJobs(ctx context.Context, maxAge time.Duration) (int, error)
}

type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	sweeper Sweeper
	log     *slog.Logger
}

func NewSweepWorker(s Sweeper, log *slog.Logger) *SweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SweepWorker{sweeper: s, log: log}
}

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	n, err := w.sweeper.SweepStaleJobs(ctx, 0)
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info("stale jobs failed and refunded", "count", n)
	}
	return nil
}

// PeriodicSweep schedules the sweep every interval, starting at boot.
func PeriodicSweep(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
