// Package execution holds the River job definitions and workers that run
// generation jobs against the external engine and the periodic stale-job sweep.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/genforge/credits/internal/models"
)

type GenerateArgs struct {
	JobID          uuid.UUID       `json:"job_id"`
	UserID         uuid.UUID       `json:"user_id"`
	JobKind        models.JobKind  `json:"job_kind"`
	Payload        json.RawMessage `json:"payload"`
	ArtifactPrefix string          `json:"artifact_prefix"`
}

func (GenerateArgs) Kind() string { return "generate" }

// JobService is the contract the worker needs to report back to the lifecycle manager.
type JobService interface {
	Lookup(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ReportProgress(ctx context.Context, jobID uuid.UUID) error
	ReportSuccess(ctx context.Context, jobID uuid.UUID, artifactRef string) error
	ReportFailure(ctx context.Context, jobID uuid.UUID, errorMessage string) error
}

// Run timeouts per kind. Video renders take an order of magnitude longer.
var kindTimeouts = map[models.JobKind]time.Duration{
	models.JobKindImageGenerate: 5 * time.Minute,
	models.JobKindImageEnhance:  3 * time.Minute,
	models.JobKindVideoGenerate: 45 * time.Minute,
}

const defaultHeartbeatInterval = 30 * time.Second

type GenerateWorker struct {
	river.WorkerDefaults[GenerateArgs]
	jobService        JobService
	engine            Engine
	heartbeatInterval time.Duration
	log               *slog.Logger
}

func NewGenerateWorker(js JobService, engine Engine, log *slog.Logger) *GenerateWorker {
	if log == nil {
		log = slog.Default()
	}
	return &GenerateWorker{
		jobService:        js,
		engine:            engine,
		heartbeatInterval: defaultHeartbeatInterval,
		log:               log,
	}
}

func (w *GenerateWorker) Timeout(job *river.Job[GenerateArgs]) time.Duration {
	if d, ok := kindTimeouts[job.Args.JobKind]; ok {
		return d
	}
	return 10 * time.Minute
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateArgs]) error {
	args := job.Args
	log := w.log.With("job_id", args.JobID, "kind", args.JobKind, "attempt", job.Attempt)

	current, err := w.jobService.Lookup(ctx, args.JobID)
	if err != nil {
		return fmt.Errorf("lookup job: %w", err)
	}
	if !current.State.InFlight() {
		log.Debug("job no longer in flight, skipping", "state", current.State)
		return nil
	}
	if err := w.jobService.ReportProgress(ctx, args.JobID); err != nil {
		return fmt.Errorf("report progress: %w", err)
	}

	stop := w.heartbeat(ctx, args.JobID, log)
	ref, err := w.engine.Generate(ctx, EngineRequest{
		JobID:          args.JobID,
		UserID:         args.UserID,
		Kind:           args.JobKind,
		Payload:        args.Payload,
		ArtifactPrefix: args.ArtifactPrefix,
	})
	stop()

	if err != nil {
		var engErr *EngineError
		if errors.As(err, &engErr) && engErr.Permanent() {
			return w.failJob(ctx, args.JobID, engErr.Message)
		}
		if job.Attempt >= job.MaxAttempts {
			return w.failJob(ctx, args.JobID, fmt.Sprintf("engine unavailable after %d attempts: %v", job.Attempt, err))
		}
		log.Warn("engine call failed, will retry", "error", err)
		return fmt.Errorf("engine call: %w", err)
	}

	if err := w.jobService.ReportSuccess(ctx, args.JobID, ref); err != nil {
		return fmt.Errorf("failed to mark job succeeded: %w", err)
	}
	log.Info("job produced artifact", "artifact_ref", ref)
	return nil
}

// heartbeat reports progress on a ticker until the returned func is called.
func (w *GenerateWorker) heartbeat(ctx context.Context, jobID uuid.UUID, log *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.jobService.ReportProgress(ctx, jobID); err != nil && ctx.Err() == nil {
					log.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *GenerateWorker) failJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	markErr := w.jobService.ReportFailure(ctx, jobID, reason)
	if markErr != nil {
		return fmt.Errorf("generation failed (%s) AND failed to mark job as failed: %w", reason, markErr)
	}
	return nil
}
