// Package reconcile repairs drift between locally claimed state and the
// systems of record: jobs abandoned by their workers, and container artifact
// lists that disagree with the object store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/time/rate"

	"github.com/genforge/credits/internal/models"
	"github.com/genforge/credits/internal/objectstore"
	"github.com/genforge/credits/internal/store"
)

// DefaultStaleAfter is how long an in-flight job may go without activity
// before the sweep fails it.
var DefaultStaleAfter = map[models.JobKind]time.Duration{
	models.JobKindImageGenerate: 15 * time.Minute,
	models.JobKindImageEnhance:  15 * time.Minute,
	models.JobKindVideoGenerate: 90 * time.Minute,
}

type Repository interface {
	ListStaleJobs(ctx context.Context, kind models.JobKind, cutoff time.Time) ([]*models.Job, error)
	ListContainerJobs(ctx context.Context, containerID uuid.UUID) ([]*models.Job, error)
	GetContainer(ctx context.Context, containerID uuid.UUID) (*models.Container, error)
	GetContainerForUpdate(ctx context.Context, tx pgx.Tx, containerID uuid.UUID) (*models.Container, error)
	SaveReconciliation(ctx context.Context, tx pgx.Tx, c *models.Container) error
}

// Failer is the lifecycle entry point the sweep drives. jobs.Service
// satisfies it. FailStale is idempotent, so sweeps may overlap; it reports
// false when the job settled before the sweep got to it.
type Failer interface {
	FailStale(ctx context.Context, jobID uuid.UUID, errorMessage string) (bool, error)
}

type Config struct {
	// StaleAfter overrides DefaultStaleAfter per kind.
	StaleAfter map[models.JobKind]time.Duration
	// ProbesPerSecond throttles object-store calls; 0 means unlimited.
	ProbesPerSecond float64
	Now             func() time.Time
}

// Report describes one storage-drift reconciliation.
type Report struct {
	ContainerID    uuid.UUID              `json:"container_id"`
	Claimed        []string               `json:"claimed"`
	Verified       []string               `json:"verified"`
	Missing        []string               `json:"missing"`
	Discovered     []string               `json:"discovered"`
	PreviousStatus models.ContainerStatus `json:"previous_status"`
	Status         models.ContainerStatus `json:"status"`
	Changed        bool                   `json:"changed"`
	Container      *models.Container      `json:"container"`
}

type Engine struct {
	db         store.TxBeginner
	repo       Repository
	jobs       Failer
	objects    objectstore.Store
	limiter    *rate.Limiter
	staleAfter map[models.JobKind]time.Duration
	now        func() time.Time
	log        *slog.Logger
}

func NewEngine(db store.TxBeginner, repo Repository, jobs Failer, objects objectstore.Store, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	staleAfter := make(map[models.JobKind]time.Duration, len(DefaultStaleAfter))
	for k, d := range DefaultStaleAfter {
		staleAfter[k] = d
	}
	for k, d := range cfg.StaleAfter {
		if d > 0 {
			staleAfter[k] = d
		}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ProbesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), max(1, int(cfg.ProbesPerSecond)))
	}
	return &Engine{
		db:         db,
		repo:       repo,
		jobs:       jobs,
		objects:    objects,
		limiter:    limiter,
		staleAfter: staleAfter,
		now:        cfg.Now,
		log:        log,
	}
}

// ---------------------------------------------------------------------------
// Stale-job sweep
// ---------------------------------------------------------------------------

// SweepStaleJobs fails every in-flight job idle for longer than maxAge and
// returns how many it failed. A zero maxAge applies the per-kind thresholds.
func (e *Engine) SweepStaleJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		return 0, errors.New("max age must not be negative")
	}
	now := e.now()
	swept := 0
	var errs []error
	for _, kind := range models.JobKinds {
		threshold := maxAge
		if threshold == 0 {
			threshold = e.staleAfter[kind]
		}
		stale, err := e.repo.ListStaleJobs(ctx, kind, now.Add(-threshold))
		if err != nil {
			return swept, fmt.Errorf("list stale %s jobs: %w", kind, err)
		}
		for _, job := range stale {
			msg := fmt.Sprintf("timeout: no progress for %s", threshold)
			failed, err := e.jobs.FailStale(ctx, job.ID, msg)
			if err != nil {
				e.log.Error("failed to time out stale job", "job_id", job.ID, "error", err)
				errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
				continue
			}
			if !failed {
				continue
			}
			e.log.Info("stale job timed out", "job_id", job.ID, "kind", kind, "last_activity", job.LastActivity())
			swept++
		}
	}
	return swept, errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Storage-drift reconciliation
// ---------------------------------------------------------------------------

// ReconcileArtifacts rewrites a container's claimed artifacts to what the
// object store actually holds and re-derives its status. Storage is only
// read. The record is written only when something changed.
func (e *Engine) ReconcileArtifacts(ctx context.Context, containerID uuid.UUID) (*Report, error) {
	c, err := e.repo.GetContainer(ctx, containerID)
	if err != nil {
		return nil, err
	}
	jobs, err := e.repo.ListContainerJobs(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("list container jobs: %w", err)
	}
	act := e.activity(jobs)

	probed := sortedSet(c.ClaimedArtifacts)
	present := make(map[string]bool, len(probed))
	var missing []string
	for _, ref := range probed {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		ok, err := e.objects.Exists(ctx, ref)
		if errors.Is(err, objectstore.ErrInvalidKey) {
			e.log.Warn("dropping unusable artifact claim", "container_id", containerID, "artifact_ref", ref, "error", err)
			ok, err = false, nil
		}
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", ref, err)
		}
		if ok {
			present[ref] = true
		} else {
			missing = append(missing, ref)
		}
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	listed, err := e.objects.List(ctx, c.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.Prefix, err)
	}
	var discovered []string
	for _, key := range listed {
		if !present[key] && !slices.Contains(missing, key) {
			discovered = append(discovered, key)
		}
		present[key] = true
	}

	report := &Report{
		ContainerID: containerID,
		Missing:     nonNil(missing),
		Discovered:  nonNil(discovered),
	}
	err = store.RunInTx(ctx, e.db, func(tx pgx.Tx) error {
		cur, err := e.repo.GetContainerForUpdate(ctx, tx, containerID)
		if err != nil {
			return err
		}
		verified := make([]string, 0, len(present))
		for ref := range present {
			verified = append(verified, ref)
		}
		// Claims made while probing have not been observed yet; keep them
		// for the next run.
		for _, ref := range cur.ClaimedArtifacts {
			if !slices.Contains(probed, ref) {
				verified = append(verified, ref)
			}
		}
		verified = sortedSet(verified)
		status := deriveStatus(cur.ExpectedCount, len(verified), act)

		report.Claimed = sortedSet(cur.ClaimedArtifacts)
		report.Verified = verified
		report.PreviousStatus = cur.Status
		report.Status = status
		report.Changed = !slices.Equal(report.Claimed, verified) || cur.Status != status
		report.Container = cur
		if !report.Changed {
			return nil
		}
		now := e.now()
		cur.ClaimedArtifacts = verified
		cur.Status = status
		cur.UpdatedAt = now
		cur.ReconciledAt = &now
		return e.repo.SaveReconciliation(ctx, tx, cur)
	})
	if err != nil {
		return nil, err
	}
	if report.Changed {
		e.log.Info("container reconciled",
			"container_id", containerID,
			"missing", len(report.Missing),
			"discovered", len(report.Discovered),
			"from", report.PreviousStatus,
			"to", report.Status,
		)
	}
	return report, nil
}

// jobActivity summarizes a container's jobs for status derivation.
type jobActivity struct {
	active   int // in flight and within deadline
	timedOut int // in flight past deadline
	settled  int // no longer in flight, deleted included
}

func (e *Engine) activity(jobs []*models.Job) jobActivity {
	var a jobActivity
	now := e.now()
	for _, j := range jobs {
		switch {
		case !j.State.InFlight():
			a.settled++
		case now.Sub(j.LastActivity()) > e.staleAfter[j.Kind]:
			a.timedOut++
		default:
			a.active++
		}
	}
	return a
}

func deriveStatus(expected, present int, a jobActivity) models.ContainerStatus {
	switch {
	case expected > 0 && present >= expected:
		return models.ContainerReady
	case a.active > 0:
		return models.ContainerGenerating
	case present > 0:
		// Partial, with nothing left that could add to it.
		return models.ContainerReady
	case a.timedOut > 0 || a.settled > 0:
		return models.ContainerError
	default:
		return models.ContainerGenerating
	}
}

func sortedSet(refs []string) []string {
	out := slices.Clone(refs)
	slices.Sort(out)
	return nonNil(slices.Compact(out))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
