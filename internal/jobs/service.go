// Package jobs is the job lifecycle manager: it debits before dispatch,
// accepts worker callbacks, and refunds on failure.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/genforge/credits/internal/execution"
	"github.com/genforge/credits/internal/ledger"
	"github.com/genforge/credits/internal/models"
	"github.com/genforge/credits/internal/objectstore"
	"github.com/genforge/credits/internal/store"
)

var (
	ErrNotFound            = models.ErrNotFound
	ErrForbidden           = models.ErrForbidden
	ErrInvalidTransition   = models.ErrInvalidTransition
	ErrInsufficientBalance = models.ErrInsufficientBalance
	// ErrDispatchFailed is returned with the job when the queue rejected it;
	// the job is already failed and refunded.
	ErrDispatchFailed = errors.New("job could not be dispatched")
)

// DefaultCosts is the credit price of each job kind.
var DefaultCosts = map[models.JobKind]int64{
	models.JobKindImageGenerate: 10,
	models.JobKindImageEnhance:  5,
	models.JobKindVideoGenerate: 50,
}

const (
	defaultListLimit     = 50
	maxListLimit         = 200
	maxContainerExpected = 100
)

// Repository is the persistence the lifecycle manager needs.
type Repository interface {
	InsertJob(ctx context.Context, tx pgx.Tx, j *models.Job) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	GetJobForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Job, error)
	UpdateJob(ctx context.Context, tx pgx.Tx, j *models.Job, from models.JobState) error
	ListJobs(ctx context.Context, userID uuid.UUID, state models.JobState, limit int) ([]*models.Job, error)

	InsertContainer(ctx context.Context, tx pgx.Tx, c *models.Container) error
	GetContainer(ctx context.Context, containerID uuid.UUID) (*models.Container, error)
	AppendClaimedArtifact(ctx context.Context, tx pgx.Tx, containerID uuid.UUID, ref string) error
}

// EnqueueFunc submits a generation job to the task queue. Provided by main
// using river.Client.Insert.
type EnqueueFunc func(ctx context.Context, args execution.GenerateArgs) error

type CreateJobInput struct {
	UserID      uuid.UUID
	Kind        models.JobKind
	Payload     json.RawMessage
	Cost        int64
	ContainerID *uuid.UUID
}

type Service interface {
	CreateJob(ctx context.Context, in CreateJobInput) (*models.Job, error)
	GetJob(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, userID uuid.UUID, state models.JobState, limit int) ([]*models.Job, error)
	Publish(ctx context.Context, jobID, userID uuid.UUID, metadata json.RawMessage) (*models.Job, error)
	Delete(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error)

	Lookup(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ReportProgress(ctx context.Context, jobID uuid.UUID) error
	ReportSuccess(ctx context.Context, jobID uuid.UUID, artifactRef string) error
	ReportFailure(ctx context.Context, jobID uuid.UUID, errorMessage string) error
	FailStale(ctx context.Context, jobID uuid.UUID, errorMessage string) (bool, error)

	CreateContainer(ctx context.Context, userID uuid.UUID, expectedCount int) (*models.Container, error)
}

type Config struct {
	// QueueSubmitAttempts bounds enqueue retries before the job is failed.
	QueueSubmitAttempts uint
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

type service struct {
	db        store.TxBeginner
	repo      Repository
	ledger    ledger.Service
	validator *Validator
	enqueue   EnqueueFunc
	attempts  uint
	now       func() time.Time
	log       *slog.Logger
}

// NewService creates the lifecycle manager. enqueue is typically a closure
// over river.Client.Insert. Returns *service so it can also be used as
// execution.JobService for the River worker.
func NewService(db store.TxBeginner, repo Repository, ledgerSvc ledger.Service, validator *Validator, enqueue EnqueueFunc, cfg Config, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSubmitAttempts == 0 {
		cfg.QueueSubmitAttempts = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &service{
		db:        db,
		repo:      repo,
		ledger:    ledgerSvc,
		validator: validator,
		enqueue:   enqueue,
		attempts:  cfg.QueueSubmitAttempts,
		now:       cfg.Now,
		log:       log,
	}
}

var (
	_ Service              = (*service)(nil)
	_ execution.JobService = (*service)(nil)
)

func newQueueBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// ---------------------------------------------------------------------------
// Request-time operations
// ---------------------------------------------------------------------------

// CreateJob debits the cost and writes the job in one transaction, then
// submits it to the queue. If the queue keeps refusing, the job is failed and
// refunded before returning ErrDispatchFailed.
func (s *service) CreateJob(ctx context.Context, in CreateJobInput) (*models.Job, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrValidation, in.Kind)
	}
	if in.Cost <= 0 {
		return nil, fmt.Errorf("%w: cost must be positive", ErrValidation)
	}
	if err := s.validator.ValidateInput(in.Kind, in.Payload); err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("jobs/%s/", in.UserID)
	if in.ContainerID != nil {
		c, err := s.repo.GetContainer(ctx, *in.ContainerID)
		if err != nil {
			return nil, err
		}
		if c.UserID != in.UserID {
			return nil, ErrForbidden
		}
		prefix = c.Prefix
	}

	now := s.now()
	job := &models.Job{
		ID:           uuid.New(),
		UserID:       in.UserID,
		Kind:         in.Kind,
		InputPayload: in.Payload,
		State:        models.JobStatePending,
		Cost:         in.Cost,
		ContainerID:  in.ContainerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := store.RunInTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := s.ledger.Debit(ctx, tx, in.UserID, in.Cost, job.ID, fmt.Sprintf("%s job %s", in.Kind, job.ID)); err != nil {
			return err
		}
		return s.repo.InsertJob(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}

	args := execution.GenerateArgs{
		JobID:          job.ID,
		UserID:         job.UserID,
		JobKind:        job.Kind,
		Payload:        job.InputPayload,
		ArtifactPrefix: prefix,
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.enqueue(ctx, args)
	}, backoff.WithBackOff(newQueueBackOff()), backoff.WithMaxTries(s.attempts))
	if err != nil {
		s.log.Error("queue submission failed, refunding", "job_id", job.ID, "error", err)
		if ferr := s.ReportFailure(context.WithoutCancel(ctx), job.ID, "dispatch failed: "+err.Error()); ferr != nil {
			return nil, fmt.Errorf("dispatch failed (%v) AND refund failed: %w", err, ferr)
		}
		failed, gerr := s.repo.GetJob(ctx, job.ID)
		if gerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		}
		return failed, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	s.log.Info("job created", "job_id", job.ID, "user_id", job.UserID, "kind", job.Kind, "cost", job.Cost)
	return job, nil
}

func (s *service) GetJob(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrForbidden
	}
	return job, nil
}

func (s *service) ListJobs(ctx context.Context, userID uuid.UUID, state models.JobState, limit int) ([]*models.Job, error) {
	if state != "" && !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrValidation, state)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListJobs(ctx, userID, state, limit)
}

// Publish moves an owned draft to published. It has no ledger effect.
func (s *service) Publish(ctx context.Context, jobID, userID uuid.UUID, metadata json.RawMessage) (*models.Job, error) {
	if len(metadata) > 0 && !json.Valid(metadata) {
		return nil, fmt.Errorf("%w: metadata is not valid JSON", ErrValidation)
	}
	return s.userTransition(ctx, jobID, userID, models.JobStatePublished, func(j *models.Job, now time.Time) {
		if len(metadata) > 0 {
			j.Metadata = metadata
		}
		j.PublishedAt = &now
	})
}

// Delete soft-deletes an owned draft or failed job. It has no ledger effect.
func (s *service) Delete(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error) {
	return s.userTransition(ctx, jobID, userID, models.JobStateDeleted, func(j *models.Job, now time.Time) {
		j.DeletedAt = &now
	})
}

func (s *service) userTransition(ctx context.Context, jobID, userID uuid.UUID, to models.JobState, apply func(*models.Job, time.Time)) (*models.Job, error) {
	var job *models.Job
	err := store.RunInTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		job, err = s.repo.GetJobForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.UserID != userID {
			return ErrForbidden
		}
		from := job.State
		if err := models.ValidateTransition(from, to); err != nil {
			return err
		}
		now := s.now()
		job.State = to
		job.UpdatedAt = now
		apply(job, now)
		return s.repo.UpdateJob(ctx, tx, job, from)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("job transitioned", "job_id", jobID, "state", to)
	return job, nil
}

// ---------------------------------------------------------------------------
// Worker callbacks. All are idempotent under at-least-once delivery: repeats
// are debug-logged, losing races are logged as conflicts, neither is an error.
// ---------------------------------------------------------------------------

func (s *service) Lookup(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// ReportProgress records a heartbeat. The first heartbeat on a pending job
// moves it to processing.
func (s *service) ReportProgress(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.callback(ctx, jobID, "progress", func(tx pgx.Tx, job *models.Job) (bool, error) {
		if !job.State.InFlight() {
			return false, nil
		}
		from := job.State
		now := s.now()
		job.State = models.JobStateProcessing
		job.LastHeartbeatAt = &now
		if from == models.JobStatePending {
			job.UpdatedAt = now
		}
		return true, s.repo.UpdateJob(ctx, tx, job, from)
	})
	return err
}

// ReportSuccess moves an in-flight job to draft and records its artifact. A
// job in a container also gets the artifact added to the container's claims,
// so its ref must be a valid key under the container prefix.
func (s *service) ReportSuccess(ctx context.Context, jobID uuid.UUID, artifactRef string) error {
	if artifactRef == "" {
		return fmt.Errorf("%w: artifact_ref is required", ErrValidation)
	}
	if err := objectstore.ValidateKey(artifactRef); err != nil {
		return fmt.Errorf("%w: artifact_ref: %v", ErrValidation, err)
	}
	if err := s.checkContainerRef(ctx, jobID, artifactRef); err != nil {
		return err
	}
	_, err := s.callback(ctx, jobID, "success", func(tx pgx.Tx, job *models.Job) (bool, error) {
		if !job.State.InFlight() {
			if job.State == models.JobStateDraft || job.State == models.JobStatePublished {
				if job.ArtifactRef != nil && *job.ArtifactRef != artifactRef {
					s.log.Warn("conflicting success callback ignored", "job_id", jobID, "stored_ref", *job.ArtifactRef, "reported_ref", artifactRef)
				}
			}
			return false, nil
		}
		from := job.State
		job.State = models.JobStateDraft
		job.ArtifactRef = &artifactRef
		job.UpdatedAt = s.now()
		if err := s.repo.UpdateJob(ctx, tx, job, from); err != nil {
			return false, err
		}
		if job.ContainerID != nil {
			if err := s.repo.AppendClaimedArtifact(ctx, tx, *job.ContainerID, artifactRef); err != nil {
				return false, fmt.Errorf("claim artifact: %w", err)
			}
		}
		return true, nil
	})
	return err
}

func (s *service) checkContainerRef(ctx context.Context, jobID uuid.UUID, artifactRef string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ContainerID == nil {
		return nil
	}
	c, err := s.repo.GetContainer(ctx, *job.ContainerID)
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}
	if !strings.HasPrefix(artifactRef, c.Prefix) || path.Clean(artifactRef) != artifactRef {
		return fmt.Errorf("%w: artifact_ref must lie under %s", ErrValidation, c.Prefix)
	}
	return nil
}

// ReportFailure moves an in-flight job to failed and refunds its cost in the
// same transaction.
func (s *service) ReportFailure(ctx context.Context, jobID uuid.UUID, errorMessage string) error {
	_, err := s.FailStale(ctx, jobID, errorMessage)
	return err
}

// FailStale is ReportFailure for the sweep: it also reports whether this call
// performed the transition, which is false when the job had already settled.
func (s *service) FailStale(ctx context.Context, jobID uuid.UUID, errorMessage string) (bool, error) {
	if errorMessage == "" {
		errorMessage = "generation failed"
	}
	return s.callback(ctx, jobID, "failure", func(tx pgx.Tx, job *models.Job) (bool, error) {
		if !job.State.InFlight() {
			return false, nil
		}
		from := job.State
		job.State = models.JobStateFailed
		job.ErrorMessage = &errorMessage
		job.UpdatedAt = s.now()
		if err := s.repo.UpdateJob(ctx, tx, job, from); err != nil {
			return false, err
		}
		_, err := s.ledger.Credit(ctx, tx, ledger.CreditRequest{
			UserID:      job.UserID,
			Amount:      job.Cost,
			Kind:        models.TxKindRefund,
			JobID:       &job.ID,
			Description: "refund: " + errorMessage,
		})
		if errors.Is(err, ledger.ErrRefundExists) {
			s.log.Warn("refund already recorded for failing job", "job_id", jobID)
			return true, nil
		}
		return true, err
	})
}

// callback runs apply against the locked job. apply reports whether it
// changed anything; a false result is a duplicate or lost race and is logged.
func (s *service) callback(ctx context.Context, jobID uuid.UUID, name string, apply func(pgx.Tx, *models.Job) (bool, error)) (bool, error) {
	var (
		applied bool
		state   models.JobState
	)
	err := store.RunInTx(ctx, s.db, func(tx pgx.Tx) error {
		job, err := s.repo.GetJobForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		state = job.State
		applied, err = apply(tx, job)
		return err
	})
	if errors.Is(err, models.ErrStaleTransition) {
		s.log.Debug("stale callback absorbed", "job_id", jobID, "callback", name)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if applied {
		s.log.Debug("callback applied", "job_id", jobID, "callback", name, "from", state)
		return true, nil
	}
	switch {
	case state == models.JobStateDeleted:
		s.log.Debug("callback after delete ignored", "job_id", jobID, "callback", name)
	case isDuplicate(name, state):
		s.log.Debug("duplicate callback ignored", "job_id", jobID, "callback", name, "state", state)
	default:
		s.log.Warn("callback lost transition race", "job_id", jobID, "callback", name, "state", state)
	}
	return false, nil
}

func isDuplicate(callback string, state models.JobState) bool {
	switch callback {
	case "progress":
		return true
	case "success":
		return state == models.JobStateDraft || state == models.JobStatePublished
	case "failure":
		return state == models.JobStateFailed
	}
	return false
}

// ---------------------------------------------------------------------------
// Containers
// ---------------------------------------------------------------------------

// CreateContainer opens a batch whose artifacts land under a per-container prefix.
func (s *service) CreateContainer(ctx context.Context, userID uuid.UUID, expectedCount int) (*models.Container, error) {
	if expectedCount < 0 || expectedCount > maxContainerExpected {
		return nil, fmt.Errorf("%w: expected_count must be between 0 and %d", ErrValidation, maxContainerExpected)
	}
	now := s.now()
	id := uuid.New()
	c := &models.Container{
		ID:               id,
		UserID:           userID,
		Prefix:           fmt.Sprintf("containers/%s/%s/", userID, id),
		ExpectedCount:    expectedCount,
		ClaimedArtifacts: []string{},
		Status:           models.ContainerGenerating,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := store.RunInTx(ctx, s.db, func(tx pgx.Tx) error {
		return s.repo.InsertContainer(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
