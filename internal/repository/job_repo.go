package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genforge/credits/internal/models"
)

const jobColumns = `id, user_id, kind, input_payload, state, cost, artifact_ref, container_id, metadata, error_message,
	created_at, updated_at, last_heartbeat_at, published_at, deleted_at`

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

func (r *JobRepo) InsertJob(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, user_id, kind, input_payload, state, cost, container_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.UserID, j.Kind, []byte(j.InputPayload), j.State, j.Cost, j.ContainerID, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r *JobRepo) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

// GetJobForUpdate reads the job and holds its row lock until tx ends.
func (r *JobRepo) GetJobForUpdate(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

// UpdateJob writes the mutable fields of j, provided the stored state still
// equals from. Otherwise it returns models.ErrStaleTransition.
func (r *JobRepo) UpdateJob(ctx context.Context, tx pgx.Tx, j *models.Job, from models.JobState) error {
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET state = $3, artifact_ref = $4, metadata = $5, error_message = $6, updated_at = $7,
			last_heartbeat_at = $8, published_at = $9, deleted_at = $10
		WHERE id = $1 AND state = $2
	`, j.ID, from, j.State, j.ArtifactRef, []byte(j.Metadata), j.ErrorMessage, j.UpdatedAt,
		j.LastHeartbeatAt, j.PublishedAt, j.DeletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStaleTransition
	}
	return nil
}

// ListJobs returns the user's jobs, newest first. An empty state lists every
// job except deleted ones.
func (r *JobRepo) ListJobs(ctx context.Context, userID uuid.UUID, state models.JobState, limit int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1 AND (($2 = '' AND state <> 'deleted') OR state = $2)
		ORDER BY created_at DESC LIMIT $3
	`, userID, string(state), limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ListStaleJobs returns in-flight jobs of kind with no activity since cutoff.
func (r *JobRepo) ListStaleJobs(ctx context.Context, kind models.JobKind, cutoff time.Time) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE kind = $1 AND state IN ('pending', 'processing')
			AND GREATEST(updated_at, COALESCE(last_heartbeat_at, updated_at)) < $2
		ORDER BY updated_at
	`, kind, cutoff)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *JobRepo) ListContainerJobs(ctx context.Context, containerID uuid.UUID) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE container_id = $1 ORDER BY created_at
	`, containerID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var input, metadata []byte
	err := row.Scan(&j.ID, &j.UserID, &j.Kind, &input, &j.State, &j.Cost, &j.ArtifactRef, &j.ContainerID, &metadata, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt, &j.LastHeartbeatAt, &j.PublishedAt, &j.DeletedAt)
	if err != nil {
		return nil, err
	}
	j.InputPayload = json.RawMessage(input)
	if metadata != nil {
		j.Metadata = json.RawMessage(metadata)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}
