package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genforge/credits/internal/models"
)

const containerColumns = `id, user_id, prefix, expected_count, claimed_artifacts, status, created_at, updated_at, reconciled_at`

type ContainerRepo struct {
	pool *pgxpool.Pool
}

func NewContainerRepo(pool *pgxpool.Pool) *ContainerRepo {
	return &ContainerRepo{pool: pool}
}

func (r *ContainerRepo) InsertContainer(ctx context.Context, tx pgx.Tx, c *models.Container) error {
	if c.ClaimedArtifacts == nil {
		c.ClaimedArtifacts = []string{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO containers (id, user_id, prefix, expected_count, claimed_artifacts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.UserID, c.Prefix, c.ExpectedCount, c.ClaimedArtifacts, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *ContainerRepo) GetContainer(ctx context.Context, containerID uuid.UUID) (*models.Container, error) {
	c, err := scanContainer(r.pool.QueryRow(ctx, `SELECT `+containerColumns+` FROM containers WHERE id = $1`, containerID))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *ContainerRepo) GetContainerForUpdate(ctx context.Context, tx pgx.Tx, containerID uuid.UUID) (*models.Container, error) {
	c, err := scanContainer(tx.QueryRow(ctx, `SELECT `+containerColumns+` FROM containers WHERE id = $1 FOR UPDATE`, containerID))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// AppendClaimedArtifact adds ref to the claimed list unless already present.
func (r *ContainerRepo) AppendClaimedArtifact(ctx context.Context, tx pgx.Tx, containerID uuid.UUID, ref string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE containers
		SET claimed_artifacts = CASE WHEN $2 = ANY(claimed_artifacts) THEN claimed_artifacts
				ELSE array_append(claimed_artifacts, $2) END,
			updated_at = now()
		WHERE id = $1
	`, containerID, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SaveReconciliation overwrites the claimed list and status.
func (r *ContainerRepo) SaveReconciliation(ctx context.Context, tx pgx.Tx, c *models.Container) error {
	_, err := tx.Exec(ctx, `
		UPDATE containers
		SET claimed_artifacts = $2, status = $3, updated_at = $4, reconciled_at = $5
		WHERE id = $1
	`, c.ID, c.ClaimedArtifacts, c.Status, c.UpdatedAt, c.ReconciledAt)
	return err
}

func scanContainer(row pgx.Row) (*models.Container, error) {
	var c models.Container
	err := row.Scan(&c.ID, &c.UserID, &c.Prefix, &c.ExpectedCount, &c.ClaimedArtifacts, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.ReconciledAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
