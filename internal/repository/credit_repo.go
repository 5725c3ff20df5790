package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genforge/credits/internal/models"
	"github.com/genforge/credits/internal/store"
)

const transactionColumns = `id, user_id, kind, amount, balance_after, related_job_id, related_external_event_id, description, created_at`

type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

// InsertTransaction appends a ledger entry inside the given transaction. A
// second spend/refund for one job or a second purchase for one external event
// violates a unique index and surfaces as models.ErrDuplicateTransaction.
func (r *CreditRepo) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, user_id, kind, amount, balance_after, related_job_id, related_external_event_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, t.ID, t.UserID, t.Kind, t.Amount, t.BalanceAfter, t.RelatedJobID, t.RelatedExternalEventID, t.Description).Scan(&t.CreatedAt)
	if store.IsUniqueViolation(err) {
		return models.ErrDuplicateTransaction
	}
	return err
}

func (r *CreditRepo) RefundExists(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE related_job_id = $1 AND kind = 'refund')
	`, jobID).Scan(&exists)
	return exists, err
}

func (r *CreditRepo) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *CreditRepo) ListJobTransactions(ctx context.Context, jobID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions WHERE related_job_id = $1 ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.BalanceAfter, &t.RelatedJobID, &t.RelatedExternalEventID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
