package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genforge/credits/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, balance, total_credited, total_debited, created_at, updated_at
		FROM accounts WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.Balance, &a.TotalCredited, &a.TotalDebited, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// DebitAccount decrements the balance only if it covers amount. A missing
// account and a short balance both yield models.ErrInsufficientBalance.
func (r *AccountRepo) DebitAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance - $2, total_debited = total_debited + $2, updated_at = now()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance
	`, userID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrInsufficientBalance
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// CreditAccount increments the balance, creating the account on first credit.
func (r *AccountRepo) CreditAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		INSERT INTO accounts (user_id, balance, total_credited)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance,
			total_credited = accounts.total_credited + EXCLUDED.total_credited,
			updated_at = now()
		RETURNING balance
	`, userID, amount).Scan(&balance)
	return balance, err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}
