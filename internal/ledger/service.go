// Package ledger is the credit ledger: account balances plus their
// append-only transaction history. Balance changes happen only here, always
// inside a database transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/genforge/credits/internal/models"
	"github.com/genforge/credits/internal/store"
)

var (
	ErrInsufficientBalance = models.ErrInsufficientBalance
	ErrRefundExists        = models.ErrRefundExists
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidKind         = errors.New("transaction kind not allowed here")
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Repository is the persistence the ledger needs. Methods taking a pgx.Tx
// run inside the caller's transaction.
type Repository interface {
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	DebitAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error)
	CreditAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error)

	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	RefundExists(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (bool, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
	ListJobTransactions(ctx context.Context, jobID uuid.UUID) ([]*models.Transaction, error)

	GetExternalEvent(ctx context.Context, tx pgx.Tx, eventID string) (*models.ExternalEvent, error)
	InsertExternalEvent(ctx context.Context, tx pgx.Tx, e *models.ExternalEvent) (bool, error)
}

// CreditRequest describes a balance increase. Refunds must carry JobID;
// purchases go through CreditIdempotent instead.
type CreditRequest struct {
	UserID      uuid.UUID
	Amount      int64
	Kind        models.TxKind
	JobID       *uuid.UUID
	Description string
}

// CreditResult reports the outcome of CreditIdempotent. Created is false when
// the event had already been applied; TransactionID is the purchase either way.
type CreditResult struct {
	Created       bool      `json:"created"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Balance       int64     `json:"balance"`
}

type Service interface {
	// GetBalance returns the account, or a zero account for unknown users.
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	// Debit runs inside tx so the caller can commit it together with the job.
	Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, jobID uuid.UUID, desc string) (*models.Transaction, error)
	Credit(ctx context.Context, tx pgx.Tx, req CreditRequest) (*models.Transaction, error)
	CreditIdempotent(ctx context.Context, userID uuid.UUID, amount int64, externalEventID, desc string) (*CreditResult, error)
	Grant(ctx context.Context, userID uuid.UUID, amount int64, desc string) (*models.Transaction, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
	JobTransactions(ctx context.Context, jobID uuid.UUID) ([]*models.Transaction, error)
}

type service struct {
	db   store.TxBeginner
	repo Repository
	log  *slog.Logger
}

func NewService(db store.TxBeginner, repo Repository, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{db: db, repo: repo, log: log}
}

var _ Service = (*service)(nil)

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	acc, err := s.repo.GetAccount(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return &models.Account{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (s *service) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, jobID uuid.UUID, desc string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	after, err := s.repo.DebitAccount(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	t := &models.Transaction{
		ID:           uuid.New(),
		UserID:       userID,
		Kind:         models.TxKindSpend,
		Amount:       -amount,
		BalanceAfter: after,
		RelatedJobID: &jobID,
		Description:  desc,
	}
	if err := s.repo.InsertTransaction(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("record spend: %w", err)
	}
	return t, nil
}

func (s *service) Credit(ctx context.Context, tx pgx.Tx, req CreditRequest) (*models.Transaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	switch req.Kind {
	case models.TxKindRefund:
		if req.JobID == nil {
			return nil, fmt.Errorf("%w: refund without job", ErrInvalidKind)
		}
		exists, err := s.repo.RefundExists(ctx, tx, *req.JobID)
		if err != nil {
			return nil, fmt.Errorf("check refund: %w", err)
		}
		if exists {
			return nil, ErrRefundExists
		}
	case models.TxKindBonus:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	return s.credit(ctx, tx, req, nil, uuid.New())
}

func (s *service) credit(ctx context.Context, tx pgx.Tx, req CreditRequest, eventID *string, id uuid.UUID) (*models.Transaction, error) {
	after, err := s.repo.CreditAccount(ctx, tx, req.UserID, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("credit account: %w", err)
	}
	t := &models.Transaction{
		ID:                     id,
		UserID:                 req.UserID,
		Kind:                   req.Kind,
		Amount:                 req.Amount,
		BalanceAfter:           after,
		RelatedJobID:           req.JobID,
		RelatedExternalEventID: eventID,
		Description:            req.Description,
	}
	if err := s.repo.InsertTransaction(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("record %s: %w", req.Kind, err)
	}
	return t, nil
}

// CreditIdempotent applies a purchase at most once per externalEventID. The
// event claim and the credit commit together.
func (s *service) CreditIdempotent(ctx context.Context, userID uuid.UUID, amount int64, externalEventID, desc string) (*CreditResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if externalEventID == "" {
		return nil, errors.New("external event id required")
	}
	var res CreditResult
	err := store.RunInTx(ctx, s.db, func(tx pgx.Tx) error {
		res = CreditResult{}
		existing, err := s.repo.GetExternalEvent(ctx, tx, externalEventID)
		if err == nil {
			res.TransactionID = existing.ResultingTransactionID
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("get event: %w", err)
		}
		id := uuid.New()
		claimed, err := s.repo.InsertExternalEvent(ctx, tx, &models.ExternalEvent{
			ExternalEventID:        externalEventID,
			ResultingTransactionID: id,
		})
		if err != nil {
			return fmt.Errorf("claim event: %w", err)
		}
		if !claimed {
			// another delivery committed between our read and insert
			existing, err := s.repo.GetExternalEvent(ctx, tx, externalEventID)
			if err != nil {
				return fmt.Errorf("get event: %w", err)
			}
			res.TransactionID = existing.ResultingTransactionID
			return nil
		}
		t, err := s.credit(ctx, tx, CreditRequest{
			UserID:      userID,
			Amount:      amount,
			Kind:        models.TxKindPurchase,
			Description: desc,
		}, &externalEventID, id)
		if err != nil {
			return err
		}
		res = CreditResult{Created: true, TransactionID: t.ID, Balance: t.BalanceAfter}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.Created {
		s.log.Debug("purchase event already applied", "external_event_id", externalEventID, "transaction_id", res.TransactionID)
		acc, err := s.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		res.Balance = acc.Balance
	}
	return &res, nil
}

// Grant credits a bonus in its own transaction.
func (s *service) Grant(ctx context.Context, userID uuid.UUID, amount int64, desc string) (*models.Transaction, error) {
	var t *models.Transaction
	err := store.RunInTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		t, err = s.Credit(ctx, tx, CreditRequest{UserID: userID, Amount: amount, Kind: models.TxKindBonus, Description: desc})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("bonus granted", "user_id", userID, "amount", amount, "balance", t.BalanceAfter)
	return t, nil
}

func (s *service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.repo.ListTransactions(ctx, userID, limit)
}

func (s *service) JobTransactions(ctx context.Context, jobID uuid.UUID) ([]*models.Transaction, error) {
	return s.repo.ListJobTransactions(ctx, jobID)
}
