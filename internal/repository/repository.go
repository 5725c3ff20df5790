// Package repository implements the Postgres persistence for accounts,
// ledger transactions, payment events, jobs and containers.
package repository

import "github.com/jackc/pgx/v5/pgxpool"

// Ledger bundles the repositories the ledger service writes through.
type Ledger struct {
	*AccountRepo
	*CreditRepo
	*EventRepo
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		AccountRepo: NewAccountRepo(pool),
		CreditRepo:  NewCreditRepo(pool),
		EventRepo:   NewEventRepo(),
	}
}

// Jobs bundles the job and container repositories.
type Jobs struct {
	*JobRepo
	*ContainerRepo
}

func NewJobs(pool *pgxpool.Pool) *Jobs {
	return &Jobs{
		JobRepo:       NewJobRepo(pool),
		ContainerRepo: NewContainerRepo(pool),
	}
}
