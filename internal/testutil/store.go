// Package testutil provides an in-memory implementation of every repository
// plus pgx.Tx so service tests run without Postgres.
//
// Transactions are fully serialized: Begin takes the store lock and holds it
// until Commit or Rollback. Methods that take a pgx.Tx must be called with a
// transaction from the same store; the remaining read methods take the lock
// themselves and must not be called while the caller holds a transaction.
package testutil

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/genforge/credits/internal/models"
)

type state struct {
	accounts   map[uuid.UUID]models.Account
	txs        []models.Transaction
	events     map[string]models.ExternalEvent
	jobs       map[uuid.UUID]models.Job
	containers map[uuid.UUID]models.Container
}

func (s *state) clone() *state {
	c := &state{
		accounts:   make(map[uuid.UUID]models.Account, len(s.accounts)),
		txs:        slices.Clone(s.txs),
		events:     make(map[string]models.ExternalEvent, len(s.events)),
		jobs:       make(map[uuid.UUID]models.Job, len(s.jobs)),
		containers: make(map[uuid.UUID]models.Container, len(s.containers)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.containers {
		v.ClaimedArtifacts = slices.Clone(v.ClaimedArtifacts)
		c.containers[k] = v
	}
	return c
}

// Store is an in-memory stand-in for the Postgres repositories.
type Store struct {
	mu          sync.Mutex
	data        *state
	failCommits int
	commits     int

	// Now stamps rows the database would stamp with now().
	Now func() time.Time
}

func NewStore() *Store {
	return &Store{
		data: &state{
			accounts:   make(map[uuid.UUID]models.Account),
			events:     make(map[string]models.ExternalEvent),
			jobs:       make(map[uuid.UUID]models.Job),
			containers: make(map[uuid.UUID]models.Container),
		},
		Now: time.Now,
	}
}

// FailCommits makes the next n commits fail with a serialization error.
func (s *Store) FailCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}

// Commits returns how many transactions committed successfully.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memTx{store: s, snapshot: s.data.clone()}, nil
}

// memTx satisfies pgx.Tx. Writes go straight to the store; Rollback restores
// the snapshot taken at Begin.
type memTx struct {
	store    *Store
	snapshot *state
	done     bool
}

func (t *memTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("testutil: nested transactions not supported")
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	defer t.store.mu.Unlock()
	if t.store.failCommits > 0 {
		t.store.failCommits--
		t.store.data = t.snapshot
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access due to concurrent update"}
	}
	t.store.commits++
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.data = t.snapshot
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *memTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *memTx) Conn() *pgx.Conn { return nil }

// live panics when tx is not an open transaction of this store; that is
// always a bug in the code under test.
func (s *Store) live(tx pgx.Tx) {
	mt, ok := tx.(*memTx)
	if !ok || mt.store != s || mt.done {
		panic("testutil: operation requires an open transaction from this store")
	}
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Store) GetAccount(_ context.Context, userID uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.data.accounts[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &a, nil
}

func (s *Store) DebitAccount(_ context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error) {
	s.live(tx)
	a, ok := s.data.accounts[userID]
	if !ok || a.Balance < amount {
		return 0, models.ErrInsufficientBalance
	}
	a.Balance -= amount
	a.TotalDebited += amount
	a.UpdatedAt = s.Now()
	s.data.accounts[userID] = a
	return a.Balance, nil
}

func (s *Store) CreditAccount(_ context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error) {
	s.live(tx)
	now := s.Now()
	a, ok := s.data.accounts[userID]
	if !ok {
		a = models.Account{UserID: userID, CreatedAt: now}
	}
	a.Balance += amount
	a.TotalCredited += amount
	a.UpdatedAt = now
	s.data.accounts[userID] = a
	return a.Balance, nil
}

// SeedAccount credits userID with a bonus transaction outside any service.
func (s *Store) SeedAccount(userID uuid.UUID, balance int64) {
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	after, _ := s.CreditAccount(ctx, tx, userID, balance)
	_ = s.InsertTransaction(ctx, tx, &models.Transaction{
		UserID:       userID,
		Kind:         models.TxKindBonus,
		Amount:       balance,
		BalanceAfter: after,
		Description:  "seed",
	})
	_ = tx.Commit(ctx)
}

// Balance returns the stored balance, zero for unknown users.
func (s *Store) Balance(userID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.accounts[userID].Balance
}

// ---------------------------------------------------------------------------
// Ledger transactions
// ---------------------------------------------------------------------------

func (s *Store) InsertTransaction(_ context.Context, tx pgx.Tx, t *models.Transaction) error {
	s.live(tx)
	for _, existing := range s.data.txs {
		if conflicts(existing, t) {
			return models.ErrDuplicateTransaction
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = s.Now()
	s.data.txs = append(s.data.txs, *t)
	return nil
}

// conflicts mirrors the unique indexes on credit_transactions.
func conflicts(a models.Transaction, b *models.Transaction) bool {
	if a.ID == b.ID {
		return true
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case models.TxKindSpend, models.TxKindRefund:
		return a.RelatedJobID != nil && b.RelatedJobID != nil && *a.RelatedJobID == *b.RelatedJobID
	case models.TxKindPurchase:
		return a.RelatedExternalEventID != nil && b.RelatedExternalEventID != nil &&
			*a.RelatedExternalEventID == *b.RelatedExternalEventID
	}
	return false
}

func (s *Store) RefundExists(_ context.Context, tx pgx.Tx, jobID uuid.UUID) (bool, error) {
	s.live(tx)
	for _, t := range s.data.txs {
		if t.Kind == models.TxKindRefund && t.RelatedJobID != nil && *t.RelatedJobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*models.Transaction
	for i := len(s.data.txs) - 1; i >= 0 && len(list) < limit; i-- {
		if t := s.data.txs[i]; t.UserID == userID {
			list = append(list, &t)
		}
	}
	return list, nil
}

func (s *Store) ListJobTransactions(_ context.Context, jobID uuid.UUID) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*models.Transaction
	for _, t := range s.data.txs {
		if t.RelatedJobID != nil && *t.RelatedJobID == jobID {
			list = append(list, &t)
		}
	}
	return list, nil
}

// Transactions returns every ledger entry of kind for userID, oldest first.
func (s *Store) Transactions(userID uuid.UUID, kind models.TxKind) []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Transaction
	for _, t := range s.data.txs {
		if t.UserID == userID && t.Kind == kind {
			list = append(list, t)
		}
	}
	return list
}

// ---------------------------------------------------------------------------
// External events
// ---------------------------------------------------------------------------

func (s *Store) GetExternalEvent(_ context.Context, tx pgx.Tx, eventID string) (*models.ExternalEvent, error) {
	s.live(tx)
	e, ok := s.data.events[eventID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &e, nil
}

func (s *Store) InsertExternalEvent(_ context.Context, tx pgx.Tx, e *models.ExternalEvent) (bool, error) {
	s.live(tx)
	if _, ok := s.data.events[e.ExternalEventID]; ok {
		return false, nil
	}
	e.ProcessedAt = s.Now()
	s.data.events[e.ExternalEventID] = *e
	return true, nil
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (s *Store) InsertJob(_ context.Context, tx pgx.Tx, j *models.Job) error {
	s.live(tx)
	if _, ok := s.data.jobs[j.ID]; ok {
		return errors.New("testutil: duplicate job id")
	}
	s.data.jobs[j.ID] = *j
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.data.jobs[jobID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &j, nil
}

func (s *Store) GetJobForUpdate(_ context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Job, error) {
	s.live(tx)
	j, ok := s.data.jobs[jobID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &j, nil
}

func (s *Store) UpdateJob(_ context.Context, tx pgx.Tx, j *models.Job, from models.JobState) error {
	s.live(tx)
	cur, ok := s.data.jobs[j.ID]
	if !ok || cur.State != from {
		return models.ErrStaleTransition
	}
	s.data.jobs[j.ID] = *j
	return nil
}

func (s *Store) ListJobs(_ context.Context, userID uuid.UUID, st models.JobState, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*models.Job
	for _, j := range s.data.jobs {
		if j.UserID != userID {
			continue
		}
		if (st == "" && j.State != models.JobStateDeleted) || j.State == st {
			list = append(list, &j)
		}
	}
	sort.Slice(list, func(a, b int) bool { return list[a].CreatedAt.After(list[b].CreatedAt) })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *Store) ListStaleJobs(_ context.Context, kind models.JobKind, cutoff time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*models.Job
	for _, j := range s.data.jobs {
		if j.Kind == kind && j.State.InFlight() && j.LastActivity().Before(cutoff) {
			list = append(list, &j)
		}
	}
	sort.Slice(list, func(a, b int) bool { return list[a].UpdatedAt.Before(list[b].UpdatedAt) })
	return list, nil
}

func (s *Store) ListContainerJobs(_ context.Context, containerID uuid.UUID) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*models.Job
	for _, j := range s.data.jobs {
		if j.ContainerID != nil && *j.ContainerID == containerID {
			list = append(list, &j)
		}
	}
	sort.Slice(list, func(a, b int) bool { return list[a].CreatedAt.Before(list[b].CreatedAt) })
	return list, nil
}

// PutJob stores j directly, bypassing the lifecycle rules.
func (s *Store) PutJob(j *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.jobs[j.ID] = *j
}

// CountJobs returns the number of stored jobs for userID.
func (s *Store) CountJobs(userID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.data.jobs {
		if j.UserID == userID {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Containers
// ---------------------------------------------------------------------------

func (s *Store) InsertContainer(_ context.Context, tx pgx.Tx, c *models.Container) error {
	s.live(tx)
	cp := *c
	cp.ClaimedArtifacts = slices.Clone(c.ClaimedArtifacts)
	if cp.ClaimedArtifacts == nil {
		cp.ClaimedArtifacts = []string{}
	}
	s.data.containers[c.ID] = cp
	return nil
}

func (s *Store) GetContainer(_ context.Context, containerID uuid.UUID) (*models.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.container(containerID)
}

func (s *Store) GetContainerForUpdate(_ context.Context, tx pgx.Tx, containerID uuid.UUID) (*models.Container, error) {
	s.live(tx)
	return s.container(containerID)
}

func (s *Store) container(id uuid.UUID) (*models.Container, error) {
	c, ok := s.data.containers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c.ClaimedArtifacts = slices.Clone(c.ClaimedArtifacts)
	return &c, nil
}

func (s *Store) AppendClaimedArtifact(_ context.Context, tx pgx.Tx, containerID uuid.UUID, ref string) error {
	s.live(tx)
	c, ok := s.data.containers[containerID]
	if !ok {
		return models.ErrNotFound
	}
	if !slices.Contains(c.ClaimedArtifacts, ref) {
		c.ClaimedArtifacts = append(slices.Clone(c.ClaimedArtifacts), ref)
	}
	c.UpdatedAt = s.Now()
	s.data.containers[containerID] = c
	return nil
}

func (s *Store) SaveReconciliation(_ context.Context, tx pgx.Tx, c *models.Container) error {
	s.live(tx)
	if _, ok := s.data.containers[c.ID]; !ok {
		return models.ErrNotFound
	}
	cp := *c
	cp.ClaimedArtifacts = slices.Clone(c.ClaimedArtifacts)
	s.data.containers[c.ID] = cp
	return nil
}

// PutContainer stores c directly.
func (s *Store) PutContainer(c *models.Container) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.ClaimedArtifacts = slices.Clone(c.ClaimedArtifacts)
	s.data.containers[c.ID] = cp
}
