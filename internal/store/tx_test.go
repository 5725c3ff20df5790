package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/genforge/credits/internal/models"
	"github.com/genforge/credits/internal/store"
	"github.com/genforge/credits/internal/testutil"
)

func TestRunInTx_CommitsOnSuccess(t *testing.T) {
	st := testutil.NewStore()
	calls := 0
	err := store.RunInTx(context.Background(), st, func(pgx.Tx) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
	if calls != 1 || st.Commits() != 1 {
		t.Errorf("expected one call and one commit, got %d and %d", calls, st.Commits())
	}
}

func TestRunInTx_RetriesContention(t *testing.T) {
	st := testutil.NewStore()
	st.FailCommits(2)
	calls := 0
	err := store.RunInTx(context.Background(), st, func(pgx.Tx) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRunInTx_ExhaustedIsTransient(t *testing.T) {
	st := testutil.NewStore()
	calls := 0
	err := store.RunInTx(context.Background(), st, func(pgx.Tx) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	if !errors.Is(err, models.ErrTransientStore) {
		t.Fatalf("expected ErrTransientStore, got %v", err)
	}
	if calls != int(store.MaxTxAttempts) {
		t.Errorf("expected %d attempts, got %d", store.MaxTxAttempts, calls)
	}
}

func TestRunInTx_OtherErrorsAreNotRetried(t *testing.T) {
	st := testutil.NewStore()
	calls := 0
	boom := errors.New("boom")
	err := store.RunInTx(context.Background(), st, func(pgx.Tx) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 || st.Commits() != 0 {
		t.Errorf("expected one attempt and no commit, got %d and %d", calls, st.Commits())
	}
}

func TestClassifiers(t *testing.T) {
	cases := []struct {
		err        error
		contention bool
		unique     bool
	}{
		{err: &pgconn.PgError{Code: "40001"}, contention: true},
		{err: &pgconn.PgError{Code: "40P01"}, contention: true},
		{err: &pgconn.PgError{Code: "23505"}, unique: true},
		{err: errors.New("plain")},
		{err: nil},
	}
	for _, tc := range cases {
		if got := store.IsContention(tc.err); got != tc.contention {
			t.Errorf("IsContention(%v) = %v", tc.err, got)
		}
		if got := store.IsUniqueViolation(tc.err); got != tc.unique {
			t.Errorf("IsUniqueViolation(%v) = %v", tc.err, got)
		}
	}
}
