package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeQuerier struct{ name string }

func (f *fakeQuerier) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakeQuerier) QueryRow(context.Context, string, ...interface{}) pgx.Row { return nil }

func (f *fakeQuerier) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func TestQuerierFromContext_Fallback(t *testing.T) {
	pool := &fakeQuerier{name: "pool"}
	got := QuerierFromContext(context.Background(), pool)
	if got != pool {
		t.Errorf("expected fallback querier, got %v", got)
	}
}

func TestInTx_NoTransaction(t *testing.T) {
	if InTx(context.Background()) {
		t.Error("expected InTx to be false for a bare context")
	}
}

func TestLockKey_NoopOutsideTx(t *testing.T) {
	if err := LockKey(context.Background(), "patient:exam"); err != nil {
		t.Errorf("expected no error outside a transaction, got %v", err)
	}
}
