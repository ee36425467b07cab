package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	begun int
	tx    *fakeTx
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	b.begun++
	b.tx = &fakeTx{}
	return b.tx, nil
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	b := &fakeBeginner{}
	err := WithTx(context.Background(), b, func(ctx context.Context) error {
		if ConnFromContext(ctx, nil) == nil {
			t.Error("expected transaction on context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.tx.committed || b.tx.rolledBack {
		t.Errorf("expected commit only, got %+v", b.tx)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	b := &fakeBeginner{}
	boom := errors.New("boom")
	err := WithTx(context.Background(), b, func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.tx.committed || !b.tx.rolledBack {
		t.Errorf("expected rollback only, got %+v", b.tx)
	}
}

func TestWithTx_NestedReusesOuter(t *testing.T) {
	b := &fakeBeginner{}
	err := WithTx(context.Background(), b, func(ctx context.Context) error {
		outer := ConnFromContext(ctx, nil)
		return WithTx(ctx, b, func(ctx context.Context) error {
			if ConnFromContext(ctx, nil) != outer {
				t.Error("expected nested call to share the outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.begun != 1 {
		t.Errorf("expected one transaction, got %d", b.begun)
	}
}

func TestConnFromContext_Fallback(t *testing.T) {
	if got := ConnFromContext(context.Background(), nil); got != nil {
		t.Errorf("expected fallback, got %v", got)
	}
}
