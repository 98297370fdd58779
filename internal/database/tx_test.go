package database

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
)

func TestWithTxCommitsOnSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE things").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err = WithTx(context.Background(), mock, func(ctx context.Context, tx pgx.Tx) error {
		if _, ok := TxFromContext(ctx); !ok {
			t.Fatalf("expected tx on context")
		}
		_, err := Conn(ctx, mock).Exec(ctx, "UPDATE things SET x = 1")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = WithTx(context.Background(), mock, func(ctx context.Context, tx pgx.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithTxJoinsOuterTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	err = WithTx(context.Background(), mock, func(ctx context.Context, outer pgx.Tx) error {
		return WithTx(ctx, mock, func(ctx context.Context, inner pgx.Tx) error {
			if inner != outer {
				t.Fatalf("expected inner call to join the outer tx")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConnFallsBackWithoutTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	if Conn(context.Background(), mock) != Querier(mock) {
		t.Fatalf("expected fallback querier")
	}
}
