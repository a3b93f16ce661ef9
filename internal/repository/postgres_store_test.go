package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresStore_WithinTx_Commits(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPostgresStore(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET password_hash`).
		WithArgs("user-1", "new-hash", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sessions SET revoked_at`).
		WithArgs("user-1", now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, s Store) error {
		if err := s.Users().UpdatePasswordHash(ctx, "user-1", "new-hash", now); err != nil {
			return err
		}
		_, err := s.Sessions().RevokeAllByUserID(ctx, "user-1", now)
		return err
	})
	if err != nil {
		t.Fatalf("WithinTx error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgresStore_WithinTx_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPostgresStore(db)
	effectErr := errors.New("effect failed")

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE single_use_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "expires_at", "created_at", "used_at"}).
			AddRow("user-1", time.Now().Add(time.Hour), time.Now(), time.Now()))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, s Store) error {
		if _, err := s.Tokens().ConsumeLive(ctx, "hash", "password_reset", time.Now()); err != nil {
			return err
		}
		return effectErr
	})
	if !errors.Is(err, effectErr) {
		t.Fatalf("WithinTx error = %v, want %v", err, effectErr)
	}
	expectationsMet(t, mock)
}

func TestPostgresStore_WithinTx_RollsBackOnPanic(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectRollback()

	defer func() {
		if recover() == nil {
			t.Fatal("panic should be re-raised")
		}
		expectationsMet(t, mock)
	}()

	_ = store.WithinTx(context.Background(), func(ctx context.Context, s Store) error {
		panic("boom")
	})
}

func TestPostgresStore_WithinTx_BeginError(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPostgresStore(db)

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	called := false
	err := store.WithinTx(context.Background(), func(ctx context.Context, s Store) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected begin error")
	}
	if called {
		t.Error("fn must not be called when begin fails")
	}
}

func TestPostgresStore_CommitErrorIsReturned(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := store.WithinTx(context.Background(), func(ctx context.Context, s Store) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected commit error")
	}
}
