package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/hitoshi/notekeep/internal/model"
)

func TestPostgresTokenRepo_InvalidateLive(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTokenRepo(db)
	now := time.Now()

	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\('single_use_tokens:' \|\| \$1 \|\| ':' \|\| \$2\)\)`).
		WithArgs("user-1", "password_reset").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)UPDATE single_use_tokens SET used_at = \$3\s+WHERE user_id = \$1 AND purpose = \$2 AND used_at IS NULL`).
		WithArgs("user-1", "password_reset", now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := repo.InvalidateLive(context.Background(), "user-1", model.PurposePasswordReset, now); err != nil {
		t.Fatalf("InvalidateLive error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgresTokenRepo_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTokenRepo(db)
	now := time.Now()
	hash := strings.Repeat("f", 64)

	mock.ExpectExec(`INSERT INTO single_use_tokens \(token_hash, user_id, purpose, expires_at, created_at\)`).
		WithArgs(hash, "user-1", "email_verification", now.Add(48*time.Hour), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &model.SingleUseToken{
		TokenHash: hash, UserID: "user-1", Purpose: model.PurposeEmailVerification,
		ExpiresAt: now.Add(48 * time.Hour), CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestPostgresTokenRepo_ConsumeLive_Consumed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTokenRepo(db)
	now := time.Now().UTC()
	hash := strings.Repeat("1", 64)

	mock.ExpectQuery(`(?s)UPDATE single_use_tokens SET used_at = \$3\s+WHERE token_hash = \$1 AND purpose = \$2 AND used_at IS NULL AND expires_at > \$3\s+RETURNING user_id, expires_at, created_at, used_at`).
		WithArgs(hash, "password_reset", now).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "expires_at", "created_at", "used_at"}).
			AddRow("user-1", now.Add(time.Hour), now.Add(-time.Minute), now))

	tok, err := repo.ConsumeLive(context.Background(), hash, model.PurposePasswordReset, now)
	if err != nil {
		t.Fatalf("ConsumeLive error: %v", err)
	}
	if tok == nil || tok.UserID != "user-1" || !tok.Used() || tok.Purpose != model.PurposePasswordReset {
		t.Fatalf("unexpected token: %+v", tok)
	}
	expectationsMet(t, mock)
}

func TestPostgresTokenRepo_ConsumeLive_NoMatchReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTokenRepo(db)

	// 使用済み・期限切れ・用途不一致はいずれも0行
	mock.ExpectQuery(`UPDATE single_use_tokens`).WillReturnError(sql.ErrNoRows)

	tok, err := repo.ConsumeLive(context.Background(), strings.Repeat("2", 64), model.PurposeEmailVerification, time.Now())
	if err != nil || tok != nil {
		t.Fatalf("ConsumeLive = %+v, %v; want nil, nil", tok, err)
	}
}

func TestPostgresTokenRepo_DeleteExpired(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTokenRepo(db)
	before := time.Now()

	mock.ExpectExec(`DELETE FROM single_use_tokens WHERE expires_at <= \$1 OR used_at <= \$1`).
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteExpired(context.Background(), before)
	if err != nil {
		t.Fatalf("DeleteExpired error: %v", err)
	}
	if n != 4 {
		t.Errorf("deleted = %d, want 4", n)
	}
}

func TestPostgresTokenRepo_InvalidateLive_LockFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTokenRepo(db)

	mock.ExpectExec(`pg_advisory_xact_lock`).
		WillReturnError(errors.New("lock timeout"))

	if err := repo.InvalidateLive(context.Background(), "user-1", model.PurposePasswordReset, time.Now()); err == nil {
		t.Fatal("expected error when lock cannot be acquired")
	}
	expectationsMet(t, mock)
}

func TestPostgresTokenRepo_Create_LiveTokenExists(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTokenRepo(db)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO single_use_tokens`).
		WillReturnError(&pq.Error{Code: pgUniqueViolation, Constraint: "single_use_tokens_user_purpose_live_idx"})

	err := repo.Create(context.Background(), &model.SingleUseToken{
		TokenHash: strings.Repeat("e", 64),
		UserID:    "user-1",
		Purpose:   model.PurposePasswordReset,
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	})
	if !errors.Is(err, ErrLiveTokenExists) {
		t.Fatalf("err = %v, want ErrLiveTokenExists", err)
	}
	expectationsMet(t, mock)
}
