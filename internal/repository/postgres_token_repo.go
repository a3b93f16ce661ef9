package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/notekeep/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用した単回使用トークンリポジトリ。
type PostgresTokenRepo struct {
	db DBTX
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db DBTX) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// InvalidateLive は指定ユーザー・用途の未使用トークンを全て使用済みにする。
// ユーザー・用途単位のアドバイザリロックをトランザクション終了まで保持し、
// 並行する発行処理を直列化する。
func (r *PostgresTokenRepo) InvalidateLive(ctx context.Context, userID string, purpose model.TokenPurpose, now time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('single_use_tokens:' || $1 || ':' || $2))`,
		userID, string(purpose),
	); err != nil {
		return fmt.Errorf("failed to lock tokens: %w", err)
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE single_use_tokens SET used_at = $3
		 WHERE user_id = $1 AND purpose = $2 AND used_at IS NULL`,
		userID, string(purpose), now,
	)
	if err != nil {
		return fmt.Errorf("failed to invalidate tokens: %w", err)
	}
	return nil
}

// Create はトークンを作成する。
func (r *PostgresTokenRepo) Create(ctx context.Context, token *model.SingleUseToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO single_use_tokens (token_hash, user_id, purpose, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		token.TokenHash, token.UserID, string(token.Purpose), token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return ErrLiveTokenExists
		}
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// ConsumeLive は条件に合うトークンを使用済みにして返す。
// UPDATE ... RETURNING の1文で行うため、同一トークンへの並行消費は1件のみ成功する。
func (r *PostgresTokenRepo) ConsumeLive(ctx context.Context, tokenHash string, purpose model.TokenPurpose, now time.Time) (*model.SingleUseToken, error) {
	token := &model.SingleUseToken{
		TokenHash: tokenHash,
		Purpose:   purpose,
	}
	var usedAt time.Time
	err := r.db.QueryRowContext(ctx,
		`UPDATE single_use_tokens SET used_at = $3
		 WHERE token_hash = $1 AND purpose = $2 AND used_at IS NULL AND expires_at > $3
		 RETURNING user_id, expires_at, created_at, used_at`,
		tokenHash, string(purpose), now,
	).Scan(&token.UserID, &token.ExpiresAt, &token.CreatedAt, &usedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	token.UsedAt = &usedAt

	return token, nil
}

// DeleteExpired は期限切れまたは使用済みのトークンを削除する。
func (r *PostgresTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM single_use_tokens WHERE expires_at <= $1 OR used_at <= $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SingleUseTokenRepository = (*PostgresTokenRepo)(nil)
