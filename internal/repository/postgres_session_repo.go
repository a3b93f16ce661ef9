package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/notekeep/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db DBTX
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db DBTX) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.UserID, session.TokenHash, session.IssuedAt, session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByTokenHash はトークンハッシュでセッションを取得する。
// 失効済み・期限切れのレコードも返す。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	session := &model.Session{}
	var revokedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, issued_at, expires_at, revoked_at
		 FROM sessions
		 WHERE token_hash = $1`,
		tokenHash,
	).Scan(&session.ID, &session.UserID, &session.TokenHash, &session.IssuedAt, &session.ExpiresAt, &revokedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		session.RevokedAt = &t
	}

	return session, nil
}

// RevokeByTokenHash は指定トークンのセッションを失効させる。冪等。
func (r *PostgresSessionRepo) RevokeByTokenHash(ctx context.Context, tokenHash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash, now,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAllByUserID は指定ユーザーの未失効セッションを一括失効させる。
// 単一のUPDATE文で実行するため、並行する検証からは失効前か失効後のどちらかの状態のみが見える。
func (r *PostgresSessionRepo) RevokeAllByUserID(ctx context.Context, userID string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`,
		userID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteExpired は期限切れまたは失効済みのセッションを削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= $1 OR revoked_at <= $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
