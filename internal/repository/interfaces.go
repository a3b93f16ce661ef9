// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/notekeep/internal/model"
)

// ErrDuplicateEmail は同一メールアドレスのユーザーが既に存在する場合のエラー。
var ErrDuplicateEmail = errors.New("repository: duplicate email")

// ErrLiveTokenExists は同一ユーザー・用途の未使用トークンが既に存在する場合のエラー。
var ErrLiveTokenExists = errors.New("repository: live token already exists")

// DBTX はリポジトリが使用するdatabase/sqlの部分集合。
// *sql.DB と *sql.Tx の両方が満たす。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレス重複時はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdatePasswordHash はパスワードハッシュを更新する。
	UpdatePasswordHash(ctx context.Context, id, passwordHash string, now time.Time) error

	// MarkEmailVerified はメールアドレスを確認済みにする。
	MarkEmailVerified(ctx context.Context, id string, now time.Time) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByTokenHash はトークンハッシュでセッションを取得する。
	// 失効済み・期限切れのレコードもそのまま返す（判定は呼び出し側で行う）。
	// 見つからない場合はnilを返す。
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)

	// RevokeByTokenHash は指定トークンのセッションを失効させる。
	// 存在しない・失効済みの場合もエラーにしない。
	RevokeByTokenHash(ctx context.Context, tokenHash string, now time.Time) error

	// RevokeAllByUserID は指定ユーザーの未失効セッションを1文で一括失効させ、件数を返す。
	RevokeAllByUserID(ctx context.Context, userID string, now time.Time) (int64, error)

	// DeleteExpired はbefore以前に期限切れ、または失効したセッションを削除する。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SingleUseTokenRepository は単回使用トークンの永続化インターフェース。
type SingleUseTokenRepository interface {
	// InvalidateLive は指定ユーザー・用途の未使用トークンを全て使用済みにする。
	InvalidateLive(ctx context.Context, userID string, purpose model.TokenPurpose, now time.Time) error

	// Create はトークンを作成する。
	Create(ctx context.Context, token *model.SingleUseToken) error

	// ConsumeLive は未使用・期限内・用途一致のトークンを原子的に使用済みにして返す。
	// 条件に合うトークンがない場合はnilを返す。
	ConsumeLive(ctx context.Context, tokenHash string, purpose model.TokenPurpose, now time.Time) (*model.SingleUseToken, error)

	// DeleteExpired はbefore以前に期限切れ、または使用済みのトークンを削除する。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Store は同一の接続（またはトランザクション）に束縛されたリポジトリ群。
type Store interface {
	Users() UserRepository
	Sessions() SessionRepository
	Tokens() SingleUseTokenRepository
}

// Transactor はトランザクション境界を提供する。
// fnがエラーを返した場合、fn内の全ての書き込みはロールバックされる。
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error
}

// TxStore はStoreとTransactorの両方を提供するストア。
type TxStore interface {
	Store
	Transactor
}
