package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore は*sql.DBに束縛されたリポジトリ群とトランザクション境界を提供する。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Users はユーザーリポジトリを返す。
func (s *PostgresStore) Users() UserRepository { return NewPostgresUserRepo(s.db) }

// Sessions はセッションリポジトリを返す。
func (s *PostgresStore) Sessions() SessionRepository { return NewPostgresSessionRepo(s.db) }

// Tokens は単回使用トークンリポジトリを返す。
func (s *PostgresStore) Tokens() SingleUseTokenRepository { return NewPostgresTokenRepo(s.db) }

// WithinTx はトランザクションを開始し、fnにトランザクションに束縛されたStoreを渡す。
// fnが成功した場合はコミットし、エラーまたはpanicの場合はロールバックする。
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, store Store) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cerr)
		}
	}()

	err = fn(ctx, txStore{tx: tx})
	return err
}

// txStore はトランザクションに束縛されたStore。
type txStore struct {
	tx *sql.Tx
}

func (s txStore) Users() UserRepository { return NewPostgresUserRepo(s.tx) }
func (s txStore) Sessions() SessionRepository { return NewPostgresSessionRepo(s.tx) }
func (s txStore) Tokens() SingleUseTokenRepository { return NewPostgresTokenRepo(s.tx) }

// compile-time interface check
var _ TxStore = (*PostgresStore)(nil)
