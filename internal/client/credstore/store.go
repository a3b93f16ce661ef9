// Package credstore はクライアントの認証情報を保存するセキュアストアを提供する。
package credstore

import (
	"context"
	"errors"
	"sync"
)

// SessionKey はセッション情報 {token, user} を保存する固定キー。
const SessionKey = "notekeep.session"

// ErrStorage はストレージの読み書き・復号に失敗したことを表す。
// 個別の原因はこのエラーでラップされる。
var ErrStorage = errors.New("credstore: storage failure")

// Store はキーと値の組を保存するセキュアストアのインターフェース。
type Store interface {
	// Get はキーの値を返す。存在しない場合はfalseを返す。
	Get(ctx context.Context, key string) (string, bool, error)
	// Set はキーに値を保存する。
	Set(ctx context.Context, key, value string) error
	// Delete はキーを削除し、削除前に存在していたかどうかを返す。
	Delete(ctx context.Context, key string) (bool, error)
}

// MemoryStore はプロセス内メモリのStore実装。テストと一時利用向け。
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	delete(s.values, key)
	return ok, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)
