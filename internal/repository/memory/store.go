// Package memory はプロセス内メモリ上のリポジトリ実装を提供する。
// ローカル開発（STORE_DRIVER=memory）とテストで使用する。
// 全ての操作は単一のミューテックスで直列化され、WithinTxはスナップショットへの書き込みを
// 成功時のみ反映することでロールバックを実現する。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/notekeep/internal/model"
	"github.com/hitoshi/notekeep/internal/repository"
)

// tables はストアが保持する全データ。
type tables struct {
	users    map[string]model.User           // id -> user
	emails   map[string]string               // email -> id
	sessions map[string]model.Session        // token_hash -> session
	tokens   map[string]model.SingleUseToken // token_hash -> token
}

func newTables() *tables {
	return &tables{
		users:    make(map[string]model.User),
		emails:   make(map[string]string),
		sessions: make(map[string]model.Session),
		tokens:   make(map[string]model.SingleUseToken),
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.users {
		c.users[k] = v
	}
	for k, v := range t.emails {
		c.emails[k] = v
	}
	for k, v := range t.sessions {
		c.sessions[k] = v
	}
	for k, v := range t.tokens {
		c.tokens[k] = v
	}
	return c
}

// Store はメモリ上のTxStore実装。
type Store struct {
	mu sync.Mutex
	t  *tables
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{t: newTables()}
}

// Users はユーザーリポジトリを返す。
func (s *Store) Users() repository.UserRepository { return &userRepo{view{s: s}} }

// Sessions はセッションリポジトリを返す。
func (s *Store) Sessions() repository.SessionRepository { return &sessionRepo{view{s: s}} }

// Tokens は単回使用トークンリポジトリを返す。
func (s *Store) Tokens() repository.SingleUseTokenRepository { return &tokenRepo{view{s: s}} }

// WithinTx はストア全体をロックし、スナップショットに対してfnを実行する。
// fnが成功した場合のみスナップショットを反映する。
// fn内からはトランザクション外のリポジトリ（s.Users()等）を呼び出してはならない。
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, store repository.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.t.clone()
	if err := fn(ctx, txView{view{s: s, t: snapshot}}); err != nil {
		return err
	}
	s.t = snapshot
	return nil
}

// SessionCount は保持しているセッション数を返す。テスト用。
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.t.sessions)
}

// view はテーブルへのアクセス方法を表す。
// tがnilの場合はストアのロックを取得して本体にアクセスし、
// nilでない場合はロック取得済みのトランザクションスナップショットにアクセスする。
type view struct {
	s *Store
	t *tables
}

func (v view) run(fn func(t *tables) error) error {
	if v.t != nil {
		return fn(v.t)
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return fn(v.s.t)
}

type txView struct {
	v view
}

func (tv txView) Users() repository.UserRepository { return &userRepo{tv.v} }
func (tv txView) Sessions() repository.SessionRepository { return &sessionRepo{tv.v} }
func (tv txView) Tokens() repository.SingleUseTokenRepository { return &tokenRepo{tv.v} }

// --- users ---

type userRepo struct{ v view }

func (r *userRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	var out *model.User
	err := r.v.run(func(t *tables) error {
		if u, ok := t.users[id]; ok {
			out = &u
		}
		return nil
	})
	return out, err
}

func (r *userRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	var out *model.User
	err := r.v.run(func(t *tables) error {
		id, ok := t.emails[email]
		if !ok {
			return nil
		}
		if u, ok := t.users[id]; ok {
			out = &u
		}
		return nil
	})
	return out, err
}

func (r *userRepo) Create(_ context.Context, user *model.User) error {
	return r.v.run(func(t *tables) error {
		if _, exists := t.emails[user.Email]; exists {
			return repository.ErrDuplicateEmail
		}
		t.users[user.ID] = *user
		t.emails[user.Email] = user.ID
		return nil
	})
}

func (r *userRepo) UpdatePasswordHash(_ context.Context, id, passwordHash string, now time.Time) error {
	return r.v.run(func(t *tables) error {
		u, ok := t.users[id]
		if !ok {
			return errUserNotFound(id)
		}
		u.PasswordHash = passwordHash
		u.UpdatedAt = now
		t.users[id] = u
		return nil
	})
}

func (r *userRepo) MarkEmailVerified(_ context.Context, id string, now time.Time) error {
	return r.v.run(func(t *tables) error {
		u, ok := t.users[id]
		if !ok {
			return errUserNotFound(id)
		}
		u.EmailVerified = true
		u.UpdatedAt = now
		t.users[id] = u
		return nil
	})
}

// --- sessions ---

type sessionRepo struct{ v view }

func (r *sessionRepo) Create(_ context.Context, session *model.Session) error {
	return r.v.run(func(t *tables) error {
		t.sessions[session.TokenHash] = *session
		return nil
	})
}

func (r *sessionRepo) FindByTokenHash(_ context.Context, tokenHash string) (*model.Session, error) {
	var out *model.Session
	err := r.v.run(func(t *tables) error {
		if s, ok := t.sessions[tokenHash]; ok {
			out = &s
		}
		return nil
	})
	return out, err
}

func (r *sessionRepo) RevokeByTokenHash(_ context.Context, tokenHash string, now time.Time) error {
	return r.v.run(func(t *tables) error {
		s, ok := t.sessions[tokenHash]
		if !ok || s.Revoked() {
			return nil
		}
		revokedAt := now
		s.RevokedAt = &revokedAt
		t.sessions[tokenHash] = s
		return nil
	})
}

func (r *sessionRepo) RevokeAllByUserID(_ context.Context, userID string, now time.Time) (int64, error) {
	var n int64
	err := r.v.run(func(t *tables) error {
		for hash, s := range t.sessions {
			if s.UserID != userID || s.Revoked() {
				continue
			}
			revokedAt := now
			s.RevokedAt = &revokedAt
			t.sessions[hash] = s
			n++
		}
		return nil
	})
	return n, err
}

func (r *sessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.v.run(func(t *tables) error {
		for hash, s := range t.sessions {
			if !s.ExpiresAt.After(before) || (s.RevokedAt != nil && !s.RevokedAt.After(before)) {
				delete(t.sessions, hash)
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- single-use tokens ---

type tokenRepo struct{ v view }

func (r *tokenRepo) InvalidateLive(_ context.Context, userID string, purpose model.TokenPurpose, now time.Time) error {
	return r.v.run(func(t *tables) error {
		for hash, tok := range t.tokens {
			if tok.UserID != userID || tok.Purpose != purpose || tok.Used() {
				continue
			}
			usedAt := now
			tok.UsedAt = &usedAt
			t.tokens[hash] = tok
		}
		return nil
	})
}

func (r *tokenRepo) Create(_ context.Context, token *model.SingleUseToken) error {
	return r.v.run(func(t *tables) error {
		t.tokens[token.TokenHash] = *token
		return nil
	})
}

func (r *tokenRepo) ConsumeLive(_ context.Context, tokenHash string, purpose model.TokenPurpose, now time.Time) (*model.SingleUseToken, error) {
	var out *model.SingleUseToken
	err := r.v.run(func(t *tables) error {
		tok, ok := t.tokens[tokenHash]
		if !ok || tok.Purpose != purpose || tok.Used() || !tok.ExpiresAt.After(now) {
			return nil
		}
		usedAt := now
		tok.UsedAt = &usedAt
		t.tokens[tokenHash] = tok
		out = &tok
		return nil
	})
	return out, err
}

func (r *tokenRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.v.run(func(t *tables) error {
		for hash, tok := range t.tokens {
			if !tok.ExpiresAt.After(before) || (tok.UsedAt != nil && !tok.UsedAt.After(before)) {
				delete(t.tokens, hash)
				n++
			}
		}
		return nil
	})
	return n, err
}

// ListSessions は指定ユーザーのセッションを発行日時順で返す。テスト用。
func (s *Store) ListSessions(userID string) []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Session
	for _, sess := range s.t.sessions {
		if sess.UserID == userID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

type notFoundError string

func (e notFoundError) Error() string { return "user not found: " + string(e) }

func errUserNotFound(id string) error { return notFoundError(id) }

// compile-time interface check
var _ repository.TxStore = (*Store)(nil)
