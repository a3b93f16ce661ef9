package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/notekeep/internal/model"
	"github.com/hitoshi/notekeep/internal/repository"
)

// tokenBytes は発行するトークンの乱数バイト数。hex化すると64文字になる。
const tokenBytes = 32

var (
	// ErrInvalidSession はセッショントークンが無効な場合のエラー。
	// 不存在・失効済み・期限切れを区別しない。
	ErrInvalidSession = errors.New("auth: invalid session")

	// ErrInvalidToken は単回使用トークンが消費できない場合のエラー。
	// 使用済み・期限切れ・用途不一致を区別しない。
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenConfig はトークン発行の設定。
type TokenConfig struct {
	SessionTTL time.Duration
}

// TokenOption はTokenServiceのオプション。
type TokenOption func(*TokenService)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		s.now = now
	}
}

// TokenEffect は単回使用トークン消費と同一トランザクションで実行される副作用。
// エラーを返した場合はトークンの消費もロールバックされる。
type TokenEffect func(ctx context.Context, store repository.Store, userID string) error

// TokenService はセッショントークンと単回使用トークンの発行・検証・失効を行う。
// トークン平文は呼び出し元に一度だけ返し、ストアにはSHA-256ハッシュのみ保存する。
type TokenService struct {
	store  repository.TxStore
	config TokenConfig
	now    func() time.Time
}

// NewTokenService はTokenServiceを生成する。
func NewTokenService(store repository.TxStore, config TokenConfig, opts ...TokenOption) *TokenService {
	s := &TokenService{
		store:  store,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueSession は新しいセッションを発行し、トークン平文とセッションを返す。
func (s *TokenService) IssueSession(ctx context.Context, userID string) (string, *model.Session, error) {
	token, hash, err := generateToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		TokenHash: hash,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.config.SessionTTL),
	}

	if err := s.store.Sessions().Create(ctx, session); err != nil {
		return "", nil, fmt.Errorf("failed to save session: %w", err)
	}

	return token, session, nil
}

// ValidateSession はトークンに対応する有効なセッションを返す。
// 無効な場合は理由をデバッグログにのみ残し、ErrInvalidSessionを返す。
func (s *TokenService) ValidateSession(ctx context.Context, token string) (*model.Session, error) {
	if !wellFormed(token) {
		slog.Debug("session rejected", slog.String("reason", "malformed"))
		return nil, ErrInvalidSession
	}

	session, err := s.store.Sessions().FindByTokenHash(ctx, hashToken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	switch {
	case session == nil:
		slog.Debug("session rejected", slog.String("reason", "not_found"))
		return nil, ErrInvalidSession
	case session.Revoked():
		slog.Debug("session rejected", slog.String("reason", "revoked"), slog.String("session_id", session.ID))
		return nil, ErrInvalidSession
	case !session.ActiveAt(s.now()):
		slog.Debug("session rejected", slog.String("reason", "expired"), slog.String("session_id", session.ID))
		return nil, ErrInvalidSession
	}

	return session, nil
}

// RevokeSession はトークンに対応するセッションを失効させる。
// 不明なトークン・失効済みトークンでもエラーにしない。
func (s *TokenService) RevokeSession(ctx context.Context, token string) error {
	if !wellFormed(token) {
		return nil
	}
	if err := s.store.Sessions().RevokeByTokenHash(ctx, hashToken(token), s.now()); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAllSessions はユーザーの全セッションを一括で失効させ、失効件数を返す。
// 呼び出し時点で存在したセッションのみが対象で、以降に発行されたセッションは有効のまま。
func (s *TokenService) RevokeAllSessions(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.Sessions().RevokeAllByUserID(ctx, userID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return n, nil
}

// IssueSingleUseToken は単回使用トークンを発行する。
// 同一ユーザー・同一用途の未使用トークンは同じトランザクション内で無効化する。
func (s *TokenService) IssueSingleUseToken(ctx context.Context, userID string, purpose model.TokenPurpose, ttl time.Duration) (string, error) {
	if !purpose.Valid() {
		return "", fmt.Errorf("unknown token purpose: %q", purpose)
	}

	token, hash, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, store repository.Store) error {
		now := s.now()
		if err := store.Tokens().InvalidateLive(ctx, userID, purpose, now); err != nil {
			return err
		}
		return store.Tokens().Create(ctx, &model.SingleUseToken{
			TokenHash: hash,
			UserID:    userID,
			Purpose:   purpose,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to issue %s token: %w", purpose, err)
	}

	return token, nil
}

// ConsumeSingleUseToken はトークンを消費し、所有ユーザーIDを返す。
// 消費とeffectは同一トランザクションで実行され、effectが失敗した場合はトークンも未使用に戻る。
// 用途が一致しないトークンは消費しない。
func (s *TokenService) ConsumeSingleUseToken(ctx context.Context, token string, purpose model.TokenPurpose, effect TokenEffect) (string, error) {
	if !wellFormed(token) {
		return "", ErrInvalidToken
	}

	var userID string
	err := s.store.WithinTx(ctx, func(ctx context.Context, store repository.Store) error {
		consumed, err := store.Tokens().ConsumeLive(ctx, hashToken(token), purpose, s.now())
		if err != nil {
			return err
		}
		if consumed == nil {
			return ErrInvalidToken
		}
		if effect != nil {
			if err := effect(ctx, store, consumed.UserID); err != nil {
				return err
			}
		}
		userID = consumed.UserID
		return nil
	})
	if errors.Is(err, ErrInvalidToken) {
		slog.Debug("single-use token rejected", slog.String("purpose", string(purpose)))
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume %s token: %w", purpose, err)
	}

	return userID, nil
}

// generateToken は暗号的に安全なトークンとそのハッシュを生成する。
func generateToken() (token, hash string, err error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(b)
	return token, hashToken(token), nil
}

// hashToken はトークンの保存用ハッシュを返す。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// wellFormed はトークンが発行形式（64文字の小文字hex）かどうかを返す。
func wellFormed(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
