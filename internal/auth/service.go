// Package auth はセッショントークン、単回使用トークン、アカウント認証フローを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/notekeep/internal/mailer"
	"github.com/hitoshi/notekeep/internal/model"
	"github.com/hitoshi/notekeep/internal/repository"
)

// ErrAccountNotFound はパスワードリセット要求のメールアドレスが未登録の場合のエラー。
// レスポンスには反映せず、レート制限の失敗カウントにのみ使用する。
var ErrAccountNotFound = errors.New("auth: account not found")

// PasswordHasher はパスワードハッシュ化インターフェース。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	VerifyDummy(password string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	ResetTokenTTL        time.Duration
	VerificationTokenTTL time.Duration
	AppBaseURL           string // メール内リンクの生成に使用する
}

// Result はログイン・新規登録の結果を表す。
type Result struct {
	Token   string
	Session *model.Session
	User    *model.User
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	store  repository.TxStore
	tokens *TokenService
	hasher PasswordHasher
	mail   mailer.Sender
	config ServiceConfig
	now    func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	store repository.TxStore,
	tokens *TokenService,
	hasher PasswordHasher,
	mail mailer.Sender,
	config ServiceConfig,
) *Service {
	return &Service{
		store:  store,
		tokens: tokens,
		hasher: hasher,
		mail:   mail,
		config: config,
		now:    tokens.now,
	}
}

// Register はユーザーを作成し、セッションを発行する。
// メールアドレス確認用トークンを発行してメールを送信するが、送信失敗はログのみに残す。
func (s *Service) Register(ctx context.Context, email, password string) (*Result, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        model.NormalizeEmail(email),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered", slog.String("user_id", user.ID))

	s.sendVerification(ctx, user)

	return s.issue(ctx, user)
}

// Login はメールアドレスとパスワードを検証し、セッションを発行する。
// 未登録メールアドレスの場合もダミー検証を行い、応答時間を揃える。
func (s *Service) Login(ctx context.Context, email, password string) (*Result, error) {
	user, err := s.store.Users().FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.hasher.VerifyDummy(password)
		return nil, model.NewInvalidCredentialsError()
	}

	ok, err := s.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		slog.Info("login failed", slog.String("user_id", user.ID))
		return nil, model.NewInvalidCredentialsError()
	}

	return s.issue(ctx, user)
}

// Logout はセッションを1件失効させる。
// tokenが空の場合は呼び出し元のベアラートークンを失効させる。
// 他ユーザーのトークンや無効なトークンが指定された場合は何もしない。
func (s *Service) Logout(ctx context.Context, userID, bearerToken, token string) error {
	if token == "" || token == bearerToken {
		return s.tokens.RevokeSession(ctx, bearerToken)
	}

	session, err := s.tokens.ValidateSession(ctx, token)
	if errors.Is(err, ErrInvalidSession) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.UserID != userID {
		slog.Warn("logout of foreign session ignored", slog.String("user_id", userID))
		return nil
	}

	return s.tokens.RevokeSession(ctx, token)
}

// LogoutAll はユーザーの全セッションを失効させ、失効件数を返す。
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.tokens.RevokeAllSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	slog.Info("all sessions revoked", slog.String("user_id", userID), slog.Int64("count", n))
	return n, nil
}

// Profile はユーザー情報を返す。
func (s *Service) Profile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.store.Users().FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// RequestPasswordReset はパスワードリセット用のリンクをメールで送信する。
// メールアドレスが未登録の場合はErrAccountNotFoundを返すが、呼び出し側は成功時と同じ応答を返すこと。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.store.Users().FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return ErrAccountNotFound
	}

	token, err := s.tokens.IssueSingleUseToken(ctx, user.ID, model.PurposePasswordReset, s.config.ResetTokenTTL)
	if err != nil {
		return err
	}

	s.deliver(ctx, user, mailer.Message{
		To:      user.Email,
		Subject: "パスワードの再設定",
		Text: "以下のリンクからパスワードを再設定してください。\n" +
			s.link("/reset-password/"+token) + "\n" +
			"心当たりがない場合はこのメールを破棄してください。",
	})
	return nil
}

// ConfirmPasswordReset はリセットトークンを消費してパスワードを変更する。
// パスワード変更と全セッションの失効はトークン消費と同一トランザクションで行う。
// ハッシュ計算は有効なトークンを消費できた場合のみ行う。
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	var revoked int64
	userID, err := s.tokens.ConsumeSingleUseToken(ctx, token, model.PurposePasswordReset,
		func(ctx context.Context, store repository.Store, userID string) error {
			hash, err := s.hasher.Hash(newPassword)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}
			now := s.now()
			if err := store.Users().UpdatePasswordHash(ctx, userID, hash, now); err != nil {
				return err
			}
			n, err := store.Sessions().RevokeAllByUserID(ctx, userID, now)
			revoked = n
			return err
		})
	if errors.Is(err, ErrInvalidToken) {
		return model.NewTokenInvalidError()
	}
	if err != nil {
		return err
	}

	slog.Info("password reset",
		slog.String("user_id", userID),
		slog.Int64("revoked_sessions", revoked),
	)
	return nil
}

// VerifyEmail はメール確認トークンを消費してメールアドレスを確認済みにする。
// トークンの所有者が呼び出し元ユーザーと一致しない場合は消費しない。
func (s *Service) VerifyEmail(ctx context.Context, userID, token string) error {
	_, err := s.tokens.ConsumeSingleUseToken(ctx, token, model.PurposeEmailVerification,
		func(ctx context.Context, store repository.Store, owner string) error {
			if owner != userID {
				return ErrInvalidToken
			}
			return store.Users().MarkEmailVerified(ctx, owner, s.now())
		})
	if errors.Is(err, ErrInvalidToken) {
		return model.NewTokenInvalidError()
	}
	if err != nil {
		return err
	}

	slog.Info("email verified", slog.String("user_id", userID))
	return nil
}

// ResendVerification はメール確認用トークンを再発行して送信する。
// 確認済みの場合は何もしない。
func (s *Service) ResendVerification(ctx context.Context, userID string) error {
	user, err := s.Profile(ctx, userID)
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return nil
	}
	s.sendVerification(ctx, user)
	return nil
}

// issue はセッションを発行して結果を組み立てる。
func (s *Service) issue(ctx context.Context, user *model.User) (*Result, error) {
	token, session, err := s.tokens.IssueSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Token: token, Session: session, User: user}, nil
}

// sendVerification はメール確認トークンを発行して送信する。失敗はログのみに残す。
func (s *Service) sendVerification(ctx context.Context, user *model.User) {
	token, err := s.tokens.IssueSingleUseToken(ctx, user.ID, model.PurposeEmailVerification, s.config.VerificationTokenTTL)
	if err != nil {
		slog.Error("failed to issue verification token",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.deliver(ctx, user, mailer.Message{
		To:      user.Email,
		Subject: "メールアドレスの確認",
		Text: "以下の確認コードをアプリに入力してください。\n" +
			token + "\n" +
			s.link("/verify-email?token="+token),
	})
}

// deliver はメールを送信する。送信失敗はログのみに残す。
func (s *Service) deliver(ctx context.Context, user *model.User, msg mailer.Message) {
	if s.mail == nil {
		return
	}
	if err := s.mail.Send(ctx, msg); err != nil {
		slog.Error("failed to send mail",
			slog.String("user_id", user.ID),
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) link(path string) string {
	return strings.TrimRight(s.config.AppBaseURL, "/") + path
}
