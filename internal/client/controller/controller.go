// Package controller はクライアントの認証フローを制御する。
// API呼び出しの結果をセキュアストアへ保存し、その後で認証状態へ反映する。
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/notekeep/internal/client/api"
	"github.com/hitoshi/notekeep/internal/client/authstate"
	"github.com/hitoshi/notekeep/internal/client/credstore"
	"github.com/hitoshi/notekeep/internal/validation"
)

// revokeTimeout は破棄したセッションをサーバー側で失効させる際のタイムアウト。
const revokeTimeout = 5 * time.Second

// Op はコントローラーが提供する操作。
type Op string

const (
	OpSignIn               Op = "sign_in"
	OpCreateUser           Op = "create_user"
	OpSignOut              Op = "sign_out"
	OpSendPasswordReset    Op = "send_password_reset"
	OpConfirmPasswordReset Op = "confirm_password_reset"
	OpRehydrate            Op = "rehydrate"
)

// Status は操作ごとの状態。
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusError   Status = "error"
)

var (
	// ErrOperationPending は同じ操作が実行中のため呼び出しを無視したことを表す。
	ErrOperationPending = errors.New("operation already pending")
	// ErrSignOutFailed はログアウト処理のいずれかの段階が失敗したことを表す。
	ErrSignOutFailed = errors.New("sign out failed")
)

// ユーザー向けメッセージ
const (
	msgSignedIn       = "ログインしました。"
	msgSignedUp       = "アカウントを作成しました。"
	msgSignedOut      = "ログアウトしました。"
	msgResetRequested = "登録済みのメールアドレスであれば、パスワード再設定用のリンクを送信しました。"
	msgResetDone      = "パスワードを変更しました。再度ログインしてください。"
	msgNetwork        = "サーバーに接続できませんでした。通信環境を確認してください。"
	msgStorage        = "ログイン情報の保存に失敗しました。"
	msgSignOutFailed  = "Failed to logout"
	msgUnknown        = "エラーが発生しました。しばらくしてから再度お試しください。"
)

// AuthAPI はコントローラーが利用する認証APIのインターフェース。
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*api.Session, error)
	Register(ctx context.Context, email, password, confirmPassword string) (*api.Session, error)
	Logout(ctx context.Context, token string) error
	Profile(ctx context.Context, token string) (*api.User, error)
	RequestPasswordReset(ctx context.Context, token, email string) (string, error)
	ConfirmPasswordReset(ctx context.Context, resetToken, password, confirmPassword string) error
}

// Notifier はユーザーへの通知（トースト）を表す。
type Notifier interface {
	Success(message string)
	Error(message string)
}

// NopNotifier は何も表示しないNotifier。
type NopNotifier struct{}

func (NopNotifier) Success(string) {}
func (NopNotifier) Error(string)   {}

// storedSession はセキュアストアに保存するセッション。
type storedSession struct {
	Token string    `json:"token" validate:"required,len=64,hexadecimal"`
	User  *api.User `json:"user" validate:"required"`
}

// Controller は認証フローを制御する。
// 同じ操作の同時実行は行わず、2回目の呼び出しはErrOperationPendingを返す。
type Controller struct {
	api      AuthAPI
	creds    credstore.Store
	state    *authstate.Store
	notifier Notifier
	logger   *slog.Logger

	refreshOnRehydrate bool

	mu     sync.Mutex
	status map[Op]Status

	// sessionMu はセキュアストア上のセッションの書き換えを直列化する
	sessionMu sync.Mutex
}

// Option はControllerの設定を変更する。
type Option func(*Controller)

// WithNotifier は通知先を設定する。
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithProfileRefresh は復元時にサーバーからユーザー情報を取り直す。
func WithProfileRefresh() Option {
	return func(c *Controller) {
		c.refreshOnRehydrate = true
	}
}

// New はControllerを生成する。
func New(client AuthAPI, creds credstore.Store, state *authstate.Store, opts ...Option) *Controller {
	c := &Controller{
		api:      client,
		creds:    creds,
		state:    state,
		notifier: NopNotifier{},
		logger:   slog.Default(),
		status:   make(map[Op]Status),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status は操作の現在の状態を返す。
func (c *Controller) Status(op Op) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.status[op]; ok {
		return s
	}
	return StatusIdle
}

// SignIn はログインし、セッションを保存してからユーザーを公開する。
func (c *Controller) SignIn(ctx context.Context, email, password string) error {
	if err := c.begin(OpSignIn); err != nil {
		return err
	}

	sess, err := c.api.Login(ctx, email, password)
	err = c.establish(ctx, sess, err)
	c.finish(OpSignIn, err)
	if err == nil {
		c.notifier.Success(msgSignedIn)
	}
	return err
}

// CreateUser はユーザーを登録し、セッションを保存してからユーザーを公開する。
func (c *Controller) CreateUser(ctx context.Context, email, password, confirmPassword string) error {
	if err := c.begin(OpCreateUser); err != nil {
		return err
	}

	sess, err := c.api.Register(ctx, email, password, confirmPassword)
	err = c.establish(ctx, sess, err)
	c.finish(OpCreateUser, err)
	if err == nil {
		c.notifier.Success(msgSignedUp)
	}
	return err
}

// establish はAPIから受け取ったセッションを保存し、認証状態へ反映する。
// 呼び出し元のctxが既に終了している場合は保存も公開もせず、セッションを失効させる。
func (c *Controller) establish(ctx context.Context, sess *api.Session, apiErr error) error {
	if apiErr != nil {
		c.notifier.Error(userMessage(apiErr))
		return apiErr
	}

	if err := ctx.Err(); err != nil {
		c.logger.Debug("discarding session issued after caller went away")
		c.revoke(ctx, sess.Token)
		return err
	}

	user := sess.User
	blob, err := json.Marshal(storedSession{Token: sess.Token, User: &user})
	if err != nil {
		c.revoke(ctx, sess.Token)
		return fmt.Errorf("encode session: %w", err)
	}

	// 永続化してから公開する
	c.sessionMu.Lock()
	err = c.creds.Set(ctx, credstore.SessionKey, string(blob))
	c.sessionMu.Unlock()
	if err != nil {
		c.logger.Error("failed to persist session", slog.String("error", err.Error()))
		c.notifier.Error(msgStorage)
		c.revoke(ctx, sess.Token)
		return err
	}

	c.state.Update(func(st authstate.State) authstate.State {
		st.User = &user
		st.IsSignUp = false
		return st
	})
	return nil
}

// revoke は破棄するセッションをベストエフォートで失効させる。
func (c *Controller) revoke(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()
	if err := c.api.Logout(ctx, token); err != nil {
		c.logger.Warn("failed to revoke discarded session", slog.String("error", err.Error()))
	}
}

// SignOut はサーバー側のセッションを失効させ、ローカルの資格情報と認証状態をクリアする。
// サーバー呼び出しが失敗してもローカルのクリアは必ず試みる。
// いずれかが失敗した場合はErrSignOutFailedを返す。
func (c *Controller) SignOut(ctx context.Context) error {
	if err := c.begin(OpSignOut); err != nil {
		return err
	}

	var errs []error

	sess, err := c.loadSession(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if sess != nil {
		// 期限切れ等で既に無効なセッションは失効済みとみなす
		if err := c.api.Logout(ctx, sess.Token); err != nil && !api.IsUnauthorized(err) {
			c.logger.Warn("server logout failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := c.deleteSession(ctx); err != nil {
		c.logger.Error("failed to delete stored session", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	c.state.Reset()

	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrSignOutFailed, errors.Join(errs...))
		c.finish(OpSignOut, err)
		c.notifier.Error(msgSignOutFailed)
		return err
	}

	c.finish(OpSignOut, nil)
	c.notifier.Success(msgSignedOut)
	return nil
}

// SendPasswordResetEmail はパスワード再設定メールを要求する。
// アカウントの有無に関わらず同じメッセージを表示する。
func (c *Controller) SendPasswordResetEmail(ctx context.Context, email string) error {
	if err := c.begin(OpSendPasswordReset); err != nil {
		return err
	}

	// ログイン中であればレート制限のキーをユーザー単位にする
	var token string
	if sess, err := c.loadSession(ctx); err == nil && sess != nil {
		token = sess.Token
	}

	msg, err := c.api.RequestPasswordReset(ctx, token, email)
	c.finish(OpSendPasswordReset, err)
	if err != nil {
		c.notifier.Error(userMessage(err))
		return err
	}
	if msg == "" {
		msg = msgResetRequested
	}
	c.notifier.Success(msg)
	return nil
}

// ConfirmPasswordReset はリセットトークンで新しいパスワードを設定する。
// サーバー側で全セッションが失効するため、ローカルのセッションもクリアする。
func (c *Controller) ConfirmPasswordReset(ctx context.Context, resetToken, password, confirmPassword string) error {
	if err := c.begin(OpConfirmPasswordReset); err != nil {
		return err
	}

	err := c.api.ConfirmPasswordReset(ctx, resetToken, password, confirmPassword)
	if err != nil {
		c.finish(OpConfirmPasswordReset, err)
		c.notifier.Error(userMessage(err))
		return err
	}

	c.clearLocal(ctx)
	c.finish(OpConfirmPasswordReset, nil)
	c.notifier.Success(msgResetDone)
	return nil
}

// Rehydrate は保存済みのセッションを読み込み、認証状態へ反映する。
// 保存値がない、または壊れている場合はセッションなしとして扱い、エラーは返さない。
// 壊れた保存値は削除する。
func (c *Controller) Rehydrate(ctx context.Context) error {
	if err := c.begin(OpRehydrate); err != nil {
		return err
	}

	sess, err := c.loadSession(ctx)
	if err != nil {
		c.finish(OpRehydrate, err)
		return err
	}
	if sess == nil {
		c.finish(OpRehydrate, nil)
		return nil
	}

	c.state.SetUser(sess.User)

	if c.refreshOnRehydrate {
		c.refreshProfile(ctx, sess)
	}

	c.finish(OpRehydrate, nil)
	return nil
}

// refreshProfile はサーバーからユーザー情報を取り直す。
// 通信失敗時は保存済みのユーザーを維持し、401の場合はセッションをクリアする。
func (c *Controller) refreshProfile(ctx context.Context, sess *storedSession) {
	user, err := c.api.Profile(ctx, sess.Token)
	switch {
	case api.IsUnauthorized(err):
		c.logger.Info("stored session is no longer valid")
		c.clearLocal(ctx)
		return
	case err != nil:
		c.logger.Warn("profile refresh failed, keeping stored user", slog.String("error", err.Error()))
		return
	case ctx.Err() != nil:
		return
	}

	if user.ID != sess.User.ID {
		c.logger.Warn("profile refresh returned a different user, ignoring")
		return
	}

	current, err := c.persistIfCurrent(ctx, storedSession{Token: sess.Token, User: user})
	if err != nil {
		c.logger.Warn("failed to persist refreshed user", slog.String("error", err.Error()))
		return
	}
	if !current {
		c.logger.Debug("session changed during profile refresh, discarding result")
		return
	}

	c.state.UpdateUser(func(prev *api.User) *api.User {
		// 途中でログアウトされていれば反映しない
		if prev == nil || prev.ID != user.ID {
			return prev
		}
		return user
	})
}

// persistIfCurrent はストアに同じトークンのセッションが残っている場合のみsessを保存する。
// 取得中にログアウトや再ログインが行われていればfalseを返す。
func (c *Controller) persistIfCurrent(ctx context.Context, sess storedSession) (bool, error) {
	blob, err := json.Marshal(sess)
	if err != nil {
		return false, fmt.Errorf("encode session: %w", err)
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	raw, ok, err := c.creds.Get(ctx, credstore.SessionKey)
	if err != nil || !ok {
		return false, err
	}
	var stored storedSession
	if err := json.Unmarshal([]byte(raw), &stored); err != nil || stored.Token != sess.Token {
		return false, nil
	}

	if err := c.creds.Set(ctx, credstore.SessionKey, string(blob)); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) deleteSession(ctx context.Context) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	_, err := c.creds.Delete(ctx, credstore.SessionKey)
	return err
}

// Token は保存済みのセッショントークンを返す。
func (c *Controller) Token(ctx context.Context) (string, bool, error) {
	sess, err := c.loadSession(ctx)
	if err != nil || sess == nil {
		return "", false, err
	}
	return sess.Token, true, nil
}

// loadSession は保存済みのセッションを読み込んで検証する。
// 保存値が壊れている場合は削除してnilを返す。
func (c *Controller) loadSession(ctx context.Context) (*storedSession, error) {
	raw, ok, err := c.creds.Get(ctx, credstore.SessionKey)
	if err != nil {
		c.logger.Error("failed to read stored session", slog.String("error", err.Error()))
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var sess storedSession
	if err := validation.DecodeJSON(strings.NewReader(raw), &sess); err != nil {
		c.discardMalformed(ctx, err.Error())
		return nil, nil
	}
	if res := validation.Struct(sess); !res.OK() {
		c.discardMalformed(ctx, fmt.Sprint(res.Reasons))
		return nil, nil
	}
	return &sess, nil
}

func (c *Controller) discardMalformed(ctx context.Context, reason string) {
	c.logger.Warn("discarding malformed stored session", slog.String("reason", reason))
	if err := c.deleteSession(ctx); err != nil {
		c.logger.Error("failed to delete malformed session", slog.String("error", err.Error()))
	}
}

func (c *Controller) clearLocal(ctx context.Context) {
	if err := c.deleteSession(ctx); err != nil {
		c.logger.Error("failed to delete stored session", slog.String("error", err.Error()))
	}
	c.state.SetUser(nil)
}

func (c *Controller) begin(op Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status[op] == StatusPending {
		return ErrOperationPending
	}
	c.status[op] = StatusPending
	return nil
}

func (c *Controller) finish(op Op, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.status[op] = StatusError
		return
	}
	c.status[op] = StatusIdle
}

// userMessage はエラーをユーザー向けメッセージに変換する。
// 内部の詳細は表示しない。
func userMessage(err error) string {
	var apiErr *api.Error
	switch {
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return apiErr.Message
	case api.IsTransport(err):
		return msgNetwork
	case errors.Is(err, credstore.ErrStorage):
		return msgStorage
	default:
		return msgUnknown
	}
}
