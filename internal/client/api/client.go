// Package api はnotekeep認証APIのHTTPクライアントを提供する。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxErrorBodySize はエラーレスポンスとして読み込む最大バイト数。
const maxErrorBodySize = 64 * 1024

// User はサーバーが返すユーザー情報。
// 保存済みセッションの検証にも使うためvalidateタグを持つ。
type User struct {
	ID            string `json:"id" validate:"required,uuid"`
	Email         string `json:"email" validate:"required,email"`
	EmailVerified bool   `json:"emailVerified"`
}

// Session はログイン・登録で発行されたセッション。
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

type credentialsRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword,omitempty"`
}

type logoutRequest struct {
	Token string `json:"token,omitempty"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

type revokedResponse struct {
	Revoked int64 `json:"revoked"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Category string            `json:"category"`
	Action   string            `json:"action"`
	Details  map[string]string `json:"details,omitempty"`
}

// Client は認証APIのクライアント。
// 自動リトライは行わない。失敗は呼び出し元に返す。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientがnilの場合はhttp.DefaultClientを使う。
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Register はユーザーを新規登録し、発行されたセッションを返す。
func (c *Client) Register(ctx context.Context, email, password, confirmPassword string) (*Session, error) {
	var s Session
	in := credentialsRequest{Email: email, Password: password, ConfirmPassword: confirmPassword}
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", in, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Login はメールアドレスとパスワードでログインし、発行されたセッションを返す。
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	in := credentialsRequest{Email: email, Password: password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", in, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Logout はベアラートークンのセッションを失効させる。
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", token, logoutRequest{}, nil)
}

// LogoutAll はユーザーの全セッションを失効させ、失効件数を返す。
func (c *Client) LogoutAll(ctx context.Context, token string) (int64, error) {
	var out revokedResponse
	if err := c.do(ctx, http.MethodPost, "/auth/logout-all", token, nil, &out); err != nil {
		return 0, err
	}
	return out.Revoked, nil
}

// Profile はベアラートークンのユーザー情報を取得する。
func (c *Client) Profile(ctx context.Context, token string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/auth/profile", token, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// RequestPasswordReset はパスワード再設定メールを要求する。
// サーバーはアカウントの有無に関わらず同一のメッセージを返す。
func (c *Client) RequestPasswordReset(ctx context.Context, token, email string) (string, error) {
	var out messageResponse
	if err := c.do(ctx, http.MethodPost, "/auth/reset-password", token, emailRequest{Email: email}, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// ConfirmPasswordReset はリセットトークンを使って新しいパスワードを設定する。
func (c *Client) ConfirmPasswordReset(ctx context.Context, resetToken, password, confirmPassword string) error {
	path := "/auth/reset-password/" + url.PathEscape(resetToken)
	in := resetConfirmRequest{Password: password, ConfirmPassword: confirmPassword}
	return c.do(ctx, http.MethodPost, path, "", in, nil)
}

// VerifyEmail はメール確認トークンを消費する。
func (c *Client) VerifyEmail(ctx context.Context, token, verificationToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/email-verification", token, verifyEmailRequest{Token: verificationToken}, nil)
}

// ResendVerification はメール確認メールの再送を要求する。
func (c *Client) ResendVerification(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/email-verification/resend", token, nil, nil)
}

// do はJSONリクエストを送信し、2xxの場合はoutにデコードする。
// 4xx/5xxは*Error、ネットワーク層の失敗は*TransportErrorとして返す。
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode %s: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: build %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "notekeep-client/1.0")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("api request failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// decodeError はエラーレスポンスを*Errorに変換する。
// ボディが統一フォーマットでない場合もステータスだけは保持する。
func decodeError(resp *http.Response) *Error {
	apiErr := &Error{Status: resp.StatusCode}

	var eb errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&eb); err == nil {
		apiErr.Code = eb.Code
		apiErr.Message = eb.Message
		apiErr.Category = eb.Category
		apiErr.Action = eb.Action
		apiErr.Details = eb.Details
	}

	if v := resp.Header.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
			apiErr.RetryAfter = time.Duration(sec) * time.Second
		}
	}

	return apiErr
}
