// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/notekeep/internal/auth"
	"github.com/hitoshi/notekeep/internal/metrics"
	"github.com/hitoshi/notekeep/internal/middleware"
	"github.com/hitoshi/notekeep/internal/model"
	"github.com/hitoshi/notekeep/internal/ratelimit"
	"github.com/hitoshi/notekeep/internal/validation"
)

// maxBodyBytes はリクエストボディの最大サイズ。
const maxBodyBytes = 16 << 10

// resetRequestedMessage はパスワードリセット要求の応答メッセージ。
// メールアドレスの登録有無に関わらず同じ内容を返す。
const resetRequestedMessage = "登録済みのメールアドレスであれば、パスワード再設定用のリンクを送信しました。"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password string) (*auth.Result, error)
	Login(ctx context.Context, email, password string) (*auth.Result, error)
	Logout(ctx context.Context, userID, bearerToken, token string) error
	LogoutAll(ctx context.Context, userID string) (int64, error)
	Profile(ctx context.Context, userID string) (*model.User, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
	VerifyEmail(ctx context.Context, userID, token string) error
	ResendVerification(ctx context.Context, userID string) error
}

// --- リクエスト ---

type registerRequest struct {
	Email           string `json:"email" validate:"required,email,max=254"`
	Password        string `json:"password" validate:"required,min=8,max=128"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

type logoutRequest struct {
	Token string `json:"token,omitempty" validate:"omitempty,max=128"`
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type resetConfirmRequest struct {
	Password        string `json:"password" validate:"required,min=8,max=128"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
}

type verifyEmailRequest struct {
	Token string `json:"token" validate:"required,len=64,hexadecimal"`
}

// --- レスポンス ---

type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
}

type sessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      userResponse `json:"user"`
}

type revokedResponse struct {
	Revoked int64 `json:"revoked"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	metrics metrics.MetricsCollector
}

// NewAuthHandler はAuthHandlerを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewAuthHandler(service AuthServiceInterface, collector metrics.MetricsCollector) *AuthHandler {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &AuthHandler{
		service: service,
		metrics: collector,
	}
}

// Register はユーザーを新規登録し、セッションを発行する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	result, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordRegistration()
	h.metrics.RecordSessionsIssued(1)
	writeJSON(w, http.StatusCreated, toSessionResponse(result))
}

// Login はメールアドレスとパスワードで認証し、セッションを発行する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if isAPIError(err, model.ErrCodeInvalidCredentials) {
			h.metrics.RecordLogin(metrics.LoginFailure)
		}
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordLogin(metrics.LoginSuccess)
	h.metrics.RecordSessionsIssued(1)
	writeJSON(w, http.StatusOK, toSessionResponse(result))
}

// Logout はセッションを1件失効させる。
// ボディのtokenを省略した場合はリクエストのベアラートークンを失効させる。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, bearer, ok := sessionFromContext(w, r)
	if !ok {
		return
	}

	var req logoutRequest
	if !decodeAndValidate(w, r, &req, true) {
		return
	}

	if err := h.service.Logout(r.Context(), userID, bearer, req.Token); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll はリクエストユーザーの全セッションを失効させる。
// ユーザーはベアラートークンからのみ決定する。
// POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := sessionFromContext(w, r)
	if !ok {
		return
	}

	n, err := h.service.LogoutAll(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordSessionsRevoked(n)
	writeJSON(w, http.StatusOK, revokedResponse{Revoked: n})
}

// Profile はリクエストユーザーの情報を返す。
// GET /auth/profile
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := sessionFromContext(w, r)
	if !ok {
		return
	}

	user, err := h.service.Profile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// RequestPasswordReset はパスワードリセット用のリンクを送信する。
// アカウントの有無を推測させないため、応答は常に202で同一内容とする。
// 未登録のメールアドレスはレート制限の失敗としてのみ記録する。
// POST /auth/reset-password
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	err := h.service.RequestPasswordReset(r.Context(), req.Email)
	switch {
	case errors.Is(err, auth.ErrAccountNotFound):
		ratelimit.FailureRecorderFromContext(r.Context()).Fail()
	case err != nil:
		slog.Error("password reset request failed", slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusAccepted, messageResponse{Message: resetRequestedMessage})
}

// ConfirmPasswordReset はリセットトークンを消費してパスワードを変更する。
// 変更後はユーザーの全セッションが失効する。
// POST /auth/reset-password/{token}
func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	err := h.service.ConfirmPasswordReset(r.Context(), chi.URLParam(r, "token"), req.Password)
	h.recordConsumption(model.PurposePasswordReset, err)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VerifyEmail はメール確認トークンを消費してメールアドレスを確認済みにする。
// POST /auth/email-verification
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := sessionFromContext(w, r)
	if !ok {
		return
	}

	var req verifyEmailRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	err := h.service.VerifyEmail(r.Context(), userID, req.Token)
	h.recordConsumption(model.PurposeEmailVerification, err)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ResendVerification はメール確認用トークンを再送する。
// POST /auth/email-verification/resend
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := sessionFromContext(w, r)
	if !ok {
		return
	}

	if err := h.service.ResendVerification(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *AuthHandler) recordConsumption(purpose model.TokenPurpose, err error) {
	switch {
	case err == nil:
		h.metrics.RecordTokenConsumption(string(purpose), true)
	case isAPIError(err, model.ErrCodeTokenInvalid):
		h.metrics.RecordTokenConsumption(string(purpose), false)
	}
}

// sessionFromContext は認証ミドルウェアが注入したユーザーIDとトークンを取得する。
// 取得できない場合は401を書き込みfalseを返す。
func sessionFromContext(w http.ResponseWriter, r *http.Request) (userID, token string, ok bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", "", false
	}
	token, _ = middleware.BearerTokenFromContext(r.Context())
	return userID, token, true
}

// decodeAndValidate はリクエストボディをdstに読み込み、validateタグで検証する。
// optionalがtrueの場合、空のボディはゼロ値として扱う。
// 失敗時は400を書き込みfalseを返す。
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}

	if len(bytes.TrimSpace(body)) == 0 && optional {
		return true
	}

	if err := validation.DecodeJSON(bytes.NewReader(body), dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}

	if result := validation.Struct(dst); !result.OK() {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(result.Reasons))
		return false
	}

	return true
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
	}
}

func toSessionResponse(r *auth.Result) sessionResponse {
	return sessionResponse{
		Token:     r.Token,
		ExpiresAt: r.Session.ExpiresAt,
		User:      toUserResponse(r.User),
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeValidationFailed, model.ErrCodeTokenInvalid:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized, model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeEmailTaken:
		return http.StatusConflict
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func isAPIError(err error, code string) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
