// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/notekeep/internal/auth"
	"github.com/hitoshi/notekeep/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// bearerContextKey は検証済みベアラートークンを格納するためのキー。
	bearerContextKey = contextKey("bearer_token")
)

// SessionValidator はセッショントークンの検証に必要なインターフェース。
// auth.TokenServiceが満たす。
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*model.Session, error)
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのベアラートークンを検証するミドルウェアを返す。
// 認証済みユーザーIDとトークンをリクエストコンテキストに注入する。
// トークンがない、または無効な場合は401 Unauthorizedを返す。
func NewBearerAuthMiddleware(validator SessionValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			session, err := validator.ValidateSession(r.Context(), token)
			if errors.Is(err, auth.ErrInvalidSession) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if err != nil {
				slog.Error("failed to validate session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session.UserID, token)))
		})
	}
}

// NewOptionalBearerMiddleware はベアラートークンが有効な場合のみユーザーIDを注入するミドルウェアを返す。
// トークンがない・無効な場合も拒否せずに次のハンドラーへ進む。
// 認証任意のルートでレート制限キーをユーザー単位にするために使用する。
func NewOptionalBearerMiddleware(validator SessionValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			session, err := validator.ValidateSession(r.Context(), token)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidSession) {
					slog.Warn("optional session validation failed",
						slog.String("error", err.Error()),
					)
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session.UserID, token)))
		})
	}
}

// BearerToken はAuthorizationヘッダーからベアラートークンを取り出す。
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// BearerTokenFromContext は検証済みのベアラートークンを取得する。
func BearerTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(bearerContextKey).(string)
	return token, ok && token != ""
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

func withSession(ctx context.Context, userID, token string) context.Context {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.userID = userID
	}
	ctx = context.WithValue(ctx, userIDContextKey, userID)
	return context.WithValue(ctx, bearerContextKey, token)
}
