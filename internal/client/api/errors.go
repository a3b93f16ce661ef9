package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error はサーバーが返した統一エラーフォーマットを表す。
// ステータスコードと機械可読なコードを保持する。
type Error struct {
	Status     int
	Code       string
	Message    string
	Category   string
	Action     string
	Details    map[string]string
	RetryAfter time.Duration // 429の場合のみ設定される
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d [%s] %s", e.Status, e.Code, e.Message)
}

// TransportError はネットワーク層の失敗を表す。
// サーバー側の状態は変更されていない可能性がある。
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("api: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsUnauthorized はerrがサーバーの401応答かどうかを返す。
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// IsRateLimited はerrがサーバーの429応答かどうかを返す。
func IsRateLimited(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

// IsTransport はerrがネットワーク層の失敗かどうかを返す。
func IsTransport(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}
