// Package ratelimit は認証エンドポイント向けの固定ウィンドウ方式のレート制限を提供する。
//
// 全てのポリシーは固定ウィンドウで動作する。ウィンドウは最初にカウントされたリクエストで開始し、
// Windowが経過するとリセットされる。ウィンドウ境界でのバーストは許容する。
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/notekeep/internal/middleware"
)

// Scope はレート制限キーの導出方法を表す。
type Scope string

const (
	// ScopeIP はクライアントIPごとに制限する。
	ScopeIP Scope = "ip"
	// ScopeIPRoute はクライアントIPとルートの組ごとに制限する。
	ScopeIPRoute Scope = "ip_route"
	// ScopeBearerOrIP は認証済みならユーザーごと、未認証ならクライアントIPごとに制限する。
	ScopeBearerOrIP Scope = "bearer_or_ip"
)

// Policy はルートごとのレート制限設定。
type Policy struct {
	Name            string
	MaxRequests     int
	Window          time.Duration
	CountFailedOnly bool // trueの場合、失敗したリクエストのみカウントする
	Scope           Scope
}

// Decision はレート制限の判定結果。
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // Allowed=falseの場合のみ有効
}

// KeyFor はポリシーのスコープに従ってリクエストからキーを導出する。
func KeyFor(p Policy, r *http.Request) string {
	ip := middleware.ClientIP(r)

	switch p.Scope {
	case ScopeIPRoute:
		return "ip:" + ip + "|route:" + r.Method + " " + routePattern(r)
	case ScopeBearerOrIP:
		if userID, err := middleware.UserIDFromContext(r.Context()); err == nil {
			return "user:" + digest(userID)
		}
		return "ip:" + ip
	default:
		return "ip:" + ip
	}
}

// routePattern はchiのルートパターンを返す。パスパラメータ（トークン等）はキーに含めない。
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// digest はユーザーIDをキー用に短縮ハッシュ化する。
func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:12])
}
