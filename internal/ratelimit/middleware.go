package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/hitoshi/notekeep/internal/middleware"
	"github.com/hitoshi/notekeep/internal/model"
)

type failureRecorderKey struct{}

// FailureRecorder はハンドラーがレスポンスに現れない失敗を通知するためのリクエストスコープの記録器。
// 失敗のみをカウントするポリシーのミドルウェアがコンテキストに注入する。
type FailureRecorder struct {
	failed atomic.Bool
}

// Fail はリクエストを失敗として記録する。nilレシーバーでは何もしない。
func (f *FailureRecorder) Fail() {
	if f == nil {
		return
	}
	f.failed.Store(true)
}

// FailureRecorderFromContext はコンテキストからFailureRecorderを取得する。
// 存在しない場合はnilを返す（nilに対するFailは何もしない）。
func FailureRecorderFromContext(ctx context.Context) *FailureRecorder {
	f, _ := ctx.Value(failureRecorderKey{}).(*FailureRecorder)
	return f
}

// statusWriter はレスポンスステータスを記録する。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware はポリシーを適用するミドルウェアを返す。
// 判定はボディの解析や副作用より前に行い、拒否した場合は429を返す。
// 失敗のみをカウントするポリシーでは、4xxレスポンスまたはFailureRecorder.Failが呼ばれた場合に1件カウントする。
func Middleware(l *Limiter, p Policy) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := KeyFor(p, r)

			decision, err := l.Check(r.Context(), p, key)
			if err != nil {
				slog.Error("rate limit check failed",
					slog.String("policy", p.Name),
					slog.String("error", err.Error()),
				)
				middleware.WriteInternalServerError(w)
				return
			}
			if !decision.Allowed {
				slog.Warn("rate limit exceeded",
					slog.String("policy", p.Name),
					slog.String("client_ip", middleware.ClientIP(r)),
				)
				writeRateLimitResponse(w, decision)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(p.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !p.CountFailedOnly {
				next.ServeHTTP(w, r)
				return
			}

			recorder := &FailureRecorder{}
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), failureRecorderKey{}, recorder)))

			if recorder.failed.Load() || (sw.status >= 400 && sw.status < 500) {
				if err := l.RecordFailure(r.Context(), p, key); err != nil {
					slog.Error("failed to record rate limit failure",
						slog.String("policy", p.Name),
						slog.String("error", err.Error()),
					)
				}
			}
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはウィンドウがリセットされるまでの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, d Decision) {
	retryAfterSec := int(math.Ceil(d.RetryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	middleware.WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitExceededError())
}
