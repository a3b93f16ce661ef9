package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/notekeep/internal/model"
	"golang.org/x/time/rate"
)

// ThrottleConfig はクライアントIPごとの全般的なスロットリング設定を保持する。
type ThrottleConfig struct {
	Rate            rate.Limit    // 1秒あたりの許可数。120 req/min なら 2
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultThrottleConfig はデフォルトのスロットリング設定を返す。
// 1クライアントIPあたり 120 req/min。
func DefaultThrottleConfig() ThrottleConfig {
	return NewThrottleConfig(120)
}

// NewThrottleConfig は1分あたりのリクエスト数からスロットリング設定を生成する。
func NewThrottleConfig(perMinute int) ThrottleConfig {
	return ThrottleConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// ipLimiter はクライアントIPごとのリミッターとアクセス時刻を保持する。
type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Throttle はクライアントIPごとのトークンバケット方式のスロットリングを行う。
// ルートごとの固定ウィンドウ制限（ratelimitパッケージ）とは独立に、/auth/* 全体に適用する。
type Throttle struct {
	config ThrottleConfig

	mu       sync.Mutex
	limiters map[string]*ipLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewThrottle は新しいThrottleを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewThrottle(config ThrottleConfig) *Throttle {
	t := &Throttle{
		config:   config,
		limiters: make(map[string]*ipLimiter),
		stopCh:   make(chan struct{}),
	}

	go t.cleanupLoop()

	return t
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (t *Throttle) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Middleware はスロットリングミドルウェアを返す。
func (t *Throttle) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			if !t.limiterFor(ip).Allow() {
				slog.Warn("throttled",
					slog.String("client_ip", ip),
					slog.String("path", r.URL.Path),
				)
				writeThrottleResponse(w, t.config.Rate)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Len は現在管理されているリミッターのエントリ数を返す。テスト用。
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// limiterFor はクライアントIPのリミッターを取得または作成する。
func (t *Throttle) limiterFor(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if il, ok := t.limiters[ip]; ok {
		il.lastAccess = time.Now()
		return il.limiter
	}

	limiter := rate.NewLimiter(t.config.Rate, t.config.Burst)
	t.limiters[ip] = &ipLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (t *Throttle) cleanupLoop() {
	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanup(time.Now())
		case <-t.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (t *Throttle) cleanup(now time.Time) {
	ttl := t.config.CleanupInterval * 2

	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, il := range t.limiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(t.limiters, ip)
		}
	}
}

// ClientIP はリクエスト元のIPアドレスを返す。
// プロキシヘッダーの解釈はRealIPミドルウェアに委ね、ここではRemoteAddrのみを参照する。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// writeThrottleResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeThrottleResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitExceededError())
}
