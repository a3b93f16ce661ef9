package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/notekeep/internal/metrics"
	"github.com/hitoshi/notekeep/internal/middleware"
	"github.com/hitoshi/notekeep/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
)

// HealthChecker はストアの疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Policies は認証エンドポイントごとのレート制限ポリシー。
type Policies struct {
	Register          ratelimit.Policy
	Login             ratelimit.Policy
	ResetRequest      ratelimit.Policy
	ResetConfirm      ratelimit.Policy
	EmailVerification ratelimit.Policy
}

// DefaultPolicies はウィンドウ長を指定してデフォルトのポリシーを返す。
//
//	register, login: 5回/ウィンドウ（全リクエスト、IP+ルート単位）
//	reset_request, reset_confirm, email_verification: 3回/ウィンドウ（失敗のみ、ユーザーまたはIP単位）
func DefaultPolicies(window time.Duration) Policies {
	return Policies{
		Register: ratelimit.Policy{
			Name: "register", MaxRequests: 5, Window: window, Scope: ratelimit.ScopeIPRoute,
		},
		Login: ratelimit.Policy{
			Name: "login", MaxRequests: 5, Window: window, Scope: ratelimit.ScopeIPRoute,
		},
		ResetRequest: ratelimit.Policy{
			Name: "reset_request", MaxRequests: 3, Window: window, CountFailedOnly: true, Scope: ratelimit.ScopeBearerOrIP,
		},
		ResetConfirm: ratelimit.Policy{
			Name: "reset_confirm", MaxRequests: 3, Window: window, CountFailedOnly: true, Scope: ratelimit.ScopeBearerOrIP,
		},
		EmailVerification: ratelimit.Policy{
			Name: "email_verification", MaxRequests: 3, Window: window, CountFailedOnly: true, Scope: ratelimit.ScopeBearerOrIP,
		},
	}
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 認証
	SessionValidator middleware.SessionValidator
	AuthService      AuthServiceInterface

	// レート制限
	Limiter  *ratelimit.Limiter
	Policies Policies
	Throttle *middleware.Throttle // nilの場合は全般スロットリングを行わない

	// 運用
	HealthChecker HealthChecker       // nilの場合は常に200
	Metrics       *metrics.Collector  // nilの場合はメトリクスを記録しない
	Gatherer      prometheus.Gatherer // nilの場合は/metricsを公開しない
	Logger        *slog.Logger

	CORSAllowedOrigin string
	StoreTimeout      time.Duration // 0の場合はタイムアウトを設定しない
	TrustProxy        bool          // trueの場合はX-Forwarded-For等からクライアントIPを決定する
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → (RealIP) → Logging → Recovery → SecurityHeaders → Metrics → CORS
//
// /auth/* にはさらに Throttle → Timeout を適用し、ルートごとに
// BearerAuth / OptionalBearer → ratelimit.Middleware の順で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())

	var collector metrics.MetricsCollector = metrics.NopCollector{}
	if deps.Metrics != nil {
		collector = deps.Metrics
		r.Use(deps.Metrics.Middleware())
	}

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	h := NewAuthHandler(deps.AuthService, collector)
	limit := func(p ratelimit.Policy) func(http.Handler) http.Handler {
		return ratelimit.Middleware(deps.Limiter, p)
	}

	r.Route("/auth", func(r chi.Router) {
		if deps.Throttle != nil {
			r.Use(deps.Throttle.Middleware())
		}
		if deps.StoreTimeout > 0 {
			r.Use(middleware.NewTimeoutMiddleware(deps.StoreTimeout))
		}

		// --- 認証不要のルート ---
		r.With(limit(deps.Policies.Register)).Post("/register", h.Register)
		r.With(limit(deps.Policies.Login)).Post("/login", h.Login)

		// ベアラートークンは任意。レート制限キーをユーザー単位にするためだけに使う
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewOptionalBearerMiddleware(deps.SessionValidator))

			r.With(limit(deps.Policies.ResetRequest)).Post("/reset-password", h.RequestPasswordReset)
			r.With(limit(deps.Policies.ResetConfirm)).Post("/reset-password/{token}", h.ConfirmPasswordReset)
		})

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewBearerAuthMiddleware(deps.SessionValidator))

			r.Post("/logout", h.Logout)
			r.Post("/logout-all", h.LogoutAll)
			r.Get("/profile", h.Profile)

			r.With(limit(deps.Policies.EmailVerification)).Post("/email-verification", h.VerifyEmail)
			r.With(limit(deps.Policies.EmailVerification)).Post("/email-verification/resend", h.ResendVerification)
		})
	})

	return r
}

// healthHandler はストアへの疎通を確認するハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
