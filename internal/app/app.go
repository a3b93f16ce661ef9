package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/notekeep/internal/auth"
	"github.com/hitoshi/notekeep/internal/config"
	"github.com/hitoshi/notekeep/internal/database"
	"github.com/hitoshi/notekeep/internal/handler"
	"github.com/hitoshi/notekeep/internal/logger"
	"github.com/hitoshi/notekeep/internal/mailer"
	"github.com/hitoshi/notekeep/internal/metrics"
	"github.com/hitoshi/notekeep/internal/middleware"
	"github.com/hitoshi/notekeep/internal/password"
	"github.com/hitoshi/notekeep/internal/ratelimit"
	"github.com/hitoshi/notekeep/internal/repository"
	"github.com/hitoshi/notekeep/internal/repository/memory"
	"github.com/hitoshi/notekeep/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("rate_limit_backend", cfg.RateLimitBackend),
		slog.String("mail_provider", cfg.MailProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg, ParseMigrateDirection(args))
	default:
		return runServe(ctx, cfg)
	}
}

// openStore は設定に応じたストアを開く。
// PostgreSQLの場合は疎通確認まで行い、*sql.DBをヘルスチェッカーとして返す。
// メモリストアの場合はヘルスチェッカーはnil。
func openStore(ctx context.Context, cfg *config.Config) (repository.TxStore, handler.HealthChecker, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil, func() {}, nil
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	return repository.NewPostgresStore(db), db, func() { db.Close() }, nil
}

// openCounterStore はレート制限カウンターのバックエンドを開く。
func openCounterStore(ctx context.Context, cfg *config.Config) (ratelimit.CounterStore, func(), error) {
	if cfg.RateLimitBackend != config.RateLimitBackendRedis {
		store := ratelimit.NewMemoryStore(time.Minute)
		return store, store.Stop, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("redis connection established", slog.String("addr", opts.Addr))

	return ratelimit.NewRedisStore(client), func() { client.Close() }, nil
}

// newMailSender は設定に応じたメール送信手段を返す。
func newMailSender(cfg *config.Config) (mailer.Sender, error) {
	if cfg.MailProvider == config.MailProviderMailgun {
		return mailer.NewMailgunSender(mailer.MailgunConfig{
			Domain: cfg.MailgunDomain,
			APIKey: cfg.MailgunAPIKey,
			From:   cfg.MailFrom,
		})
	}
	return mailer.NewLogSender(slog.Default()), nil
}

// newHasher は設定されたメモリコストでargon2idハッシャーを生成する。
func newHasher(cfg *config.Config) (*password.Argon2, error) {
	params := password.DefaultConfig()
	params.Memory = cfg.Argon2MemoryKB
	return password.NewArgon2(params)
}

// newRegistry はランタイムメトリクスを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// server はAPIサーバーの構成要素をまとめたもの。
type server struct {
	handler  http.Handler
	store    repository.TxStore
	metrics  *metrics.Collector
	throttle *middleware.Throttle
}

// newServer は全依存関係をワイヤリングしたHTTPハンドラーを構築する。
func newServer(
	cfg *config.Config,
	store repository.TxStore,
	health handler.HealthChecker,
	counters ratelimit.CounterStore,
	sender mailer.Sender,
	hasher auth.PasswordHasher,
	reg *prometheus.Registry,
) *server {
	collector := metrics.NewCollector(reg)

	tokens := auth.NewTokenService(store, auth.TokenConfig{SessionTTL: cfg.SessionTTL})
	authService := auth.NewService(store, tokens, hasher, sender, auth.ServiceConfig{
		ResetTokenTTL:        cfg.ResetTokenTTL,
		VerificationTokenTTL: cfg.VerificationTokenTTL,
		AppBaseURL:           cfg.AppBaseURL,
	})

	throttle := middleware.NewThrottle(middleware.NewThrottleConfig(cfg.RateLimitGeneral))

	deps := &handler.RouterDeps{
		SessionValidator: tokens,
		AuthService:      authService,

		Limiter:  ratelimit.New(counters, ratelimit.WithObserver(collector)),
		Policies: handler.DefaultPolicies(cfg.RateLimitWindow),
		Throttle: throttle,

		HealthChecker: health,
		Metrics:       collector,
		Gatherer:      reg,
		Logger:        slog.Default(),

		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		StoreTimeout:      cfg.StoreTimeout,
		TrustProxy:        cfg.TrustProxy,
	}

	return &server{
		handler:  handler.NewRouter(deps),
		store:    store,
		metrics:  collector,
		throttle: throttle,
	}
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. ストア
	store, health, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. レート制限カウンター
	counters, closeCounters, err := openCounterStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCounters()

	// 3. メール送信・パスワードハッシュ
	sender, err := newMailSender(cfg)
	if err != nil {
		return fmt.Errorf("failed to configure mailer: %w", err)
	}
	hasher, err := newHasher(cfg)
	if err != nil {
		return fmt.Errorf("failed to configure password hasher: %w", err)
	}

	// 4. ルーター
	srv := newServer(cfg, store, health, counters, sender, hasher, newRegistry())
	defer srv.throttle.Stop()

	// メモリストアは別プロセスのworkerから参照できないため、同一プロセスでクリーンアップする
	if cfg.StoreDriver == config.StoreDriverMemory {
		job := cleanup.NewCleanupJob(store, srv.metrics, slog.Default())
		go job.Start(ctx, cfg.CleanupInterval)
	}

	// 5. HTTPサーバーの起動
	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションと使用済みトークンを定期的に削除する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return errors.New("worker requires STORE_DRIVER=postgres")
	}

	store, _, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	job := cleanup.NewCleanupJob(store, metrics.NopCollector{}, slog.Default())

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// ブロッキング
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// upは未適用のマイグレーションを全て適用し、downは直近の1つを取り消す。
func runMigrate(cfg *config.Config, direction MigrateDirection) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return errors.New("migrate requires STORE_DRIVER=postgres")
	}

	slog.Info("running database migrations",
		slog.String("direction", string(direction)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch direction {
	case MigrateDown:
		if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
