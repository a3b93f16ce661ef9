package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアドライバー
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// レート制限カウンターのバックエンド
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// メール送信プロバイダー
const (
	MailProviderLog     = "log"
	MailProviderMailgun = "mailgun"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver  string
	DatabaseURL  string
	StoreTimeout time.Duration

	// Token
	SessionTTL           time.Duration
	ResetTokenTTL        time.Duration
	VerificationTokenTTL time.Duration

	// Password
	Argon2MemoryKB uint32

	// Rate Limit
	RateLimitWindow  time.Duration
	RateLimitBackend string
	RedisURL         string
	RateLimitGeneral int // req/min/IP

	// Mail
	MailProvider  string
	MailgunDomain string
	MailgunAPIKey string
	MailFrom      string

	// Worker
	CleanupInterval time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string
	AppBaseURL string
	TrustProxy bool

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
// 必須かどうかはドライバー・バックエンド・プロバイダーの選択によって決まる。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreDriver = getEnvString("STORE_DRIVER", StoreDriverPostgres)
	cfg.RateLimitBackend = getEnvString("RATE_LIMIT_BACKEND", RateLimitBackendMemory)
	cfg.MailProvider = getEnvString("MAIL_PROVIDER", MailProviderLog)

	if err := oneOf("STORE_DRIVER", cfg.StoreDriver, StoreDriverPostgres, StoreDriverMemory); err != nil {
		return nil, err
	}
	if err := oneOf("RATE_LIMIT_BACKEND", cfg.RateLimitBackend, RateLimitBackendMemory, RateLimitBackendRedis); err != nil {
		return nil, err
	}
	if err := oneOf("MAIL_PROVIDER", cfg.MailProvider, MailProviderLog, MailProviderMailgun); err != nil {
		return nil, err
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreDriver == StoreDriverPostgres {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" && cfg.RateLimitBackend == RateLimitBackendRedis {
		missing = append(missing, "REDIS_URL")
	}

	cfg.MailgunDomain = os.Getenv("MAILGUN_DOMAIN")
	cfg.MailgunAPIKey = os.Getenv("MAILGUN_API_KEY")
	cfg.MailFrom = os.Getenv("MAIL_FROM")
	if cfg.MailProvider == MailProviderMailgun {
		if cfg.MailgunDomain == "" {
			missing = append(missing, "MAILGUN_DOMAIN")
		}
		if cfg.MailgunAPIKey == "" {
			missing = append(missing, "MAILGUN_API_KEY")
		}
		if cfg.MailFrom == "" {
			missing = append(missing, "MAIL_FROM")
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 5*time.Second)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 720*time.Hour)
	cfg.ResetTokenTTL = getEnvDuration("RESET_TOKEN_TTL", time.Hour)
	cfg.VerificationTokenTTL = getEnvDuration("VERIFICATION_TOKEN_TTL", 48*time.Hour)
	cfg.Argon2MemoryKB = uint32(getEnvInt("ARGON2_MEMORY_KB", 64*1024))
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AppBaseURL = getEnvString("APP_BASE_URL", "http://localhost:8081")
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:8081")

	return cfg, nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: must be one of %s", key, value, strings.Join(allowed, ", "))
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
