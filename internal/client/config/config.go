// Package config はクライアントの設定を環境変数から読み込む。
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// defaultCredentialsFile は資格情報ファイルのユーザー設定ディレクトリからの相対パス。
const defaultCredentialsFile = "notekeep/credentials.json"

// Config はクライアントの設定。
type Config struct {
	APIURL                string        `env:"NOTEKEEP_API_URL" envDefault:"http://localhost:8080"`
	CredentialsFile       string        `env:"NOTEKEEP_CREDENTIALS_FILE"`
	CredentialsPassphrase string        `env:"NOTEKEEP_CREDENTIALS_PASSPHRASE,required,notEmpty"`
	HTTPTimeout           time.Duration `env:"NOTEKEEP_HTTP_TIMEOUT" envDefault:"10s"`
	LogLevel              string        `env:"NOTEKEEP_LOG_LEVEL" envDefault:"warn"`
}

// Load は環境変数から設定を読み込む。
// 資格情報ファイルが未指定の場合はユーザー設定ディレクトリ配下を使う。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	u, err := url.Parse(cfg.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid NOTEKEEP_API_URL %q", cfg.APIURL)
	}
	if cfg.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("invalid NOTEKEEP_HTTP_TIMEOUT %s", cfg.HTTPTimeout)
	}

	if cfg.CredentialsFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		cfg.CredentialsFile = filepath.Join(dir, defaultCredentialsFile)
	}

	return &cfg, nil
}
