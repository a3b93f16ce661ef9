package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("NOTEKEEP_CREDENTIALS_PASSPHRASE", "secret")
	t.Setenv("NOTEKEEP_API_URL", "")
	t.Setenv("NOTEKEEP_CREDENTIALS_FILE", "")
	t.Setenv("NOTEKEEP_HTTP_TIMEOUT", "")
	t.Setenv("NOTEKEEP_LOG_LEVEL", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	t.Setenv("HOME", "/tmp/home")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.APIURL != "http://localhost:8080" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("HTTPTimeout = %v, want 10s", cfg.HTTPTimeout)
	}
	if !strings.HasSuffix(cfg.CredentialsFile, filepath.Join("notekeep", "credentials.json")) {
		t.Errorf("CredentialsFile = %q", cfg.CredentialsFile)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.CredentialsPassphrase != "secret" {
		t.Errorf("CredentialsPassphrase = %q", cfg.CredentialsPassphrase)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("NOTEKEEP_CREDENTIALS_PASSPHRASE", "secret")
	t.Setenv("NOTEKEEP_API_URL", "https://api.notekeep.example.com")
	t.Setenv("NOTEKEEP_CREDENTIALS_FILE", "/var/lib/notekeep/creds.json")
	t.Setenv("NOTEKEEP_HTTP_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.APIURL != "https://api.notekeep.example.com" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.CredentialsFile != "/var/lib/notekeep/creds.json" {
		t.Errorf("CredentialsFile = %q", cfg.CredentialsFile)
	}
	if cfg.HTTPTimeout != 3*time.Second {
		t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeout)
	}
}

func TestLoad_MissingPassphrase_ReturnsError(t *testing.T) {
	t.Setenv("NOTEKEEP_CREDENTIALS_PASSPHRASE", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "NOTEKEEP_CREDENTIALS_PASSPHRASE") {
		t.Fatalf("expected passphrase error, got %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"api url without scheme", "NOTEKEEP_API_URL", "localhost:8080"},
		{"api url with ftp scheme", "NOTEKEEP_API_URL", "ftp://example.com"},
		{"unparsable timeout", "NOTEKEEP_HTTP_TIMEOUT", "soon"},
		{"negative timeout", "NOTEKEEP_HTTP_TIMEOUT", "-1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NOTEKEEP_CREDENTIALS_PASSPHRASE", "secret")
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
