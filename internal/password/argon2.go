// Package password はargon2idによるパスワードハッシュ化と検証を提供する。
// ハッシュはPHC形式（$argon2id$v=19$m=...,t=...,p=...$salt$hash）で保存する。
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB   uint32 = 8 * 1024
	minSaltLength uint32 = 16
	minKeyLength  uint32 = 16
	algorithmID          = "argon2id"
)

// ErrInvalidHash はPHC形式として解釈できないハッシュ文字列のエラー。
var ErrInvalidHash = errors.New("password: invalid hash format")

// Config はargon2idのコストパラメータ。
type Config struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig は本番向けのデフォルトパラメータを返す。
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Argon2 はargon2idハッシャー。初期化後はイミュータブルで、並行利用できる。
type Argon2 struct {
	config Config
	dummy  string
}

// NewArgon2 はパラメータを検証してArgon2を生成する。
func NewArgon2(cfg Config) (*Argon2, error) {
	if cfg.Memory < minMemoryKB {
		return nil, fmt.Errorf("password: memory must be >= %d KiB", minMemoryKB)
	}
	if cfg.Time < 1 || cfg.Parallelism < 1 {
		return nil, errors.New("password: time and parallelism must be >= 1")
	}
	if cfg.SaltLength < minSaltLength || cfg.KeyLength < minKeyLength {
		return nil, errors.New("password: salt and key length must be >= 16")
	}

	a := &Argon2{config: cfg}

	// 存在しないユーザーへのログインでも同等の計算量をかけるためのダミーハッシュ
	dummy, err := a.Hash("notekeep-dummy-password")
	if err != nil {
		return nil, err
	}
	a.dummy = dummy

	return a, nil
}

// Hash はパスワードをハッシュ化してPHC形式文字列を返す。
func (a *Argon2) Hash(password string) (string, error) {
	salt := make([]byte, a.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("password: failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, a.config.Time, a.config.Memory, a.config.Parallelism, a.config.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		a.config.Memory,
		a.config.Time,
		a.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify はパスワードがハッシュと一致するかを定数時間で比較する。
// ハッシュのパラメータはハッシュ文字列側の値を使用する。
func (a *Argon2) Verify(password, encodedHash string) (bool, error) {
	p, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.hash)))

	return subtle.ConstantTimeCompare(computed, p.hash) == 1, nil
}

// VerifyDummy はダミーハッシュに対して検証を行い、常にfalseを返す。
// ユーザー不存在時の応答時間を存在時と揃えるために使用する。
func (a *Argon2) VerifyDummy(password string) {
	_, _ = a.Verify(password, a.dummy)
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func parsePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, ErrInvalidHash
	}

	p := &phc{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.parallelism); err != nil {
		return nil, ErrInvalidHash
	}
	if p.memory < minMemoryKB || p.time < 1 || p.parallelism < 1 {
		return nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < int(minSaltLength) {
		return nil, ErrInvalidHash
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) < int(minKeyLength) {
		return nil, ErrInvalidHash
	}
	p.salt = salt
	p.hash = hash

	return p, nil
}
