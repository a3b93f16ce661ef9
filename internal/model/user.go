// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// User はサービス利用ユーザーを表す。
// PasswordHashはargon2idのPHC形式文字列で、平文パスワードは保持しない。
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Session は発行済みベアラートークン1つに対応するサーバー側レコードを表す。
// トークン平文は保持せず、SHA-256ハッシュのみを保持する。
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Revoked はセッションが失効済みかどうかを返す。
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}

// ActiveAt は指定時刻においてセッションが有効かどうかを返す。
func (s *Session) ActiveAt(now time.Time) bool {
	return !s.Revoked() && s.ExpiresAt.After(now)
}

// TokenPurpose は単回使用トークンの用途を表す。
type TokenPurpose string

const (
	// PurposePasswordReset はパスワードリセット用トークン。
	PurposePasswordReset TokenPurpose = "password_reset"
	// PurposeEmailVerification はメールアドレス確認用トークン。
	PurposeEmailVerification TokenPurpose = "email_verification"
)

// Valid は定義済みの用途かどうかを返す。
func (p TokenPurpose) Valid() bool {
	return p == PurposePasswordReset || p == PurposeEmailVerification
}

// SingleUseToken はパスワードリセット・メール確認用の単回使用トークンを表す。
// 1回だけ消費でき、消費と用途ごとの副作用は同一トランザクションで行う。
type SingleUseToken struct {
	TokenHash string
	UserID    string
	Purpose   TokenPurpose
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Used はトークンが消費済み（または無効化済み）かどうかを返す。
func (t *SingleUseToken) Used() bool {
	return t.UsedAt != nil
}

// NormalizeEmail はメールアドレスを保存・検索用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
