package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Counter はウィンドウ内のカウンター状態。
type Counter struct {
	Count   int
	ResetIn time.Duration // ウィンドウがリセットされるまでの残り時間
}

// CounterStore はレート制限カウンターの保存先。
// 同一キーへの操作は原子的でなければならない。
type CounterStore interface {
	// Take はcountがmax未満の場合のみ原子的に加算する。
	// ウィンドウが存在しない場合は新しいウィンドウを開始する。
	// 加算した場合はtrueを返す。
	Take(ctx context.Context, key string, max int, window time.Duration) (Counter, bool, error)

	// Peek は加算せずに現在のカウンターを返す。
	Peek(ctx context.Context, key string) (Counter, error)
}

// Observer は判定結果を受け取る。メトリクス記録に使用する。
type Observer interface {
	ObserveRateLimit(policy string, allowed bool)
}

// Limiter はポリシーに従ってリクエストを許可または拒否する。
// カウンターの状態は全てCounterStoreが保持する。
type Limiter struct {
	store    CounterStore
	prefix   string
	observer Observer
}

// Option はLimiterのオプション。
type Option func(*Limiter)

// WithObserver は判定結果の通知先を設定する。
func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		l.observer = o
	}
}

// WithPrefix はストアキーの接頭辞を設定する。
func WithPrefix(prefix string) Option {
	return func(l *Limiter) {
		l.prefix = prefix
	}
}

// New はLimiterを生成する。
func New(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{store: store, prefix: "rl"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check はリクエストを許可するかどうかを判定する。
// 全リクエストをカウントするポリシーでは、許可した場合のみ加算する。
// 失敗のみをカウントするポリシーでは加算せず、現在のカウントのみで判定する。
func (l *Limiter) Check(ctx context.Context, p Policy, key string) (Decision, error) {
	var (
		c       Counter
		allowed bool
		err     error
	)

	if p.CountFailedOnly {
		c, err = l.store.Peek(ctx, l.storeKey(p, key))
		allowed = c.Count < p.MaxRequests
	} else {
		c, allowed, err = l.store.Take(ctx, l.storeKey(p, key), p.MaxRequests, p.Window)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check %s: %w", p.Name, err)
	}

	if l.observer != nil {
		l.observer.ObserveRateLimit(p.Name, allowed)
	}

	if !allowed {
		return Decision{Allowed: false, RetryAfter: c.ResetIn}, nil
	}
	return Decision{Allowed: true, Remaining: max(p.MaxRequests-c.Count, 0)}, nil
}

// RecordFailure は失敗したリクエストを1件カウントする。上限を超えて加算はしない。
func (l *Limiter) RecordFailure(ctx context.Context, p Policy, key string) error {
	if _, _, err := l.store.Take(ctx, l.storeKey(p, key), p.MaxRequests, p.Window); err != nil {
		return fmt.Errorf("rate limit record failure %s: %w", p.Name, err)
	}
	return nil
}

func (l *Limiter) storeKey(p Policy, key string) string {
	return l.prefix + ":" + p.Name + ":" + key
}
