package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window は1キー分の固定ウィンドウ。
type window struct {
	count int
	start time.Time
	size  time.Duration
}

func (w *window) expiredAt(now time.Time) bool {
	return !now.Before(w.start.Add(w.size))
}

// MemoryStore はプロセス内メモリ上のCounterStore実装。
// プロセス起動時に生成し、停止時にStopを呼ぶ。期限切れのウィンドウはバックグラウンドで削除する。
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption はMemoryStoreのオプション。
type MemoryOption func(*MemoryStore)

// WithMemoryClock は現在時刻の取得関数を差し替える。
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore はMemoryStoreを生成し、cleanupIntervalごとのクリーンアップを開始する。
// cleanupIntervalが0以下の場合はクリーンアップを行わない。
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}

	return s
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Take はcountがmax未満の場合のみ加算する。
func (s *MemoryStore) Take(_ context.Context, key string, max int, size time.Duration) (Counter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || w.expiredAt(now) {
		w = &window{start: now, size: size}
		s.windows[key] = w
	}

	if w.count >= max {
		return s.counter(w, now), false, nil
	}
	w.count++
	return s.counter(w, now), true, nil
}

// Peek は現在のカウンターを返す。
func (s *MemoryStore) Peek(_ context.Context, key string) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || w.expiredAt(now) {
		return Counter{}, nil
	}
	return s.counter(w, now), nil
}

// Len は保持しているウィンドウ数を返す。テストおよびメトリクス用。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func (s *MemoryStore) counter(w *window, now time.Time) Counter {
	return Counter{Count: w.count, ResetIn: w.start.Add(w.size).Sub(now)}
}

// cleanupLoop はバックグラウンドで期限切れウィンドウを定期的に削除する。
func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup は期限切れのウィンドウを削除する。
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, w := range s.windows {
		if w.expiredAt(now) {
			delete(s.windows, key)
		}
	}
}

// compile-time interface check
var _ CounterStore = (*MemoryStore)(nil)
