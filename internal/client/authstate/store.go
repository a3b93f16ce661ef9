// Package authstate はクライアントの認証状態を保持する監視可能なストアを提供する。
package authstate

import (
	"sync"

	"github.com/hitoshi/notekeep/internal/client/api"
)

// State は認証状態のスナップショット。
type State struct {
	User     *api.User
	IsSignUp bool
}

type subscriber struct {
	id int
	fn func(State)
}

// Store は認証状態を保持する。
// 書き込みは直列化され、購読者には書き込まれた順に同期的に通知する。
// 購読者の中から書き込んだ場合、その通知は現在の通知が終わった後に行う。
type Store struct {
	mu          sync.Mutex
	state       State
	subscribers []subscriber
	nextID      int

	queue      []State
	delivering bool
}

// New は初期状態initialを持つStoreを生成する。
func New(initial State) *Store {
	return &Store{state: initial}
}

// Get は現在の状態を返す。
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set は状態を置き換える。
func (s *Store) Set(next State) {
	s.Update(func(State) State { return next })
}

// Update は直前の状態から次の状態を計算して置き換える。
// fnはロック内で呼ばれるため、fnからStoreを操作してはならない。
func (s *Store) Update(fn func(State) State) {
	s.mu.Lock()
	s.state = fn(s.state)
	s.queue = append(s.queue, s.state)
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	s.mu.Unlock()

	s.drain()
}

// SetUser はユーザーだけを置き換える。
func (s *Store) SetUser(u *api.User) {
	s.Update(func(st State) State {
		st.User = u
		return st
	})
}

// UpdateUser は直前のユーザーから次のユーザーを計算して置き換える。
func (s *Store) UpdateUser(fn func(*api.User) *api.User) {
	s.Update(func(st State) State {
		st.User = fn(st.User)
		return st
	})
}

// SetSignUp はサインアップ画面かどうかを切り替える。
func (s *Store) SetSignUp(v bool) {
	s.Update(func(st State) State {
		st.IsSignUp = v
		return st
	})
}

// Reset はユーザーをクリアし、フラグを初期値に戻す。
func (s *Store) Reset() {
	s.Set(State{})
}

// Subscribe は状態の変更を購読する。戻り値の関数で購読を解除する。
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subscribers {
				if sub.id == id {
					s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// drain はキューが空になるまで購読者へ通知する。
// 同時に通知するゴルーチンは1つだけ。
func (s *Store) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.delivering = false
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		subs := make([]subscriber, len(s.subscribers))
		copy(subs, s.subscribers)
		s.mu.Unlock()

		for _, sub := range subs {
			sub.fn(next)
		}
	}
}

// Select は状態の一部selectorを購読し、値が変わったときだけcallbackを呼ぶ。
// 購読時点の値は通知しない。
func Select[T comparable](s *Store, selector func(State) T, callback func(T)) (unsubscribe func()) {
	var mu sync.Mutex
	last := selector(s.Get())

	return s.Subscribe(func(st State) {
		v := selector(st)
		mu.Lock()
		if v == last {
			mu.Unlock()
			return
		}
		last = v
		mu.Unlock()
		callback(v)
	})
}
