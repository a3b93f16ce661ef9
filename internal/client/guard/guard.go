// Package guard は認証状態と現在の画面グループから遷移先を決定する。
package guard

import (
	"sync"

	"github.com/hitoshi/notekeep/internal/client/api"
	"github.com/hitoshi/notekeep/internal/client/authstate"
)

// Group は画面のグループ。
type Group string

const (
	GroupAuth      Group = "auth"      // サインイン・サインアップ画面
	GroupProtected Group = "protected" // ログインが必要な画面
	GroupPublic    Group = "public"    // どちらでもない画面
)

// Decision は遷移の判定結果。
type Decision string

const (
	DecisionUninitialized  Decision = "uninitialized"
	DecisionRedirectSignIn Decision = "redirect_sign_in"
	DecisionRedirectHome   Decision = "redirect_home"
	DecisionStable         Decision = "stable"
)

// Decide は現在のユーザー・画面グループ・ナビゲーション準備状態から遷移を決定する。
// 準備完了前は判定を行わない。
func Decide(user *api.User, group Group, ready bool) Decision {
	if !ready {
		return DecisionUninitialized
	}
	switch {
	case user == nil && group == GroupProtected:
		return DecisionRedirectSignIn
	case user != nil && group == GroupAuth:
		return DecisionRedirectHome
	default:
		return DecisionStable
	}
}

// Navigator は画面遷移の抽象。
type Navigator interface {
	// Current は現在の画面グループとナビゲーションの準備状態を返す。
	Current() (group Group, ready bool)
	// OnChange は画面グループか準備状態が変わるたびにfnを呼ぶ。戻り値で購読を解除する。
	OnChange(fn func()) (unsubscribe func())
	// Redirect は判定結果に従って遷移する。
	Redirect(d Decision)
}

// Guard は認証状態と画面の変化を監視し、必要に応じてリダイレクトする。
type Guard struct {
	state *authstate.Store
	nav   Navigator

	mu    sync.Mutex
	last  Decision
	stops []func()
}

// New はGuardを生成する。Startを呼ぶまで監視しない。
func New(state *authstate.Store, nav Navigator) *Guard {
	return &Guard{state: state, nav: nav, last: DecisionUninitialized}
}

// Start は監視を開始し、現在の状態で1回判定する。
func (g *Guard) Start() {
	g.mu.Lock()
	g.stops = append(g.stops,
		authstate.Select(g.state, func(st authstate.State) bool { return st.User != nil }, func(bool) {
			g.Evaluate()
		}),
		g.nav.OnChange(func() { g.Evaluate() }),
	)
	g.mu.Unlock()

	g.Evaluate()
}

// Stop は監視を終了する。
func (g *Guard) Stop() {
	g.mu.Lock()
	stops := g.stops
	g.stops = nil
	g.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// Evaluate は現在の状態で判定し、リダイレクトが必要なら遷移する。
func (g *Guard) Evaluate() Decision {
	group, ready := g.nav.Current()
	d := Decide(g.state.Get().User, group, ready)

	g.mu.Lock()
	g.last = d
	g.mu.Unlock()

	if d == DecisionRedirectSignIn || d == DecisionRedirectHome {
		g.nav.Redirect(d)
	}
	return d
}

// Last は直近の判定結果を返す。
func (g *Guard) Last() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
