// Package cli はnotekeep-clientのコマンドを定義する。
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hitoshi/notekeep/internal/client/api"
	"github.com/hitoshi/notekeep/internal/client/authstate"
	"github.com/hitoshi/notekeep/internal/client/config"
	"github.com/hitoshi/notekeep/internal/client/controller"
	"github.com/hitoshi/notekeep/internal/client/credstore"
	"github.com/hitoshi/notekeep/internal/client/guard"
	"github.com/hitoshi/notekeep/internal/logger"
)

// ErrNotSignedIn はログインが必要なコマンドを未ログインで実行したことを表す。
var ErrNotSignedIn = errors.New("not signed in: run `notekeep-client login` first")

// Runtime はコマンドが利用するクライアントの構成要素。
type Runtime struct {
	Controller *controller.Controller
	State      *authstate.Store
}

// Factory はコマンド実行時にRuntimeを生成する。
type Factory func(cmd *cobra.Command) (*Runtime, error)

// NewRootCommand はルートコマンドを生成する。
func NewRootCommand(factory Factory) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "notekeep-client",
		Short:         "Sign in to a notekeep server and manage the local session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newLoginCommand(factory),
		newRegisterCommand(factory),
		newLogoutCommand(factory),
		newWhoamiCommand(factory),
		newResetPasswordCommand(factory),
	)

	return rootCmd
}

// DefaultFactory は環境変数の設定からRuntimeを生成する。
func DefaultFactory(cmd *cobra.Command) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger.SetLevel(cfg.LogLevel)
	log := slog.Default()
	client := api.NewClient(cfg.APIURL, &http.Client{Timeout: cfg.HTTPTimeout}, log)

	creds, err := credstore.NewFileStore(cfg.CredentialsFile, cfg.CredentialsPassphrase)
	if err != nil {
		return nil, err
	}

	state := authstate.New(authstate.State{})
	ctrl := controller.New(client, creds, state,
		controller.WithNotifier(NewWriterNotifier(cmd.OutOrStdout(), cmd.ErrOrStderr())),
		controller.WithLogger(log),
		controller.WithProfileRefresh(),
	)

	return &Runtime{Controller: ctrl, State: state}, nil
}

// WriterNotifier は通知をコマンドの出力へ書き出す。
type WriterNotifier struct {
	out io.Writer
	err io.Writer
}

// NewWriterNotifier はWriterNotifierを生成する。
func NewWriterNotifier(out, errOut io.Writer) *WriterNotifier {
	return &WriterNotifier{out: out, err: errOut}
}

func (n *WriterNotifier) Success(msg string) {
	fmt.Fprintln(n.out, msg)
}

func (n *WriterNotifier) Error(msg string) {
	fmt.Fprintln(n.err, "error: "+msg)
}

// commandNavigator はコマンドを1画面とみなすNavigator。
// 保存済みセッションの復元が終わるまで準備未完了とする。
type commandNavigator struct {
	group     guard.Group
	ready     bool
	listeners []func()
	decision  guard.Decision
}

func (n *commandNavigator) Current() (guard.Group, bool) {
	return n.group, n.ready
}

func (n *commandNavigator) OnChange(fn func()) func() {
	n.listeners = append(n.listeners, fn)
	idx := len(n.listeners) - 1
	return func() { n.listeners[idx] = nil }
}

func (n *commandNavigator) Redirect(d guard.Decision) {
	n.decision = d
}

func (n *commandNavigator) markReady() {
	n.ready = true
	for _, fn := range n.listeners {
		if fn != nil {
			fn()
		}
	}
}

// session はセッションを復元し、groupに対するガードの判定を返す。
// 判定後もガードは監視を続けるため、呼び出し元はstopを呼ぶこと。
func session(cmd *cobra.Command, factory Factory, group guard.Group) (rt *Runtime, decision guard.Decision, stop func(), err error) {
	rt, err = factory(cmd)
	if err != nil {
		return nil, "", nil, err
	}

	nav := &commandNavigator{group: group}
	g := guard.New(rt.State, nav)
	g.Start()

	if err := rt.Controller.Rehydrate(cmd.Context()); err != nil {
		g.Stop()
		return nil, "", nil, err
	}
	nav.markReady()

	return rt, nav.decision, g.Stop, nil
}

// readSecret はフラグで指定されなかった値を標準入力から1行読み込む。
func readSecret(cmd *cobra.Command, r *bufio.Reader, value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt+": ")
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(prompt), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func userLine(u *api.User) string {
	verified := "unverified"
	if u.EmailVerified {
		verified = "verified"
	}
	return fmt.Sprintf("%s (%s, id=%s)", u.Email, verified, u.ID)
}
