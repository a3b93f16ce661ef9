// Command notekeep-client はnotekeepサーバーへのログインとローカルセッションの管理を行う。
//
//	notekeep-client login -e <email>
//	notekeep-client register -e <email>
//	notekeep-client whoami
//	notekeep-client logout
//	notekeep-client reset-password -e <email> | --token <token>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hitoshi/notekeep/internal/client/cli"
	"github.com/hitoshi/notekeep/internal/logger"
)

func main() {
	logger.SetupDefault(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(cli.DefaultFactory).ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "notekeep-client: %v\n", err)
		os.Exit(1)
	}
}
