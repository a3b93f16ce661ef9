// Command notekeep はnotekeepの認証APIサーバー・ワーカー・マイグレーションを起動する。
//
//	notekeep [serve]          APIサーバー（デフォルト）
//	notekeep worker           期限切れセッション・トークンのクリーンアップ
//	notekeep migrate [up|down]
//	notekeep healthcheck      distrolessコンテナ用のヘルスチェック
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/notekeep/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "notekeep: %v\n", err)
		os.Exit(1)
	}
}
