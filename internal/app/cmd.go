package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// MigrateDirection はmigrateサブコマンドの適用方向を表す。
type MigrateDirection string

const (
	// MigrateUp は未適用のマイグレーションを全て適用する。
	MigrateUp MigrateDirection = "up"
	// MigrateDown は直近のマイグレーションを1つ取り消す。
	MigrateDown MigrateDirection = "down"
)

// ParseMigrateDirection はmigrateサブコマンドの引数から適用方向を解析する。
// 指定がない場合やサポート外の値の場合はMigrateUpを返す。
func ParseMigrateDirection(args []string) MigrateDirection {
	if len(args) < 2 {
		return MigrateUp
	}
	if args[1] == "down" {
		return MigrateDown
	}
	return MigrateUp
}
