package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hitoshi/yahn/internal/model"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーとバックグラウンド同期を起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はバックグラウンド同期のみを起動することを示す。
	CommandWorker Command = "worker"
	// CommandSync は1回だけ同期を実行することを示す。
	CommandSync Command = "sync"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。引数が空の場合はserveとして起動する。
func Run(w io.Writer, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	return RunContext(ctx, w, args)
}

// RunContext はctxを親コンテキストとしてコマンドを実行する。
// ログとコマンドの出力はwに書き込む。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand はyahnのコマンドツリーを構築する。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "yahn",
		Short:         "Hacker News local cache and sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, w, CommandServe, runServe)
		},
	}
	root.SetOut(w)
	root.SetErr(w)

	serveCmd := &cobra.Command{
		Use:   string(CommandServe),
		Short: "Start the HTTP API and background refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, w, CommandServe, runServe)
		},
	}

	workerCmd := &cobra.Command{
		Use:   string(CommandWorker),
		Short: "Run background refresh without the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, w, CommandWorker, runWorker)
		},
	}

	syncCmd := &cobra.Command{
		Use:   string(CommandSync),
		Short: "Synchronize once and exit",
	}
	syncCmd.AddCommand(
		&cobra.Command{
			Use:   "posts",
			Short: "Synchronize the top stories",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, w, CommandSync, func(ctx context.Context, a *App) error {
					return runSyncPosts(ctx, a, cmd.OutOrStdout())
				})
			},
		},
		&cobra.Command{
			Use:   "comments <post-id>",
			Short: "Synchronize the comment tree of a post",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				postID, err := parsePostID(args[0])
				if err != nil {
					return err
				}
				return withApp(cmd, w, CommandSync, func(ctx context.Context, a *App) error {
					return runSyncComments(ctx, a, postID, cmd.OutOrStdout())
				})
			},
		},
	)

	migrateCmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runMigrate(cfg, slog.Default())
		},
	}

	healthcheckCmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Check the /health endpoint of a running server",
		Args:  cobra.NoArgs,
		// 軽量サブコマンドのため、フル初期化をスキップする
		RunE: func(cmd *cobra.Command, args []string) error {
			port := os.Getenv("SERVER_PORT")
			if port == "" {
				port = "8080"
			}
			return runHealthcheck(cmd.Context(), port)
		},
	}

	root.AddCommand(serveCmd, workerCmd, syncCmd, migrateCmd, healthcheckCmd)
	return root
}

// withApp は設定を読み込んでAppを開き、fnを実行してから閉じる。
func withApp(cmd *cobra.Command, w io.Writer, name Command, fn func(context.Context, *App) error) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log := slog.Default()
	log.Info("starting application",
		slog.String("command", string(name)),
		slog.String("port", cfg.ServerPort),
		slog.String("database_path", cfg.DatabasePath),
	)

	a, err := Open(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(cmd.Context(), a)
}

// parsePostID はコマンドライン引数のポストIDを解析する。
func parsePostID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.NewInvalidIDError(raw)
	}
	return id, nil
}
