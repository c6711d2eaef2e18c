package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultServerPort = "9090"

// NewRootCommand はnotifydのルートコマンドを生成する。
// サブコマンド: run（デーモン起動）、migrate（ミラーのスキーマ適用）、healthcheck。
// ログはwに出力する。
func NewRootCommand(w io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "notifyd",
		Short:         "notifyd - replicated change notifications",
		Long:          "Replicates users, statistics and deployments, detects account changes and sends templated emails.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand(w))
	cmd.AddCommand(newMigrateCommand(w))
	cmd.AddCommand(newHealthcheckCommand())

	return cmd
}

func newRunCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the notification daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := Init(w)
			if err != nil {
				return err
			}
			log.Info("starting notifyd", slog.Any("config", cfg))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := NewDaemon(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer d.Close()

			return d.Run(ctx)
		},
	}
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the PostgreSQL mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := Init(w)
			if err != nil {
				return err
			}
			return RunMigrate(cfg, log)
		},
	}
}

// healthcheck は軽量サブコマンドのため、フル初期化をスキップする。
func newHealthcheckCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunHealthcheck(cmd.Context(), port)
		},
	}

	cmd.Flags().StringVar(&port, "port", envOr("SERVER_PORT", defaultServerPort), "ops server port")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Execute はルートコマンドを実行する。argsにはos.Args[1:]を渡す。
func Execute(ctx context.Context, w io.Writer, args []string) error {
	cmd := NewRootCommand(w)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
