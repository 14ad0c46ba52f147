package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// .env 可选，仅用于提供默认服务地址
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := pollOptions{}

	cmd := &cobra.Command{
		Use:   "capturecli",
		Short: "Capture a draft league auth token through the backend",
		Long: `Starts a capture session, prints the live view link to log in with,
polls until the token is captured and prints it to stdout.
The session is always ended on exit.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := newAPIClient(opts.server, nil)
			token, err := capture(ctx, client, opts, cmd.ErrOrStderr())
			if isConfigurationError(err) {
				return fmt.Errorf("%w (set BROWSERBASE_API_KEY and BROWSERBASE_PROJECT_ID on the server)", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	defaultServer := os.Getenv("CAPTURE_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	cmd.Flags().StringVar(&opts.server, "server", defaultServer, "backend base URL")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "check-token polling interval")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}

// capture 在 ctx 之上附加超时后执行一次捕获
func capture(ctx context.Context, client *apiClient, opts pollOptions, progress io.Writer) (string, error) {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	return client.Capture(ctx, opts.interval, progress)
}
