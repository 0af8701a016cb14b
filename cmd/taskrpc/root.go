package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/voocel/taskrpc/client"
	"github.com/voocel/taskrpc/transport/streamable"
)

type rootFlags struct {
	serverURL   string
	bearerToken string
	timeout     time.Duration
	logLevel    string
}

var (
	headline = color.New(color.FgCyan, color.Bold)
	success  = color.New(color.FgGreen)
	failure  = color.New(color.FgRed)
	dim      = color.New(color.Faint)
)

func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "taskrpc",
		Short: "taskrpc - remote tool invocation over HTTP",
		Long:  "taskrpc runs and drives tool servers with background tasks, elicitation, and sandboxed scripts",
		Example: `  taskrpc serve --config taskrpc.toml
  taskrpc list --server-url http://localhost:8080
  taskrpc call slow_task --duration 3
  taskrpc probe --server-url http://localhost:8080`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(flags.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: level,
			})))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.serverURL, "server-url", "http://localhost:8080", "server endpoint")
	cmd.PersistentFlags().StringVar(&flags.bearerToken, "bearer-token", "", "bearer token (or TASKRPC_BEARER_TOKEN)")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 2*time.Minute, "overall operation timeout")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newListCmd(&flags))
	cmd.AddCommand(newCallCmd(&flags))
	cmd.AddCommand(newProbeCmd(&flags))
	cmd.AddCommand(newRunCmd(&flags))

	return cmd
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func (f *rootFlags) token() string {
	if f.bearerToken != "" {
		return f.bearerToken
	}
	return os.Getenv("TASKRPC_BEARER_TOKEN")
}

// connect dials the server and completes the handshake.
func (f *rootFlags) connect(ctx context.Context, opts *client.ClientOptions) (*client.ClientSession, error) {
	var transportOpts []streamable.ClientOption
	if token := f.token(); token != "" {
		transportOpts = append(transportOpts, streamable.WithBearerToken(token))
	}

	ct, err := streamable.NewClientTransport(f.serverURL, transportOpts...)
	if err != nil {
		return nil, err
	}

	c := client.NewClient(&client.ClientInfo{Name: "taskrpc-cli", Version: "1.0.0"}, opts)
	cs, err := c.Connect(ctx, ct)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", f.serverURL, err)
	}
	return cs, nil
}
