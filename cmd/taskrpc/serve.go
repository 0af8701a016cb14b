package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voocel/taskrpc/bridge"
	"github.com/voocel/taskrpc/config"
	"github.com/voocel/taskrpc/server"
	"github.com/voocel/taskrpc/servers/demo"
	"github.com/voocel/taskrpc/transport"
	"github.com/voocel/taskrpc/transport/streamable"
	"github.com/voocel/taskrpc/transport/ws"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo tool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			level, err := parseLogLevel(cfg.SlogLevel())
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to TOML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var sandbox *bridge.SandboxClient
	if cfg.Sandbox.URL != "" {
		sandbox = bridge.NewSandboxClient(cfg.Sandbox.URL)
	}

	srv := demo.NewServer(&demo.Options{
		UploadDir:     cfg.Server.UploadDir,
		Sandbox:       sandbox,
		SyncThreshold: cfg.Server.SyncThreshold.Std(),
		TaskTTL:       cfg.Server.TaskTTL.Std(),
		Logger:        logger,
	})
	defer srv.Close()

	handlerOpts := []streamable.HandlerOption{
		streamable.WithHandlerLogger(logger),
	}
	wsOpts := []ws.HandlerOption{}
	if len(cfg.Server.BearerTokens) > 0 {
		handlerOpts = append(handlerOpts, streamable.WithBearerTokens(cfg.Server.BearerTokens))
		wsOpts = append(wsOpts, ws.WithBearerTokens(cfg.Server.BearerTokens...))
	}

	httpHandler := streamable.NewHTTPHandler(func(r *http.Request) *server.Server {
		return srv
	}, handlerOpts...)
	defer httpHandler.Close()

	wsHandler := ws.NewHandler(func(ctx context.Context, t transport.Transport) (ws.ServerSession, error) {
		return srv.Connect(ctx, t)
	}, wsOpts...)
	defer wsHandler.Close()

	mux := http.NewServeMux()
	mux.Handle("/", httpHandler)
	mux.Handle("/ws", wsHandler)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
