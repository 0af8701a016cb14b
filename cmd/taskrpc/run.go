package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/voocel/taskrpc/bridge"
)

func newRunCmd(f *rootFlags) *cobra.Command {
	var (
		script     string
		sandboxURL string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a script in the sandbox and route its tool directive to the server",
		Long: "run sends a script to the sandbox service. When the script's result " +
			"carries a tool directive, the named tool is called once on the server " +
			"and its outcome is reported alongside the script's.",
		Example: `  taskrpc run --sandbox-url http://localhost:9000/execute --script 'greet("world")'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			return runScript(ctx, cmd, f, sandboxURL, script)
		},
	}

	cmd.Flags().StringVar(&script, "script", "", "script to execute")
	cmd.Flags().StringVar(&sandboxURL, "sandbox-url", "", "sandbox execute endpoint (or TASKRPC_SANDBOX_URL)")
	_ = cmd.MarkFlagRequired("script")

	return cmd
}

func runScript(ctx context.Context, cmd *cobra.Command, f *rootFlags, sandboxURL, script string) error {
	if sandboxURL == "" {
		sandboxURL = os.Getenv("TASKRPC_SANDBOX_URL")
	}
	if sandboxURL == "" {
		return fmt.Errorf("no sandbox endpoint: set --sandbox-url or TASKRPC_SANDBOX_URL")
	}

	out := cmd.OutOrStdout()
	cs, err := f.connect(ctx, nil)
	if err != nil {
		return err
	}
	defer cs.Close()

	b := bridge.New(bridge.NewSandboxClient(sandboxURL), cs, slog.Default())
	outcome, err := b.Run(ctx, script)
	if err != nil {
		return err
	}

	for _, line := range outcome.Sandbox.Logs {
		dim.Fprintln(out, line)
	}
	if outcome.Sandbox.Result != nil {
		if encoded, err := json.MarshalIndent(outcome.Sandbox.Result, "", "  "); err == nil {
			fmt.Fprintln(out, string(encoded))
		}
	}
	if !outcome.Sandbox.OK() {
		failure.Fprintln(out, outcome.Sandbox.Error)
		return fmt.Errorf("script execution failed")
	}

	if outcome.Directive == nil {
		return nil
	}

	headline.Fprintf(out, "follow-up: %s\n", outcome.Directive.Tool)
	if outcome.FollowUpErr != nil {
		failure.Fprintln(out, outcome.FollowUpErr.Error())
		return fmt.Errorf("follow-up call failed")
	}
	return printResult(out, outcome.Directive.Tool, outcome.FollowUp)
}
