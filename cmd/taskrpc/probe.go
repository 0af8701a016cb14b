package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/voocel/taskrpc/transport/streamable"
)

func newProbeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Send a raw POST to the endpoint and dump the HTTP exchange",
		Long: "probe reports the endpoint's raw HTTP behavior without starting a " +
			"session, which is useful when the handshake itself fails: wrong " +
			"paths, auth failures, and intercepting proxies all show up here.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			var opts []streamable.ClientOption
			if token := f.token(); token != "" {
				opts = append(opts, streamable.WithBearerToken(token))
			}

			result, err := streamable.Probe(ctx, f.serverURL, opts...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if result.StatusCode >= 200 && result.StatusCode < 300 {
				success.Fprintln(out, result.Status)
			} else {
				failure.Fprintln(out, result.Status)
			}

			names := make([]string, 0, len(result.Headers))
			for name := range result.Headers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				for _, value := range result.Headers[name] {
					dim.Fprintf(out, "%s: %s\n", name, value)
				}
			}

			if result.BodyPrefix != "" {
				fmt.Fprintln(out)
				fmt.Fprintln(out, result.BodyPrefix)
				if result.Truncated {
					dim.Fprintln(out, "(body truncated)")
				}
			}
			return nil
		},
	}
}
