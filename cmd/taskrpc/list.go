package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tools the server exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			cs, err := f.connect(ctx, nil)
			if err != nil {
				return err
			}
			defer cs.Close()

			result, err := cs.ListTools(ctx, nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, tool := range result.Tools {
				headline.Fprint(out, tool.Name)
				dim.Fprintf(out, " (task support: %s)", tool.Mode())
				fmt.Fprintln(out)
				if tool.Description != "" {
					fmt.Fprintf(out, "  %s\n", tool.Description)
				}
			}
			if len(result.Tools) == 0 {
				dim.Fprintln(out, "no tools registered")
			}
			return nil
		},
	}
}
