// File: cmd/eval.go
package cmd

import (
	"fmt"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/sparkle/api/schemas"
)

func newEvalCmd() *cobra.Command {
	var waitUntil string

	cmd := &cobra.Command{
		Use:   "eval URL SCRIPT",
		Short: "Open a URL and print the JSON result of a JavaScript expression",
		Example: `  sparkle eval https://example.com document.title
  sparkle eval https://example.com 'return [...document.links].map(a => a.href)'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := schemas.ParseLoadState(waitUntil)
			if err != nil {
				return err
			}
			return withPage(cmd, func(s *pageSession) error {
				ctx := cmd.Context()
				if err := s.page.Goto(ctx, args[0], state); err != nil {
					return err
				}
				raw, err := s.page.Evaluate(ctx, args[1])
				if err != nil {
					return err
				}
				out, err := formatResult(raw)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&waitUntil, "wait-until", "load", "load state to wait for before evaluating")
	return cmd
}

// formatResult pretty prints a script result with sorted object keys.
func formatResult(raw []byte) (string, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("failed to decode result: %w", err)
	}
	out, err := json.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format result: %w", err)
	}
	return string(out), nil
}
