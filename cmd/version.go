// File: cmd/version.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the application version.
// Set it at build time: go build -ldflags "-X github.com/xkilldash9x/sparkle/cmd.Version=1.0.0"
var Version = "0.1.0"

func newVersionCmd() *cobra.Command {
	var withBrowser bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version and, with --browser, the connected browser's version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "sparkle %s\n", Version)
			if !withBrowser {
				return nil
			}
			return withPage(cmd, func(s *pageSession) error {
				v, err := s.browser.Version(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "browser %s\n", v)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withBrowser, "browser", false, "connect to the WebDriver endpoint and report the browser version")
	return cmd
}
