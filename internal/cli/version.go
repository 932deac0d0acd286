package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-fetch/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Skip config loading so version works with a broken config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "rescale-fetch %s\n", version.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:    %s\n", version.BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  go:       %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "  platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
