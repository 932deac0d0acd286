package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-fetch/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect rescale-fetch configuration",
		Long: `Configuration commands for rescale-fetch.

Commands:
  show  - Display the effective configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigShowCmd(a))
	configCmd.AddCommand(newConfigPathCmd(a))

	return configCmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration.

Values are merged from:
  1. Configuration file (--config, default ` + config.DefaultConfigFile() + `)
  2. Environment variables (` + config.EnvPrefix + `_<KEY>)
  3. Command-line flags

Priority: flags > environment > config file > defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			w := cmd.OutOrStdout()

			retryLimit := fmt.Sprint(cfg.SegmentRetryLimit)
			if cfg.RetryUnbounded() {
				retryLimit = "unbounded"
			}

			fmt.Fprintln(w, "Current Configuration")
			fmt.Fprintln(w, "=====================")
			fmt.Fprintln(w)

			fmt.Fprintln(w, "Transfer Settings:")
			fmt.Fprintf(w, "  Connections:         %d\n", cfg.ConnectionLimit)
			fmt.Fprintf(w, "  Segment Size:        %d\n", cfg.SegmentSize)
			fmt.Fprintf(w, "  Segment Retry Limit: %s\n", retryLimit)
			fmt.Fprintf(w, "  Decrypt Workers:     %d\n", cfg.DecryptParallelism)
			fmt.Fprintf(w, "  Requests/Second:     %g\n", cfg.RequestsPerSecond)
			fmt.Fprintf(w, "  Mode:                %s\n", cfg.Mode)
			fmt.Fprintln(w)

			fmt.Fprintln(w, "Storage:")
			fmt.Fprintf(w, "  State Dir:    %s\n", cfg.StateDir)
			fmt.Fprintf(w, "  Output Dir:   %s\n", cfg.OutputDir)
			fmt.Fprintf(w, "  Fallback Dir: %s\n", cfg.FallbackDir)
			fmt.Fprintln(w)

			fmt.Fprintln(w, "Proxy Settings:")
			fmt.Fprintf(w, "  Proxy Mode: %s\n", cfg.ProxyMode)
			if cfg.ProxyHost != "" {
				fmt.Fprintf(w, "  Proxy Host: %s\n", cfg.ProxyHost)
				fmt.Fprintf(w, "  Proxy Port: %d\n", cfg.ProxyPort)
			}
			if cfg.ProxyUser != "" {
				fmt.Fprintf(w, "  Proxy User: %s\n", cfg.ProxyUser)
			}
			if cfg.NoProxy != "" {
				fmt.Fprintf(w, "  No Proxy:   %s\n", cfg.NoProxy)
			}

			if cfg.S3Region != "" || cfg.S3Endpoint != "" {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "S3:")
				fmt.Fprintf(w, "  Region:   %s\n", cfg.S3Region)
				fmt.Fprintf(w, "  Endpoint: %s\n", cfg.S3Endpoint)
			}
			return nil
		},
	}
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			configPath := a.cfgFile
			if configPath == "" {
				configPath = config.DefaultConfigFile()
				fmt.Fprintln(w, "Default configuration path:")
			} else {
				fmt.Fprintln(w, "Configuration path (from --config flag):")
			}
			fmt.Fprintf(w, "  %s\n", configPath)

			if info, err := os.Stat(configPath); err == nil {
				fmt.Fprintln(w, "Status: ✓ File exists")
				fmt.Fprintf(w, "Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintln(w, "Status: File does not exist (using defaults)")
			}
			return nil
		},
	}
}
