// Package cli provides the command-line interface for rescale-fetch.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/version"
)

var (
	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// app carries the settings shared by every subcommand of one root command.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)

	rootCmd := &cobra.Command{
		Use:   "rescale-fetch",
		Short: "Resumable, segmented downloads of encrypted remote objects",
		Long: `rescale-fetch ` + version.Version + ` - Built: ` + version.BuildTime + `
Downloads a remote object with parallel ranged requests, decrypts framed
containers on the fly and resumes interrupted transfers from a local store.

Settings are read from flags, RESCALE_FETCH_* environment variables and a
YAML config file, in that order of priority.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "Configuration file path (default "+config.DefaultConfigFile()+")")
	pf.Bool("debug", false, "Enable debug output")
	pf.String("log-format", "console", "Log format: console or json")
	pf.String("state-dir", "", "Resume store directory")
	pf.String("resume", "", "Resume session id printed by an interrupted download")
	pf.Int("connections", 0, "Concurrent ranged requests (1-16)")
	pf.String("retry-limit", "", "Retries per segment for transient errors, or \"unbounded\"")
	pf.Int("decrypt-workers", 0, "Parallel decrypt workers (1-32)")
	pf.Int64("segment-size", 0, "Plaintext bytes per segment")
	pf.Float64("rps", 0, "Request starts per second")
	pf.String("mode", "", "Pipeline mode: stream or batch")
	pf.String("proxy-mode", "", "Proxy mode: no-proxy, system, basic, ntlm")
	pf.String("proxy-host", "", "Proxy host")
	pf.Int("proxy-port", 0, "Proxy port")
	pf.String("proxy-user", "", "Proxy user")
	pf.String("no-proxy", "", "Comma-separated hosts or CIDRs that bypass the proxy")
	pf.String("s3-region", "", "Default S3 region")
	pf.String("s3-endpoint", "", "S3-compatible endpoint (path-style addressing)")

	for key, flag := range map[string]string{
		config.KeyDebug:              "debug",
		config.KeyLogFormat:          "log-format",
		config.KeyStateDir:           "state-dir",
		config.KeyResumeSession:      "resume",
		config.KeyConnectionLimit:    "connections",
		config.KeySegmentRetryLimit:  "retry-limit",
		config.KeyDecryptParallelism: "decrypt-workers",
		config.KeySegmentSize:        "segment-size",
		config.KeyRequestsPerSecond:  "rps",
		config.KeyMode:               "mode",
		config.KeyProxyMode:          "proxy-mode",
		config.KeyProxyHost:          "proxy-host",
		config.KeyProxyPort:          "proxy-port",
		config.KeyProxyUser:          "proxy-user",
		config.KeyNoProxy:            "no-proxy",
		config.KeyS3Region:           "s3-region",
		config.KeyS3Endpoint:         "s3-endpoint",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	rootCmd.AddCommand(newGetCmd(a))
	rootCmd.AddCommand(newSealCmd(a))
	rootCmd.AddCommand(newStateCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// load merges the config file, environment and flags into a.cfg and sets
// up the logger.
func (a *app) load(cmd *cobra.Command) error {
	a.v.SetEnvPrefix(config.EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	path := a.cfgFile
	if path == "" {
		path = config.DefaultConfigFile()
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg, warnings, err := config.Load(a.v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	logger = logging.NewLogger(cmd.ErrOrStderr(), logging.Format(cfg.LogFormat))
	if cfg.Debug {
		logging.SetGlobalLevel(zerolog.DebugLevel)
	}
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}
	if cfg.NeedsProxyPassword() {
		cfg.ProxyPassword = os.Getenv(config.EnvPrefix + "_PROXY_PASSWORD")
		if cfg.ProxyPassword == "" {
			return errors.New("proxy password required: set " + config.EnvPrefix + "_PROXY_PASSWORD")
		}
	}
	return nil
}

// Execute runs the CLI.
func Execute() error {
	// Create a context that can be cancelled by signals
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Loop so a second Ctrl+C while cleaning up does not kill the process.
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\n\nReceived signal %v, cancelling download...\n", sig)
				fmt.Fprintf(os.Stderr, "   Completed segments are kept for resume.\n\n")
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	err := rootCmd.ExecuteContext(rootContext)

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the global CLI context with signal handling.
// This context will be cancelled when the user presses Ctrl+C.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

// commandContext prefers the context cobra was executed with.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return GetContext()
}
