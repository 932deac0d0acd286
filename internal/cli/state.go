package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-fetch/internal/cloud/state"
	"github.com/rescale/rescale-fetch/internal/config"
)

func newStateCmd(a *app) *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Manage the resume store",
		Long: `Commands for the local resume store.

Commands:
  clear - Delete cached descriptors and downloaded segments
  path  - Show the resume store directory`,
	}

	stateCmd.AddCommand(newStateClearCmd(a))
	stateCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the resume store directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), a.cfg.StateDir)
			return nil
		},
	})

	return stateCmd
}

func newStateClearCmd(a *app) *cobra.Command {
	var logicalPath, accessSignature string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete resume state",
		Long: `Delete resume state.

Without --path every cached descriptor and segment is removed. With --path
only that download is cleared, which needs the session it was started in
(--resume).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()
			cfg := a.cfg

			session := state.Session{ID: cfg.ResumeSession}
			if logicalPath != "" && session.ID == "" {
				return errors.New("--resume is required to clear a single download")
			}
			if session.ID == "" {
				session = state.NewSession()
			}

			if err := config.EnsureStateDir(cfg.StateDir); err != nil {
				return fmt.Errorf("failed to create state directory: %w", err)
			}
			store, err := state.Open(cfg.StateDir, session)
			if err != nil {
				return err
			}
			defer store.Close()

			if logicalPath != "" {
				if err := store.DeleteAll(state.CacheKey(logicalPath, accessSignature)); err != nil {
					return err
				}
				logger.Info().Str("path", logicalPath).Msg("Resume state cleared")
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared resume state for %s\n", logicalPath)
				return nil
			}

			if err := store.PurgeAll(); err != nil {
				return err
			}
			logger.Info().Str("dir", cfg.StateDir).Msg("Resume store cleared")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared resume store %s\n", cfg.StateDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&logicalPath, "path", "", "Logical path of the download to clear")
	cmd.Flags().StringVar(&accessSignature, "access-signature", "", "Access signature of the download to clear")

	return cmd
}
