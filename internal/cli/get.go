package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-fetch/internal/api"
	"github.com/rescale/rescale-fetch/internal/cloud/providers"
	"github.com/rescale/rescale-fetch/internal/cloud/state"
	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/core"
	"github.com/rescale/rescale-fetch/internal/events"
	"github.com/rescale/rescale-fetch/internal/http"
	"github.com/rescale/rescale-fetch/internal/metrics"
	"github.com/rescale/rescale-fetch/internal/progress"
	"github.com/rescale/rescale-fetch/internal/ratelimit"
	"github.com/rescale/rescale-fetch/internal/transfer"
	strutil "github.com/rescale/rescale-fetch/internal/util/strings"
)

// statusPollInterval is how often get checks for a stalled task.
const statusPollInterval = 250 * time.Millisecond

type getOptions struct {
	descriptorFile  string
	descriptorURL   string
	token           string
	logicalPath     string
	accessSignature string
}

func newGetCmd(a *app) *cobra.Command {
	var opts getOptions

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Download a remote object",
		Long: `Download the object described by a descriptor.

The descriptor is read from a JSON file (--descriptor) or fetched from the
admission service (--from). Completed segments are kept in the resume
store; run again with --resume <session> to continue an interrupted
download without fetching them again.

Segments that exhaust their retries are retried up to --retry-rounds times
before the download is cancelled.

Examples:
  rescale-fetch get --descriptor job-output.json --output ./results
  rescale-fetch get --from https://admission.example.com/d/123 --token $TOKEN
  rescale-fetch get --descriptor job-output.json --resume 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (opts.descriptorFile == "") == (opts.descriptorURL == "") {
				return errors.New("exactly one of --descriptor or --from is required")
			}
			return runGet(commandContext(cmd), cmd, a.cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.descriptorFile, "descriptor", "d", "", "Descriptor JSON file")
	cmd.Flags().StringVar(&opts.descriptorURL, "from", "", "Admission service URL returning the descriptor")
	cmd.Flags().StringVar(&opts.token, "token", "", "Bearer token for --from")
	cmd.Flags().StringP("output", "o", "", "Output directory (default: current directory)")
	cmd.Flags().StringVar(&opts.logicalPath, "path", "", "Logical path used as resume key (default: file name)")
	cmd.Flags().StringVar(&opts.accessSignature, "access-signature", "", "Access signature used as part of the resume key")
	cmd.Flags().Int("retry-rounds", 0, "Rounds of retrying failed segments before giving up")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = a.v.BindPFlag(config.KeyOutputDir, cmd.Flags().Lookup("output"))
	_ = a.v.BindPFlag(config.KeyRetryRounds, cmd.Flags().Lookup("retry-rounds"))
	_ = a.v.BindPFlag(config.KeyMetricsAddr, cmd.Flags().Lookup("metrics-addr"))

	return cmd
}

func runGet(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts getOptions) error {
	logger := GetLogger()

	session := state.NewSession()
	if cfg.ResumeSession != "" {
		session = state.Session{ID: cfg.ResumeSession}
	}
	var store core.ResumeStore
	if err := config.EnsureStateDir(cfg.StateDir); err != nil {
		logger.Warn().Err(err).Msg("Resume store unavailable, continuing without resume")
	} else if s, err := state.Open(cfg.StateDir, session); err != nil {
		logger.Warn().Err(err).Msg("Resume store unavailable, continuing without resume")
	} else {
		defer s.Close()
		store = s
		session = s.Session()
	}

	httpClient, err := http.CreateOptimizedClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}

	var source api.DescriptorSource
	if opts.descriptorFile != "" {
		source = api.FileSource{Path: opts.descriptorFile}
	} else {
		client, err := api.NewClient(cfg, opts.descriptorURL, api.Options{Token: opts.token, Logger: logger})
		if err != nil {
			return err
		}
		source = client
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	bus := events.NewEventBus(0)
	defer bus.Close()

	ctrl, err := core.New(core.Options{
		Config:   cfg,
		Reader:   providers.NewFactory(cfg, httpClient),
		Store:    store,
		Limiters: ratelimit.NewLimiterStore(cfg.RequestsPerSecond, 1, logger),
		Events:   bus,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	req := core.Request{
		Source:          source,
		LogicalPath:     opts.logicalPath,
		AccessSignature: opts.accessSignature,
	}
	if err := ctrl.Prepare(ctx, req); err != nil {
		return fmt.Errorf("failed to prepare download: %w", err)
	}

	st := ctrl.Status()
	ui := progress.NewTaskUI(st.FileName, st.EncryptedTotal, st.PlainTotal)
	if st.ReusedSegments > 0 {
		ui.Printf("Resuming: %d of %d segments already downloaded\n", st.ReusedSegments, st.Segments)
	}
	if st.Message != "" {
		logger.Debug().Msg(st.Message)
	}

	uiCtx, stopUI := context.WithCancel(context.Background())
	uiDone := make(chan struct{})
	uiEvents := bus.SubscribeAll()
	go func() {
		defer close(uiDone)
		ui.Run(uiCtx, uiEvents)
	}()
	defer func() {
		bus.UnsubscribeAll(uiEvents)
		if n := bus.GetDroppedEventCount(); n > 0 {
			logger.Debug().Int64("dropped", n).Msg("Progress events dropped")
		}
	}()

	if err := ctrl.Start(ctx); err != nil {
		stopUI()
		<-uiDone
		return err
	}

	final, runErr := superviseRetries(ctx, ctrl, cfg.RetryRounds, ui)
	stopUI()
	<-uiDone

	switch final.State {
	case transfer.StateCompleted:
		runErr = nil
	case transfer.StateCancelled:
		runErr = errors.New("download cancelled")
		if len(final.Failed) > 0 {
			runErr = fmt.Errorf("%d %s failed after %d retry rounds",
				len(final.Failed), strutil.Pluralize("segment", int64(len(final.Failed))), cfg.RetryRounds)
		}
	default:
		if runErr == nil {
			runErr = errors.New(final.Message)
		}
	}
	ui.Complete(final.Output, runErr)
	ui.Wait()

	if runErr != nil {
		if final.State == transfer.StateCancelled && store != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Download incomplete. Resume with: rescale-fetch get ... --resume %s\n", session.ID)
		}
		return runErr
	}
	fmt.Fprintln(cmd.OutOrStdout(), final.Output)
	return nil
}

// superviseRetries waits for the run to end. Each time the task stalls on
// failed segments it requeues them, up to rounds times, then cancels.
func superviseRetries(ctx context.Context, ctrl *core.Controller, rounds int, ui *progress.TaskUI) (core.Status, error) {
	done := make(chan struct{})
	var (
		final core.Status
		err   error
	)
	go func() {
		defer close(done)
		final, err = ctrl.Wait(context.Background())
	}()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	used := 0
	cancelled := ctx.Done()
	for {
		select {
		case <-done:
			return final, err
		case <-cancelled:
			cancelled = nil
			_ = ctrl.Cancel()
		case <-ticker.C:
			st := ctrl.Status()
			if !st.Stalled {
				continue
			}
			if used >= rounds {
				ui.Printf("%d segments still failing, giving up\n", len(st.Failed))
				_ = ctrl.Cancel()
				continue
			}
			used++
			indices, rerr := ctrl.RetryFailed()
			if rerr == nil && len(indices) > 0 {
				ui.Printf("Retry round %d/%d: %d segments\n", used, rounds, len(indices))
			}
		}
	}
}
