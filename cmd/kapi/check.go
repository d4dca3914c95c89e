package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilimcininkoroglu/kapi/internal/metrics"
	"github.com/kilimcininkoroglu/kapi/internal/netcheck"
)

func newCheckCmd(opts *globalOptions) *cobra.Command {
	var (
		timeout time.Duration
		retries int
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one connectivity check and report the outcome",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer closer.Close()

			if retries <= 0 {
				retries = cfg.Download.Retries
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl := newController(cfg, metrics.New())
			results, err := ctrl.Check(ctx, netcheck.CheckOptions{
				Timeout:    timeout,
				MaxRetries: retries,
			})
			if err != nil {
				return err
			}
			res := <-results

			if !opts.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s after %d attempt(s) in %s\n",
					cfg.Probe.URL, res.Outcome, res.Attempts, res.Elapsed.Round(time.Millisecond))
			}

			switch {
			case res.OK():
				return nil
			case ctx.Err() != nil:
				return withCode(ExitInterrupted, nil)
			case res.Outcome == netcheck.OutcomeTLSFailure:
				return withCode(ExitTLS, nil)
			default:
				return withCode(ExitNetwork, nil)
			}
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Per-attempt probe timeout (default from config)")
	cmd.Flags().IntVarP(&retries, "retries", "r", 0, "Probe attempts (default from config)")
	return cmd
}
