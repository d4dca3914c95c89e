package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilimcininkoroglu/kapi/internal/metrics"
	"github.com/kilimcininkoroglu/kapi/internal/netcheck"
)

func newMonitorCmd(opts *globalOptions) *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Report network availability changes until interrupted",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := netcheck.NewMonitor(netcheck.InterfaceDetector{},
				netcheck.WithMonitorInterval(cfg.Probe.MonitorInterval),
				netcheck.WithMonitorHost(cfg.Probe.MonitorHost),
			)
			changes, unsubscribe := m.Subscribe()
			defer unsubscribe()
			go m.Run(ctx)

			var ctrl *netcheck.Controller
			if verify {
				ctrl = newController(cfg, metrics.New())
				defer ctrl.Wait()
				defer ctrl.CancelAllPendingProbes()
			}

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case online := <-changes:
					report(out, "network", availability(online))
					if online && ctrl != nil {
						ctrl.CheckConnectivity(ctx, netcheck.CheckOptions{MaxRetries: cfg.Download.Retries, Debounce: true},
							func() { report(out, "probe", netcheck.OutcomeSuccess.String()) },
							func(o netcheck.Outcome) { report(out, "probe", o.String()) },
						)
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "Run a connectivity check whenever the network comes back")
	return cmd
}

func availability(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func report(w io.Writer, what, state string) {
	fmt.Fprintf(w, "%s  %-7s %s\n", time.Now().Format(time.TimeOnly), what, state)
}
