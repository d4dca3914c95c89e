package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilimcininkoroglu/kapi/internal/config"
	"github.com/kilimcininkoroglu/kapi/internal/download"
	"github.com/kilimcininkoroglu/kapi/internal/tui"
	"github.com/kilimcininkoroglu/kapi/internal/ui"
)

// requestTemplate carries the per-download settings taken from cfg.
func requestTemplate(cfg *config.Config) download.Request {
	return download.Request{
		ConnectTimeout: cfg.Download.ConnectTimeout,
		ProbeTimeout:   cfg.Probe.Timeout,
		MaxRetries:     cfg.Download.Retries,
	}
}

// runQueue downloads every item of q and maps the outcome to an exit code.
func runQueue(parent context.Context, cfg *config.Config, q *download.Queue, quiet bool) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	detach := a.interruptOn(ctx)
	defer detach()

	template := requestTemplate(cfg)
	concurrency := cfg.Download.Concurrency
	start := time.Now()

	var runErr error
	if cfg.Output.ProgressStyle == "tui" && !quiet {
		runErr = runBoard(ctx, a, q, concurrency, template)
	} else {
		var printer *ui.Printer
		if !quiet {
			printer = ui.NewPrinter(os.Stdout, ui.Style(cfg.Output.ProgressStyle), ui.WithNoColor(!cfg.Output.Colors))
			a.orchestrator.OnEvent(printer.Handle)
		}
		runErr = q.Run(ctx, a.orchestrator, concurrency, template)
		if printer != nil && q.Count() > 1 {
			printer.Summary(q.Stats(), time.Since(start))
		}
	}

	stats := q.Stats()
	a.logger.Debug().
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("cancelled", stats.Cancelled).
		Dur("elapsed", time.Since(start)).
		Msg("Queue finished")

	return queueResult(runErr, stats)
}

// runBoard shows the interactive board while the queue runs. Leaving the
// board early stops the queue.
func runBoard(ctx context.Context, a *app, q *download.Queue, concurrency int, template download.Request) error {
	events, unsubscribe := a.orchestrator.Subscribe(256)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runDone := make(chan error, 1)
	go func() {
		runDone <- q.Run(runCtx, a.orchestrator, concurrency, template)
	}()

	model, err := tui.NewRunner(a.orchestrator, q.Count()).Run(runCtx, events)
	// Nothing reads the board's channel any more.
	unsubscribe()
	if err != nil || !model.Done() {
		cancelRun()
	}
	runErr := <-runDone
	if runErr == nil && err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return runErr
}

func queueResult(runErr error, stats download.QueueStats) error {
	switch {
	case errors.Is(runErr, context.Canceled):
		return withCode(ExitInterrupted, nil)
	case runErr != nil:
		return runErr
	case stats.TLSFailure > 0:
		return withCode(ExitTLS, fmt.Errorf("%d of %d downloads failed, %d with a TLS error", stats.Failed, stats.Total, stats.TLSFailure))
	case stats.Failed > 0:
		return withCode(ExitNetwork, fmt.Errorf("%d of %d downloads timed out", stats.Failed, stats.Total))
	case stats.Cancelled > 0:
		return withCode(ExitCancelled, fmt.Errorf("%d of %d downloads cancelled", stats.Cancelled, stats.Total))
	}
	return nil
}
