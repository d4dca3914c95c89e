package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilimcininkoroglu/kapi/internal/download"
	"github.com/kilimcininkoroglu/kapi/internal/logging"
	"github.com/kilimcininkoroglu/kapi/internal/metalink"
)

func newBatchCmd(opts *globalOptions) *cobra.Command {
	var parallel int

	cmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Download every URL listed in a file",
		Long: `Each line holds "URL [OUTPUT] [CHECKSUM]" or "URL|OUTPUT|CHECKSUM".
Blank lines and lines starting with # are skipped. Files ending in
.metalink or .meta4 are read as Metalink documents; each file is fetched
from its preferred source and checked against its strongest hash.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer closer.Close()

			if parallel > 0 {
				cfg.Download.Concurrency = parallel
			}

			q := download.NewQueue(cfg.Output.Directory)
			if err := loadBatch(q, args[0]); err != nil {
				return withCode(ExitUsage, err)
			}
			if q.Count() == 0 {
				return withCode(ExitUsage, fmt.Errorf("no URLs found in %s", args[0]))
			}
			return runQueue(cmd.Context(), cfg, q, opts.quiet)
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "j", 0, "Downloads in flight at once (default from config)")
	return cmd
}

func loadBatch(q *download.Queue, path string) error {
	if !metalink.IsMetalink(path) {
		return q.LoadFromFile(path)
	}

	entries, err := metalink.ParseFile(path)
	if err != nil {
		return err
	}
	logger := logging.Component("batch")
	for _, e := range entries {
		if err := q.AddWithOptions(e.URL, e.Name, e.Checksum); err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
		if len(e.Mirrors) > 0 {
			logger.Debug().Str("file", e.Name).Strs("unused_mirrors", e.Mirrors).Msg("Using preferred source only")
		}
	}
	return nil
}
