package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilimcininkoroglu/kapi/internal/download"
)

func newGetCmd(opts *globalOptions) *cobra.Command {
	var (
		output   string
		checksum string
		timeout  time.Duration
		retries  int
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "get URL [URL...]",
		Short: "Download one or more URLs",
		Example: `  kapi get https://example.com/file.iso
  kapi get -o disk.img --checksum sha256:abc123... https://example.com/file.iso
  kapi get sftp://user@host/data/dump.sql.gz ftp://ftp.example.com/pub/README`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" && len(args) > 1 {
				return withCode(ExitUsage, fmt.Errorf("--output only applies to a single URL"))
			}
			if checksum != "" && len(args) > 1 {
				return withCode(ExitUsage, fmt.Errorf("--checksum only applies to a single URL"))
			}

			cfg, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer closer.Close()

			if timeout > 0 {
				cfg.Download.ConnectTimeout = timeout
			}
			if retries > 0 {
				cfg.Download.Retries = retries
			}
			if parallel > 0 {
				cfg.Download.Concurrency = parallel
			}

			q := download.NewQueue(cfg.Output.Directory)
			for _, rawURL := range args {
				if err := q.AddWithOptions(rawURL, output, checksum); err != nil {
					return withCode(ExitUsage, fmt.Errorf("%s: %w", rawURL, err))
				}
			}
			return runQueue(cmd.Context(), cfg, q, opts.quiet)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file name (derived from the URL when empty)")
	cmd.Flags().StringVar(&checksum, "checksum", "", "Expected checksum as algorithm:hex (md5, sha1, sha256, sha512, blake3)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Time allowed to reach the transfer (default from config)")
	cmd.Flags().IntVarP(&retries, "retries", "r", 0, "Connectivity probe attempts (default from config)")
	cmd.Flags().IntVarP(&parallel, "parallel", "j", 0, "Downloads in flight at once (default from config)")
	return cmd
}
