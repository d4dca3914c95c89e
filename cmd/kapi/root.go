package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kilimcininkoroglu/kapi/internal/config"
	"github.com/kilimcininkoroglu/kapi/internal/logging"
	"github.com/kilimcininkoroglu/kapi/internal/version"
)

// globalOptions are the persistent flags shared by every subcommand. Empty
// values leave the configuration file untouched.
type globalOptions struct {
	configFile string
	profile    string
	logLevel   string
	logFormat  string
	logFile    string
	outputDir  string
	style      string
	proxy      string
	limitRate  string
	quiet      bool
	noColor    bool
	insecure   bool
	metrics    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "kapi",
		Short:         "Network-aware download manager",
		Long:          "kapi confirms the network is usable before every download and gives up on transfers that never start.",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate(version.Get().String() + "\n")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withCode(ExitUsage, err)
	})

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Config file (default: first of $KAPI_CONFIG, ./kapi.yaml, ~/.config/kapi/config.yaml)")
	flags.StringVar(&opts.profile, "profile", "", "Named profile from the config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (console, json)")
	flags.StringVar(&opts.logFile, "log-file", "", "Write logs to a file instead of stderr")
	flags.StringVarP(&opts.outputDir, "output-dir", "P", "", "Output directory")
	flags.StringVar(&opts.style, "progress", "", "Progress style (bar, line, json, tui)")
	flags.StringVar(&opts.proxy, "proxy", "", "HTTP, HTTPS or SOCKS5 proxy URL")
	flags.StringVar(&opts.limitRate, "limit-rate", "", "Global bandwidth limit (e.g. 500K, 10M)")
	flags.StringVar(&opts.metrics, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "No progress output")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&opts.insecure, "no-check-certificate", false, "Skip TLS certificate verification")

	cmd.AddCommand(
		newGetCmd(opts),
		newBatchCmd(opts),
		newCheckCmd(opts),
		newMonitorCmd(opts),
		newInitConfigCmd(),
		newVersionCmd(),
	)
	return cmd
}

// usageArgs reports argument validation failures with the usage exit code.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return withCode(ExitUsage, err)
		}
		return nil
	}
}

// load reads the configuration, applies the profile and flag overrides,
// and initializes logging. The closer releases the log file.
func (o *globalOptions) load() (*config.Config, io.Closer, error) {
	var cfg *config.Config
	if o.configFile != "" {
		cfg = config.DefaultConfig()
		if err := cfg.LoadFile(o.configFile); err != nil {
			return nil, nil, withCode(ExitUsage, err)
		}
	} else {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, nil, withCode(ExitUsage, err)
		}
	}

	if o.profile != "" {
		if err := cfg.ApplyProfile(o.profile); err != nil {
			return nil, nil, withCode(ExitUsage, err)
		}
	}
	o.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, withCode(ExitUsage, fmt.Errorf("invalid configuration: %w", err))
	}

	closer, err := logging.Init(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, nil, withCode(ExitUsage, err)
	}
	return cfg, closer, nil
}

func (o *globalOptions) apply(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if o.logFile != "" {
		cfg.Logging.File = o.logFile
	}
	if o.outputDir != "" {
		cfg.Output.Directory = o.outputDir
	}
	if o.style != "" {
		cfg.Output.ProgressStyle = o.style
	}
	if o.proxy != "" {
		cfg.Proxy.URL = o.proxy
	}
	if o.limitRate != "" {
		cfg.Bandwidth.GlobalLimit = o.limitRate
	}
	if o.metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = o.metrics
	}
	if o.noColor {
		cfg.Output.Colors = false
	}
	if o.insecure {
		cfg.TLS.Verify = false
	}
	if cfg.Download.UserAgent == "" {
		cfg.Download.UserAgent = version.UserAgent()
	}
}
