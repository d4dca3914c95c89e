package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/kilimcininkoroglu/kapi/internal/config"
	"github.com/kilimcininkoroglu/kapi/internal/download"
	"github.com/kilimcininkoroglu/kapi/internal/engine"
	"github.com/kilimcininkoroglu/kapi/internal/hooks"
	"github.com/kilimcininkoroglu/kapi/internal/logging"
	"github.com/kilimcininkoroglu/kapi/internal/metrics"
	"github.com/kilimcininkoroglu/kapi/internal/netcheck"
	"github.com/kilimcininkoroglu/kapi/internal/protocol"
)

const shutdownTimeout = 5 * time.Second

// app is the wired download stack for one command invocation.
type app struct {
	cfg          *config.Config
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	metricsSrv   *metrics.Server
	hooks        *hooks.Manager
	controller   *netcheck.Controller
	engine       *engine.Engine
	orchestrator *download.Orchestrator
	http3        *protocol.HTTP3Client
}

// newApp builds every component from cfg. Logging must already be
// initialized.
func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logging.Component("app"),
		metrics: metrics.New(),
	}

	netrc, err := config.LoadNetrc(cfg.Download.Netrc)
	if err != nil {
		return nil, withCode(ExitUsage, err)
	}

	a.controller = newController(cfg, a.metrics)

	registry := a.newRegistry(netrc)
	engineCfg, err := newEngineConfig(cfg)
	if err != nil {
		return nil, withCode(ExitUsage, err)
	}
	a.engine = engine.New(registry, engineCfg)

	a.orchestrator = download.New(a.controller, a.engine, download.Config{
		ConnectTimeout:    cfg.Download.ConnectTimeout,
		MinConnectTimeout: cfg.Download.MinConnectTimeout,
		MaxRetries:        cfg.Download.Retries,
		WatchdogTick:      cfg.Download.WatchdogTick,
	})

	a.hooks = newHookManager(cfg.Hooks)
	a.orchestrator.OnEvent(a.metrics.Observe)
	a.orchestrator.OnEvent(a.hooks.Observe)

	if cfg.Metrics.Enabled {
		a.metricsSrv = metrics.NewServer(cfg.Metrics.Addr, a.metrics)
		if err := a.metricsSrv.Start(); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// httpOptions are the transport settings shared by the prober and the
// HTTP fetcher.
func httpOptions(cfg *config.Config) []protocol.HTTPClientOption {
	return []protocol.HTTPClientOption{
		protocol.WithProxy(cfg.Proxy.URL),
		protocol.WithInsecureSkipVerify(!cfg.TLS.Verify),
		protocol.WithForceHTTP1(cfg.TLS.ForceHTTP1),
	}
}

func newController(cfg *config.Config, m *metrics.Metrics) *netcheck.Controller {
	prober := netcheck.NewHTTPProber(
		netcheck.WithProbeURL(cfg.Probe.URL),
		netcheck.WithFallbackAddr(cfg.Probe.FallbackAddr),
		netcheck.WithFallbackProxy(cfg.Proxy.URL),
		netcheck.WithProbeUserAgent(cfg.Download.UserAgent),
		netcheck.WithHTTPOptions(httpOptions(cfg)...),
	)

	backoff := netcheck.DefaultBackoffConfig()
	backoff.InitialDelay = cfg.Probe.BackoffInitial
	backoff.MaxDelay = cfg.Probe.BackoffMax
	backoff.Jitter = cfg.Probe.BackoffJitter

	return netcheck.NewController(m.WrapProber(prober), netcheck.ControllerConfig{
		Capacity:         int64(cfg.Probe.Capacity),
		DebounceInterval: cfg.Probe.Debounce,
		ProbeTimeout:     cfg.Probe.Timeout,
		Backoff:          backoff,
	})
}

func (a *app) newRegistry(netrc *config.Netrc) *protocol.Registry {
	cfg := a.cfg
	registry := protocol.NewRegistry()

	// The watchdog bounds the wait for the first byte; a whole-request
	// timeout would cut off long transfers.
	httpOpts := append(httpOptions(cfg),
		protocol.WithTimeout(0),
		protocol.WithConnectTimeout(cfg.Download.ConnectTimeout),
		protocol.WithUserAgent(cfg.Download.UserAgent),
		protocol.WithCredentials(netrc),
	)
	for _, auth := range cfg.Auth {
		httpOpts = append(httpOpts, protocol.WithTokenSource(auth.Host, newTokenSource(auth)))
	}
	registry.Register(protocol.NewHTTPClient(httpOpts...))

	if cfg.Download.HTTP3 {
		a.http3 = protocol.NewHTTP3Client(
			protocol.WithHTTP3UserAgent(cfg.Download.UserAgent),
			protocol.WithHTTP3InsecureSkipVerify(!cfg.TLS.Verify),
		)
		registry.Register(a.http3)
	}

	registry.Register(protocol.NewFTPClient(
		protocol.WithFTPTimeout(cfg.Download.ConnectTimeout),
		protocol.WithFTPCredentials(netrc),
		protocol.WithFTPSkipTLSVerify(!cfg.TLS.Verify),
	))

	sftpOpts := []protocol.SFTPClientOption{
		protocol.WithSFTPTimeout(cfg.Download.ConnectTimeout),
		protocol.WithSFTPCredentials(netrc),
		protocol.WithSFTPInsecure(cfg.SSH.Insecure),
	}
	if cfg.SSH.PrivateKey != "" {
		sftpOpts = append(sftpOpts, protocol.WithSFTPPrivateKey(cfg.SSH.PrivateKey))
	}
	if cfg.SSH.KnownHosts != "" {
		sftpOpts = append(sftpOpts, protocol.WithSFTPKnownHosts(cfg.SSH.KnownHosts))
	}
	registry.Register(protocol.NewSFTPClient(sftpOpts...))

	registry.Register(protocol.NewS3Client(
		protocol.WithS3Profile(cfg.S3.Profile),
		protocol.WithS3Region(cfg.S3.Region),
		protocol.WithS3Endpoint(cfg.S3.Endpoint, cfg.S3.PathStyle),
	))

	return registry
}

// newTokenSource returns a cached client-credentials source when a token
// URL is configured, else the static token.
func newTokenSource(auth config.AuthConfig) oauth2.TokenSource {
	if auth.TokenURL == "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: auth.Token, TokenType: "Bearer"})
	}
	cc := &clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}
	return cc.TokenSource(context.Background())
}

func newEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := engine.Config{
		BufferSize:       cfg.Download.BufferSize,
		ProgressInterval: cfg.Download.ProgressInterval,
	}

	global, err := config.ParseBandwidth(cfg.Bandwidth.GlobalLimit)
	if err != nil {
		return ec, fmt.Errorf("global limit: %w", err)
	}
	ec.RateLimiter = engine.NewRateLimiter(global)

	perHost, err := config.ParseBandwidth(cfg.Bandwidth.PerHostLimit)
	if err != nil {
		return ec, fmt.Errorf("per-host limit: %w", err)
	}
	if perHost == 0 && len(cfg.Bandwidth.HostLimits) == 0 {
		return ec, nil
	}

	ec.HostLimits = engine.NewPerHostRateLimiter(perHost)
	for _, hl := range cfg.Bandwidth.HostLimits {
		limit, err := config.ParseBandwidth(hl.Limit)
		if err != nil {
			return ec, fmt.Errorf("limit for %s: %w", hl.Host, err)
		}
		ec.HostLimits.SetHostLimit(hl.Host, limit)
	}
	return ec, nil
}

func newHookManager(hc config.HooksConfig) *hooks.Manager {
	statuses := hooks.DefaultStatuses
	if hc.OnDownloading {
		statuses = append([]download.Status{download.StatusDownloading}, statuses...)
	}

	m := hooks.NewManager()
	for _, command := range hc.Commands {
		h := hooks.NewCommandHook(command, statuses...)
		if hc.Timeout > 0 {
			h.Timeout = hc.Timeout
		}
		m.Add(h)
	}
	for _, url := range hc.Webhooks {
		m.Add(hooks.NewWebhookHook(url, statuses...))
	}
	return m
}

// interruptOn cancels every task and pending probe once ctx is done. The
// returned function detaches the handler.
func (a *app) interruptOn(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		a.logger.Warn().Msg("Interrupted, cancelling downloads")
		a.orchestrator.CancelAll()
		a.orchestrator.CancelAllPendingProbes()
	})
}

// Close stops the stack, waiting briefly for tasks and hooks to finish.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.orchestrator.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Shutdown did not finish cleanly")
	}
	a.engine.Wait()
	a.hooks.Wait()

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Stopping metrics server")
		}
	}
	if a.http3 != nil {
		a.http3.Close()
	}
}
