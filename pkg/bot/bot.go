package bot

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/psantana5/mediabot/internal/keepalive"
	"github.com/psantana5/mediabot/pkg/api"
	"github.com/psantana5/mediabot/pkg/browser"
	"github.com/psantana5/mediabot/pkg/cleanup"
	"github.com/psantana5/mediabot/pkg/config"
	"github.com/psantana5/mediabot/pkg/dispatcher"
	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/media"
	"github.com/psantana5/mediabot/pkg/metrics"
	"github.com/psantana5/mediabot/pkg/retry"
	"github.com/psantana5/mediabot/pkg/scheduler"
	"github.com/psantana5/mediabot/pkg/shutdown"
	"github.com/psantana5/mediabot/pkg/store"
	mtls "github.com/psantana5/mediabot/pkg/tls"
	"github.com/psantana5/mediabot/pkg/tracing"
	"github.com/psantana5/mediabot/pkg/transport"
)

// ServiceName identifies the process in traces and logs
const ServiceName = "mediabot"

// Options overrides collaborators, mainly for tests
type Options struct {
	Version string
	Logger  *logging.Logger

	// Launcher replaces the Chrome launcher and skips the browser binary check
	Launcher browser.Launcher
	// Transport replaces the platform transport built from config
	Transport transport.Transport
	// SkipPreflight disables the startup binary checks
	SkipPreflight bool
	// ShutdownTimeout bounds Stop; defaults to 30s
	ShutdownTimeout time.Duration
}

// Bot is the process context: every long-lived collaborator is created
// here once and handed down explicitly
type Bot struct {
	cfg     *config.Config
	version string
	logger  *logging.Logger
	metrics *metrics.Recorder
	tracing *tracing.Provider

	store      store.Store
	cache      browser.Cache
	launcher   browser.Launcher
	runner     *browser.Runner
	transcoder *media.Transcoder
	scheduler  *scheduler.Scheduler
	transport  transport.Transport
	dispatcher *dispatcher.Dispatcher
	cleanup    *cleanup.Manager
	keepalive  *keepalive.Pinger
	router     http.Handler
	tlsConfig  *cryptotls.Config

	shutdown *shutdown.Manager

	mu      sync.Mutex
	started bool
	addr    net.Addr
	runErr  chan error
}

// Preflight verifies that the external binaries are installed and returns
// the resolved browser path
func Preflight(cfg *config.Config) (string, error) {
	browserPath, err := browser.FindBrowser(cfg.Browser.ExecPath)
	if err != nil {
		return "", err
	}
	if err := media.CheckBinaries(mediaConfig(cfg)); err != nil {
		return "", err
	}
	return browserPath, nil
}

func mediaConfig(cfg *config.Config) media.Config {
	return media.Config{
		FFmpegPath:    cfg.Media.FFmpegPath,
		FFprobePath:   cfg.Media.FFprobePath,
		ProbeInput:    cfg.Media.ProbeInput,
		WorkDir:       cfg.Media.WorkDir,
		EncodeTimeout: cfg.Media.EncodeTimeout,
	}
}

// ErrWebhookSecret is returned by New when the webhook route would accept
// unauthenticated events
var ErrWebhookSecret = errors.New("server.webhook_secret is required when the webhook route is enabled")

// New builds every component from cfg. Nothing is started and no network
// connection is made except to an external cache or database.
func New(cfg *config.Config, opts Options) (_ *Bot, err error) {
	if cfg.Server.WebhookEnabled && cfg.Server.WebhookSecret == "" {
		return nil, ErrWebhookSecret
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	b := &Bot{
		cfg:     cfg,
		version: opts.Version,
		runErr:  make(chan error, 2),
	}

	ownLogger := opts.Logger == nil
	b.logger = opts.Logger
	if ownLogger {
		level := logging.ParseLevel(cfg.Logging.Level)
		if cfg.Logging.File {
			if b.logger, err = logging.NewFileLogger(ServiceName, level, cfg.Logging.JSON); err != nil {
				return nil, err
			}
		} else {
			b.logger = logging.NewLogger(level, cfg.Logging.JSON)
		}
	}
	b.shutdown = shutdown.New(opts.ShutdownTimeout, b.logger)
	if ownLogger {
		b.shutdown.Register("logger", shutdown.CloseResource(b.logger))
	}
	defer func() {
		// Release whatever was opened before the failure
		if err != nil {
			b.shutdown.Shutdown()
		}
	}()

	browserPath := cfg.Browser.ExecPath
	if !opts.SkipPreflight {
		if opts.Launcher != nil {
			err = media.CheckBinaries(mediaConfig(cfg))
		} else {
			browserPath, err = Preflight(cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("startup check failed: %w", err)
		}
	}

	if cfg.Server.TLSCertFile != "" {
		if b.tlsConfig, err = mtls.LoadServerConfig(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile); err != nil {
			return nil, err
		}
	}

	b.metrics = metrics.New()

	b.tracing, err = tracing.InitTracer(tracing.Config{
		ServiceName:    ServiceName,
		ServiceVersion: opts.Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Enabled:        cfg.Tracing.Enabled,
	}, b.logger)
	if err != nil {
		return nil, err
	}
	b.shutdown.Register("tracing", b.tracing.Shutdown)

	b.store, err = store.NewStore(store.Config{Type: cfg.Store.Type, DSN: cfg.Store.DSN, Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	b.shutdown.Register("store", shutdown.CloseResource(b.store))

	if err = b.buildRunners(cfg, opts, browserPath); err != nil {
		return nil, err
	}

	b.scheduler = scheduler.New(scheduler.Config{
		Workers:    cfg.Scheduler.Workers,
		Backlog:    cfg.Scheduler.Backlog,
		JobTimeout: cfg.Scheduler.JobTimeout,
		Retry: retry.Policy{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Multiplier:     cfg.Retry.Multiplier,
			RetryTimeouts:  cfg.Retry.RetryTimeouts,
		},
		AbandonGrace: cfg.Scheduler.AbandonGrace,
	}, NewExecutor(b.runner, b.transcoder, b.logger),
		scheduler.WithStore(b.store),
		scheduler.WithMetrics(b.metrics),
		scheduler.WithLogger(b.logger))

	if b.transport = opts.Transport; b.transport == nil {
		if b.transport, err = newTransport(cfg, b.logger); err != nil {
			return nil, err
		}
	}

	b.dispatcher = dispatcher.New(dispatcher.Config{
		Prefix:             cfg.Chat.CommandPrefix,
		DeliveryAttempts:   cfg.Chat.DeliveryAttempts,
		DeliveryTimeout:    cfg.Chat.DeliveryTimeout,
		AckSubmissions:     cfg.Chat.AckSubmissions,
		RateLimitPerMinute: cfg.Chat.RateLimitPerMinute,
		MaxMessageLength:   cfg.Chat.MaxMessageLength,
	}, b.scheduler, b.transport,
		dispatcher.WithReleaser(b.transcoder),
		dispatcher.WithMetrics(b.metrics),
		dispatcher.WithLogger(b.logger))

	// Stop order is the reverse: the scheduler finishes its jobs before the
	// dispatcher drains their replies
	b.shutdown.Register("dispatcher", b.dispatcher.Close)
	b.shutdown.Register("scheduler", b.scheduler.Stop)

	deps := api.Deps{Prober: b.scheduler, Metrics: b.metrics, Tracing: b.tracing, Logger: b.logger}
	if cfg.Server.WebhookEnabled {
		deps.Payloads = b.dispatcher
	}
	b.router = api.NewRouter(api.Config{
		ProbeTimeout:       cfg.Scheduler.ProbeTimeout,
		Version:            opts.Version,
		HostInfo:           cfg.Server.HostInfo,
		WebhookEnabled:     cfg.Server.WebhookEnabled,
		WebhookPath:        cfg.Server.WebhookPath,
		WebhookSecret:      cfg.Server.WebhookSecret,
		WebhookRatePerMin:  cfg.Server.WebhookRateLimit,
		WebhookMaxBodySize: 1 << 20,
	}, deps)

	var purger cleanup.CachePurger
	if b.cache != nil {
		purger = b.cache
	}
	b.cleanup = cleanup.NewManager(cleanup.Config{
		Enabled:           cfg.Cleanup.Enabled,
		JobRetention:      cfg.Cleanup.JobRetention,
		ArtifactRetention: cfg.Media.ArtifactRetention,
		Interval:          cfg.Cleanup.Interval,
		ArtifactDirs:      []string{b.transcoder.ArtifactDir(), b.transcoder.InputDir()},
	}, b.store, purger, b.logger)

	if cfg.Keepalive.Enabled {
		b.keepalive, err = keepalive.New(keepalive.Config{
			URL:      cfg.Keepalive.URL,
			Interval: cfg.Keepalive.Interval,
		}, nil, b.logger)
		if err != nil {
			return nil, err
		}
	}

	return b, nil
}

// buildRunners creates the fetch cache, the browser launcher and runner,
// and the transcoder
func (b *Bot) buildRunners(cfg *config.Config, opts Options, browserPath string) error {
	if cfg.Browser.Cache.Enabled {
		loc, err := time.LoadLocation(cfg.Browser.Cache.Timezone)
		if err != nil {
			return fmt.Errorf("invalid cache timezone: %w", err)
		}
		switch cfg.Browser.Cache.Backend {
		case "redis":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			rc, err := browser.NewRedisCache(ctx, browser.RedisOptions{
				Addr:     cfg.Browser.Cache.RedisAddr,
				Password: cfg.Browser.Cache.RedisPassword,
				DB:       cfg.Browser.Cache.RedisDB,
				Prefix:   ServiceName + ":fetch:",
			}, loc)
			cancel()
			if err != nil {
				return err
			}
			b.cache = rc
		default:
			b.cache = browser.NewMemoryCache(loc, cfg.Browser.Cache.MaxEntries)
		}
		b.shutdown.Register("cache", shutdown.CloseResource(b.cache))
	}

	b.launcher = opts.Launcher
	if b.launcher == nil {
		b.launcher = browser.NewChromeLauncher(browser.ChromeOptions{
			ExecPath:      browserPath,
			Headless:      cfg.Browser.Headless,
			NoSandbox:     cfg.Browser.NoSandbox,
			UserAgent:     cfg.Browser.UserAgent,
			LaunchTimeout: cfg.Browser.LaunchTimeout,
		}, b.logger, b.metrics)
	}
	b.shutdown.Register("browser", b.launcher.Close)

	runnerOpts := []browser.RunnerOption{
		browser.WithRunnerMetrics(b.metrics),
		browser.WithRunnerLogger(b.logger),
	}
	if b.cache != nil {
		runnerOpts = append(runnerOpts, browser.WithCache(b.cache))
	}
	b.runner = browser.NewRunner(b.launcher, cfg.Browser.StepTimeout, runnerOpts...)

	t, err := media.NewTranscoder(mediaConfig(cfg), b.logger, b.metrics)
	if err != nil {
		return err
	}
	b.transcoder = t
	return nil
}

func newTransport(cfg *config.Config, logger *logging.Logger) (transport.Transport, error) {
	switch cfg.Chat.Platform {
	case transport.PlatformDiscord:
		return transport.NewDiscord(cfg.Chat.Token, logger)
	case "webhook":
		return transport.NewWebhook(transport.WebhookConfig{
			URL:     cfg.Chat.ReplyURL,
			Secret:  cfg.Chat.ReplySecret,
			Timeout: cfg.Chat.DeliveryTimeout,
		}, nil)
	default:
		return nil, fmt.Errorf("unsupported chat platform %q", cfg.Chat.Platform)
	}
}

// Start begins serving: the scheduler, the HTTP listeners, the chat
// gateway and the background loops. A listener that cannot bind is fatal.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bot already started")
	}
	b.started = true

	b.scheduler.Start()

	b.cleanup.Start()
	b.shutdown.Register("cleanup", func(context.Context) error {
		b.cleanup.Stop()
		return nil
	})

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.shutdown.Register("background", func(context.Context) error {
		cancel()
		return nil
	})
	if b.keepalive != nil {
		go b.keepalive.Run(loopCtx)
	}

	if b.cfg.Metrics.Enabled {
		if _, err := b.serve("metrics", b.cfg.Metrics.Port, api.NewMetricsRouter(b.metrics), nil); err != nil {
			return err
		}
	}
	addr, err := b.serve("http", b.cfg.Server.Port, b.router, b.tlsConfig)
	if err != nil {
		return err
	}
	b.addr = addr

	if d, ok := b.transport.(*transport.Discord); ok {
		if err := d.Open(loopCtx, transport.EventHandlerFunc(b.dispatcher.Handle)); err != nil {
			return err
		}
		b.shutdown.Register("discord", func(context.Context) error { return d.Close() })
	}

	b.logger.Info("Bot started", logging.Fields{
		"version":  b.version,
		"platform": b.transport.Name(),
		"addr":     addr.String(),
		"workers":  b.cfg.Scheduler.Workers,
	})
	return nil
}

// serve binds port synchronously and serves handler in the background,
// over TLS when tlsCfg is set
func (b *Bot) serve(name string, port int, handler http.Handler, tlsCfg *cryptotls.Config) (net.Addr, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s listener: %w", name, err)
	}
	if tlsCfg != nil {
		ln = cryptotls.NewListener(ln, tlsCfg)
	}
	srv := api.NewServer(ln.Addr().String(), handler)
	b.shutdown.Register(name+" server", shutdown.StopHTTPServer(srv))

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("Server failed", logging.Fields{"server": name, "error": err.Error()})
			select {
			case b.runErr <- fmt.Errorf("%s server: %w", name, err):
			default:
			}
			b.shutdown.Trigger()
		}
	}()
	b.logger.Info("Listening", logging.Fields{"server": name, "addr": ln.Addr().String()})
	return ln.Addr(), nil
}

// Wait blocks until a termination signal, a fatal server error or ctx.
// It returns the server error, if any.
func (b *Bot) Wait(ctx context.Context) error {
	b.shutdown.Wait(ctx)
	select {
	case err := <-b.runErr:
		return err
	default:
		return nil
	}
}

// Stop shuts every component down in reverse start order
func (b *Bot) Stop() error {
	return b.shutdown.Shutdown()
}

// Addr returns the bound address of the main HTTP listener once started
func (b *Bot) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

// Dispatcher exposes the command dispatcher, e.g. for local event injection
func (b *Bot) Dispatcher() *dispatcher.Dispatcher { return b.dispatcher }

// Scheduler exposes the job scheduler
func (b *Bot) Scheduler() *scheduler.Scheduler { return b.scheduler }

// Store exposes the job history store
func (b *Bot) Store() store.Store { return b.store }
