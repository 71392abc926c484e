package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // slim container images ship without zoneinfo

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MEDIABOT_SCHEDULER_WORKERS
const EnvPrefix = "MEDIABOT"

// Config is the complete process configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Media     MediaConfig     `mapstructure:"media" yaml:"media"`
	Chat      ChatConfig      `mapstructure:"chat" yaml:"chat"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup" yaml:"cleanup"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	Keepalive KeepaliveConfig `mapstructure:"keepalive" yaml:"keepalive"`
}

type ServerConfig struct {
	Port             int    `mapstructure:"port" yaml:"port"`
	WebhookEnabled   bool   `mapstructure:"webhook_enabled" yaml:"webhook_enabled"`
	WebhookPath      string `mapstructure:"webhook_path" yaml:"webhook_path"`
	WebhookSecret    string `mapstructure:"webhook_secret" yaml:"webhook_secret"`
	WebhookRateLimit int    `mapstructure:"webhook_rate_limit" yaml:"webhook_rate_limit"` // per minute per IP
	HostInfo         bool   `mapstructure:"host_info" yaml:"host_info"`
	TLSCertFile      string `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile       string `mapstructure:"tls_key_file" yaml:"tls_key_file"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

type SchedulerConfig struct {
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	Backlog      int           `mapstructure:"backlog" yaml:"backlog"`
	JobTimeout   time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	AbandonGrace time.Duration `mapstructure:"abandon_grace" yaml:"abandon_grace"`
}

type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier" yaml:"multiplier"`
	RetryTimeouts  bool          `mapstructure:"retry_timeouts" yaml:"retry_timeouts"`
}

type BrowserConfig struct {
	ExecPath      string        `mapstructure:"exec_path" yaml:"exec_path"`
	Headless      bool          `mapstructure:"headless" yaml:"headless"`
	NoSandbox     bool          `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`
	StepTimeout   time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	Cache         CacheConfig   `mapstructure:"cache" yaml:"cache"`
}

type CacheConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Backend       string `mapstructure:"backend" yaml:"backend"` // memory | redis
	Timezone      string `mapstructure:"timezone" yaml:"timezone"`
	MaxEntries    int    `mapstructure:"max_entries" yaml:"max_entries"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
}

type MediaConfig struct {
	FFmpegPath        string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath       string        `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
	ProbeInput        bool          `mapstructure:"probe_input" yaml:"probe_input"`
	WorkDir           string        `mapstructure:"work_dir" yaml:"work_dir"`
	EncodeTimeout     time.Duration `mapstructure:"encode_timeout" yaml:"encode_timeout"`
	ArtifactRetention time.Duration `mapstructure:"artifact_retention" yaml:"artifact_retention"`
}

type ChatConfig struct {
	Platform           string        `mapstructure:"platform" yaml:"platform"` // discord | webhook
	Token              string        `mapstructure:"token" yaml:"token"`
	CommandPrefix      string        `mapstructure:"command_prefix" yaml:"command_prefix"`
	ReplyURL           string        `mapstructure:"reply_url" yaml:"reply_url"`
	ReplySecret        string        `mapstructure:"reply_secret" yaml:"reply_secret"`
	DeliveryAttempts   int           `mapstructure:"delivery_attempts" yaml:"delivery_attempts"`
	DeliveryTimeout    time.Duration `mapstructure:"delivery_timeout" yaml:"delivery_timeout"`
	AckSubmissions     bool          `mapstructure:"ack_submissions" yaml:"ack_submissions"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	MaxMessageLength   int           `mapstructure:"max_message_length" yaml:"max_message_length"`
}

type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type"` // memory | sqlite | postgres
	Path string `mapstructure:"path" yaml:"path"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

type CleanupConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	JobRetention time.Duration `mapstructure:"job_retention" yaml:"job_retention"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  bool   `mapstructure:"file" yaml:"file"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	Environment string  `mapstructure:"environment" yaml:"environment"`
}

type KeepaliveConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	URL      string        `mapstructure:"url" yaml:"url"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// SetDefaults registers a default for every key so that environment
// overrides work for all of them
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.webhook_enabled", false)
	v.SetDefault("server.webhook_path", "/webhook")
	v.SetDefault("server.webhook_secret", "")
	v.SetDefault("server.webhook_rate_limit", 120)
	v.SetDefault("server.host_info", true)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("scheduler.workers", 2)
	v.SetDefault("scheduler.backlog", 32)
	v.SetDefault("scheduler.job_timeout", "2m")
	v.SetDefault("scheduler.probe_timeout", "2s")
	v.SetDefault("scheduler.abandon_grace", "5s")

	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.initial_backoff", "1s")
	v.SetDefault("retry.max_backoff", "30s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.retry_timeouts", false)

	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.step_timeout", "30s")
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.cache.enabled", true)
	v.SetDefault("browser.cache.backend", "memory")
	v.SetDefault("browser.cache.timezone", "Asia/Seoul")
	v.SetDefault("browser.cache.max_entries", 256)
	v.SetDefault("browser.cache.redis_addr", "")
	v.SetDefault("browser.cache.redis_password", "")
	v.SetDefault("browser.cache.redis_db", 0)

	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("media.probe_input", false)
	v.SetDefault("media.work_dir", filepath.Join(os.TempDir(), "mediabot"))
	v.SetDefault("media.encode_timeout", "5m")
	v.SetDefault("media.artifact_retention", "1h")

	v.SetDefault("chat.platform", "discord")
	v.SetDefault("chat.token", "")
	v.SetDefault("chat.command_prefix", "!")
	v.SetDefault("chat.reply_url", "")
	v.SetDefault("chat.reply_secret", "")
	v.SetDefault("chat.delivery_attempts", 3)
	v.SetDefault("chat.delivery_timeout", "10s")
	v.SetDefault("chat.ack_submissions", true)
	v.SetDefault("chat.rate_limit_per_minute", 10)
	v.SetDefault("chat.max_message_length", 2000)

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.interval", "10m")
	v.SetDefault("cleanup.job_retention", "168h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "production")

	v.SetDefault("keepalive.enabled", false)
	v.SetDefault("keepalive.url", "")
	v.SetDefault("keepalive.interval", "180s")
}

// BindEnv enables MEDIABOT_* overrides plus the short names used by
// container platforms
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("chat.token", EnvPrefix+"_CHAT_TOKEN", "TOKEN")
	v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	v.BindEnv("keepalive.url", EnvPrefix+"_KEEPALIVE_URL", "KOYEB_URL")
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads defaults, the config file (if any) and the environment into a
// validated Config. An explicitly named file that cannot be read is an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)
	BindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("mediabot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".mediabot"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port %d out of range", c.Server.Port)
	}
	if c.Server.WebhookEnabled && !strings.HasPrefix(c.Server.WebhookPath, "/") {
		fail("server.webhook_path must start with /")
	}
	if c.Server.WebhookEnabled && c.Server.WebhookSecret == "" {
		fail("server.webhook_secret is required when the webhook route is enabled")
	}
	if c.Server.WebhookEnabled && c.Server.WebhookPath == "/health" {
		fail("server.webhook_path cannot be /health")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		fail("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		fail("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		fail("metrics.port must differ from server.port")
	}

	if c.Scheduler.Workers < 1 {
		fail("scheduler.workers must be at least 1")
	}
	if c.Scheduler.Backlog < 1 {
		fail("scheduler.backlog must be at least 1")
	}
	if c.Scheduler.JobTimeout <= 0 {
		fail("scheduler.job_timeout must be positive")
	}
	if c.Scheduler.ProbeTimeout <= 0 {
		fail("scheduler.probe_timeout must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		fail("retry.max_retries cannot be negative")
	}
	if c.Retry.Multiplier < 1 {
		fail("retry.multiplier must be at least 1")
	}
	if c.Retry.MaxRetries > 0 && c.Retry.InitialBackoff <= 0 {
		fail("retry.initial_backoff must be positive when retries are enabled")
	}

	if c.Browser.StepTimeout <= 0 {
		fail("browser.step_timeout must be positive")
	}
	if c.Browser.Cache.Enabled {
		switch c.Browser.Cache.Backend {
		case "memory":
		case "redis":
			if c.Browser.Cache.RedisAddr == "" {
				fail("browser.cache.redis_addr is required for the redis backend")
			}
		default:
			fail("browser.cache.backend %q must be memory or redis", c.Browser.Cache.Backend)
		}
		if _, err := time.LoadLocation(c.Browser.Cache.Timezone); err != nil {
			fail("browser.cache.timezone: %v", err)
		}
	}

	if c.Media.FFmpegPath == "" {
		fail("media.ffmpeg_path is required")
	}
	if c.Media.WorkDir == "" {
		fail("media.work_dir is required")
	}
	if c.Media.EncodeTimeout <= 0 {
		fail("media.encode_timeout must be positive")
	}

	switch c.Chat.Platform {
	case "discord":
		if c.Chat.Token == "" {
			fail("chat.token is required for discord (set TOKEN or MEDIABOT_CHAT_TOKEN)")
		}
	case "webhook":
		if c.Chat.ReplyURL == "" {
			fail("chat.reply_url is required for the webhook platform")
		}
		if !c.Server.WebhookEnabled {
			fail("chat.platform webhook needs server.webhook_enabled")
		}
	default:
		fail("chat.platform %q must be discord or webhook", c.Chat.Platform)
	}
	if c.Chat.CommandPrefix == "" {
		fail("chat.command_prefix cannot be empty")
	}
	if c.Chat.DeliveryAttempts < 1 {
		fail("chat.delivery_attempts must be at least 1")
	}
	if c.Chat.DeliveryTimeout <= 0 {
		fail("chat.delivery_timeout must be positive")
	}

	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			fail("store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			fail("store.dsn is required for postgres")
		}
	default:
		fail("store.type %q must be memory, sqlite or postgres", c.Store.Type)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		fail("logging.level %q is not a known level", c.Logging.Level)
	}

	if c.Keepalive.Enabled {
		if c.Keepalive.URL == "" {
			fail("keepalive.url is required when keepalive is enabled (set KOYEB_URL)")
		}
		if c.Keepalive.Interval <= 0 {
			fail("keepalive.interval must be positive")
		}
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		fail("tracing.endpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Chat.Token = mask(c.Chat.Token)
	c.Chat.ReplySecret = mask(c.Chat.ReplySecret)
	c.Server.WebhookSecret = mask(c.Server.WebhookSecret)
	c.Browser.Cache.RedisPassword = mask(c.Browser.Cache.RedisPassword)
	if c.Store.DSN != "" {
		c.Store.DSN = redactDSN(c.Store.DSN)
	}
	return c
}

// redactDSN hides the password in URL style DSNs
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		if strings.Contains(dsn, "password=") {
			return "********"
		}
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if user, _, ok := strings.Cut(creds, ":"); ok {
		return dsn[:scheme+3] + user + ":********" + dsn[at:]
	}
	return dsn
}
