package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mediabot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithToken(t *testing.T) {
	t.Setenv("TOKEN", "discord-token")
	path := writeConfig(t, "logging:\n  level: debug\n")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "discord-token", cfg.Chat.Token)
	assert.Equal(t, "discord", cfg.Chat.Platform)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.JobTimeout)
	assert.Equal(t, 180*time.Second, cfg.Keepalive.Interval)
	assert.Equal(t, "Asia/Seoul", cfg.Browser.Cache.Timezone)
	assert.Equal(t, 2000, cfg.Chat.MaxMessageLength)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	t.Setenv("TOKEN", "t")
	t.Setenv("PORT", "8123")
	t.Setenv("MEDIABOT_SCHEDULER_WORKERS", "7")
	t.Setenv("KOYEB_URL", "https://bot.example.koyeb.app/health")

	path := writeConfig(t, `
scheduler:
  workers: 3
  job_timeout: 45s
keepalive:
  enabled: true
store:
  type: sqlite
  path: /var/lib/mediabot/jobs.db
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Scheduler.Workers, "environment beats file")
	assert.Equal(t, 45*time.Second, cfg.Scheduler.JobTimeout)
	assert.True(t, cfg.Keepalive.Enabled)
	assert.Equal(t, "https://bot.example.koyeb.app/health", cfg.Keepalive.URL)
	assert.Equal(t, "sqlite", cfg.Store.Type)
}

func TestLoadMissingTokenIsFatal(t *testing.T) {
	t.Setenv("TOKEN", "")
	path := writeConfig(t, "chat:\n  platform: discord\n")

	_, err := Load(viper.New(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.token")
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func validConfig(t *testing.T) Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	cfg.Chat.Token = "t"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"backlog", func(c *Config) { c.Scheduler.Backlog = 0 }, "scheduler.backlog"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"metrics port clash", func(c *Config) { c.Metrics.Port = c.Server.Port }, "metrics.port"},
		{"platform", func(c *Config) { c.Chat.Platform = "irc" }, "chat.platform"},
		{"webhook reply url", func(c *Config) {
			c.Chat.Platform = "webhook"
			c.Server.WebhookEnabled = true
			c.Server.WebhookSecret = "s3cret"
		}, "chat.reply_url"},
		{"webhook secret", func(c *Config) {
			c.Chat.Platform = "webhook"
			c.Chat.ReplyURL = "https://example.com/reply"
			c.Server.WebhookEnabled = true
		}, "server.webhook_secret"},
		{"webhook secret on discord", func(c *Config) { c.Server.WebhookEnabled = true }, "server.webhook_secret"},
		{"webhook route", func(c *Config) {
			c.Chat.Platform = "webhook"
			c.Chat.ReplyURL = "https://example.com/reply"
		}, "server.webhook_enabled"},
		{"store", func(c *Config) { c.Store.Type = "postgres" }, "store.dsn"},
		{"cache backend", func(c *Config) { c.Browser.Cache.Backend = "memcached" }, "browser.cache.backend"},
		{"redis addr", func(c *Config) { c.Browser.Cache.Backend = "redis" }, "redis_addr"},
		{"timezone", func(c *Config) { c.Browser.Cache.Timezone = "Mars/Olympus" }, "timezone"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"keepalive url", func(c *Config) { c.Keepalive.Enabled = true }, "keepalive.url"},
		{"multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "retry.multiplier"},
		{"tls pair", func(c *Config) { c.Server.TLSCertFile = "/etc/mediabot/cert.pem" }, "tls_key_file"},
		{"delivery attempts", func(c *Config) { c.Chat.DeliveryAttempts = 0 }, "chat.delivery_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateWebhookPlatform(t *testing.T) {
	cfg := validConfig(t)
	cfg.Chat.Platform = "webhook"
	cfg.Chat.Token = ""
	cfg.Chat.ReplyURL = "https://example.com/reply"
	cfg.Server.WebhookEnabled = true
	cfg.Server.WebhookSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validConfig(t)
	cfg.Scheduler.Workers = 0
	cfg.Chat.Token = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.workers")
	assert.Contains(t, err.Error(), "chat.token")
}

func TestRedacted(t *testing.T) {
	cfg := validConfig(t)
	cfg.Chat.Token = "very-secret"
	cfg.Server.WebhookSecret = "hook-secret"
	cfg.Store.DSN = "postgres://bot:pa55@db:5432/mediabot?sslmode=disable"

	r := cfg.Redacted()
	assert.Equal(t, "********", r.Chat.Token)
	assert.Equal(t, "********", r.Server.WebhookSecret)
	assert.Equal(t, "postgres://bot:********@db:5432/mediabot?sslmode=disable", r.Store.DSN)
	assert.False(t, strings.Contains(r.Store.DSN, "pa55"))
	assert.Equal(t, "very-secret", cfg.Chat.Token, "original untouched")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MEDIABOT_TEST_DOTENV=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("MEDIABOT_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("MEDIABOT_TEST_DOTENV"))
}
