package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"

	"github.com/psantana5/mediabot/pkg/bot"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot",
	Long: `Connects to the chat platform, starts the job workers and serves the
health endpoint until SIGINT or SIGTERM. Missing credentials or a missing
browser or ffmpeg binary stop the process before anything is started.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8000, "health and webhook port")
	serveCmd.Flags().Int("workers", 2, "jobs running at once")
	serveCmd.Flags().String("platform", "discord", "chat platform: discord or webhook")
	serveCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")

	v.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	v.BindPFlag("scheduler.workers", serveCmd.Flags().Lookup("workers"))
	v.BindPFlag("chat.platform", serveCmd.Flags().Lookup("platform"))
	v.BindPFlag("logging.level", serveCmd.Flags().Lookup("log-level"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// One bot per work directory: artifacts and temp inputs are not shared
	if err := os.MkdirAll(cfg.Media.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.Media.WorkDir, "mediabot.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another mediabot instance is already using " + cfg.Media.WorkDir)
	}
	defer lock.Unlock()

	b, err := bot.New(cfg, bot.Options{Version: version.Version})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.Start(ctx); err != nil {
		b.Stop()
		return err
	}

	runErr := b.Wait(ctx)
	if err := b.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown: %v\n", err)
	}
	return runErr
}
