package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/mediabot/pkg/config"
)

var (
	cfgFile      string
	envFiles     []string
	outputFormat string

	// v collects flag overrides; config.Load layers file and environment on top of defaults
	v = viper.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mediabot",
	Short: "Chat bot that runs browser and media jobs",
	Long: `mediabot listens for chat commands and runs them as background jobs:
headless browser fetches and screenshots, and ffmpeg media conversions.
Results are replied to the conversation the command came from.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mediabot.yaml or $HOME/.mediabot/mediabot.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initEnv loads dotenv files so that TOKEN and friends can live next to the binary
func initEnv() {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// loadConfig reads and validates the configuration
func loadConfig() (*config.Config, error) {
	return config.Load(v, cfgFile)
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}
