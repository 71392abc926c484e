package cmd

import (
	"fmt"

	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
)

// Build metadata is injected with
// -ldflags "-X github.com/prometheus/common/version.Version=..."
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Print("mediabot"))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
