package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/psantana5/mediabot/pkg/bot"
	"github.com/psantana5/mediabot/pkg/media"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify configuration, binaries and host resources",
	Long: `Runs the same startup checks as serve without connecting to the chat
platform, and reports the host resources available to job workers.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

type checkReport struct {
	Browser       string   `json:"browser"`
	Encoder       string   `json:"encoder"`
	Formats       []string `json:"formats"`
	Platform      string   `json:"platform"`
	Workers       int      `json:"workers"`
	OS            string   `json:"os"`
	CPUThreads    int      `json:"cpu_threads"`
	MemTotalMB    uint64   `json:"mem_total_mb"`
	MemAvailMB    uint64   `json:"mem_available_mb"`
	WorkDir       string   `json:"work_dir"`
	WorkDirFreeMB uint64   `json:"work_dir_free_mb"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	browserPath, err := bot.Preflight(cfg)
	if err != nil {
		return err
	}

	report := checkReport{
		Browser:  browserPath,
		Encoder:  cfg.Media.FFmpegPath,
		Formats:  media.FormatNames(),
		Platform: cfg.Chat.Platform,
		Workers:  cfg.Scheduler.Workers,
		OS:       runtime.GOOS + "/" + runtime.GOARCH,
		WorkDir:  cfg.Media.WorkDir,
	}
	if info, err := host.Info(); err == nil {
		report.OS = fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, info.KernelArch)
	}
	if n, err := cpu.Counts(true); err == nil {
		report.CPUThreads = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		report.MemTotalMB = vm.Total / (1 << 20)
		report.MemAvailMB = vm.Available / (1 << 20)
	}
	if err := os.MkdirAll(cfg.Media.WorkDir, 0755); err == nil {
		if usage, err := disk.Usage(cfg.Media.WorkDir); err == nil {
			report.WorkDirFreeMB = usage.Free / (1 << 20)
		}
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Check", "Value")
	table.Append("Browser", report.Browser)
	table.Append("Encoder", report.Encoder)
	table.Append("Formats", fmt.Sprintf("%d supported", len(report.Formats)))
	table.Append("Platform", report.Platform)
	table.Append("Workers", fmt.Sprintf("%d", report.Workers))
	table.Append("Host", report.OS)
	table.Append("CPU Threads", fmt.Sprintf("%d", report.CPUThreads))
	table.Append("Memory", fmt.Sprintf("%d MB available of %d MB", report.MemAvailMB, report.MemTotalMB))
	table.Append("Work Dir", fmt.Sprintf("%s (%d MB free)", report.WorkDir, report.WorkDirFreeMB))
	table.Render()

	if cfg.Scheduler.Workers > report.CPUThreads && report.CPUThreads > 0 {
		fmt.Printf("\nWarning: %d workers on %d CPU threads; encodes will compete for CPU\n", cfg.Scheduler.Workers, report.CPUThreads)
	}
	fmt.Println("\nAll checks passed")
	return nil
}
