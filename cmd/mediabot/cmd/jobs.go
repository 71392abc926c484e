package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/mediabot/pkg/config"
	"github.com/psantana5/mediabot/pkg/models"
	"github.com/psantana5/mediabot/pkg/store"
)

var (
	jobsStatus string
	jobsKind   string
	jobsUser   string
	jobsLimit  int
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job history",
	Long:  `Commands for reading the job history kept in a sqlite or postgres store.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job with its state transitions",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)

	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (queued, running, succeeded, failed, cancelled)")
	jobsListCmd.Flags().StringVar(&jobsKind, "kind", "", "filter by kind (browser_fetch, transcode, capture)")
	jobsListCmd.Flags().StringVar(&jobsUser, "user", "", "filter by chat user id")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum number of jobs")
}

func openHistory() (store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return historyStore(cfg)
}

func historyStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Type == "" || cfg.Store.Type == "memory" {
		return nil, errors.New("job history needs store.type sqlite or postgres; the memory store lives only inside the running bot")
	}
	return store.NewStore(store.Config{Type: cfg.Store.Type, DSN: cfg.Store.DSN, Path: cfg.Store.Path})
}

func runJobsList(cmd *cobra.Command, args []string) error {
	st, err := openHistory()
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.ListJobs(store.ListFilter{
		Status: models.JobStatus(jobsStatus),
		Kind:   models.JobKind(jobsKind),
		UserID: jobsUser,
		Limit:  jobsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Kind", "Status", "User", "Target", "Retries", "Error", "Created")
	for _, job := range jobs {
		errorKind := "-"
		if job.ErrorKind != "" {
			errorKind = string(job.ErrorKind)
		}
		table.Append(
			job.ID,
			string(job.Kind),
			string(job.Status),
			job.Conversation.UserID,
			shorten(job.Payload.Target, 40),
			fmt.Sprintf("%d", job.RetryCount),
			errorKind,
			job.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	st, err := openHistory()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.GetJob(args[0])
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", job.ID)
	table.Append("Kind", string(job.Kind))
	table.Append("Status", string(job.Status))
	table.Append("Target", job.Payload.Target)
	if job.Payload.Format != "" {
		table.Append("Format", job.Payload.Format)
	}
	if job.Payload.Script != "" {
		table.Append("Script", shorten(job.Payload.Script, 60))
	}
	table.Append("User", job.Conversation.UserID)
	table.Append("Channel", job.Conversation.ChannelID)
	table.Append("Retry Count", fmt.Sprintf("%d", job.RetryCount))
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started At", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		table.Append("Completed At", job.CompletedAt.Format(time.RFC3339))
		table.Append("Duration", job.Duration().Round(time.Millisecond).String())
	}
	if job.ErrorKind != "" {
		table.Append("Error", fmt.Sprintf("%s: %s", job.ErrorKind, job.Error))
	}
	table.Render()

	if len(job.StateTransitions) > 0 {
		fmt.Println("\nState transitions:")
		tt := tablewriter.NewWriter(os.Stdout)
		tt.Header("From", "To", "At", "Reason")
		for _, t := range job.StateTransitions {
			from := string(t.From)
			if from == "" {
				from = "-"
			}
			tt.Append(from, string(t.To), t.Timestamp.Format("15:04:05.000"), t.Reason)
		}
		tt.Render()
	}
	return nil
}

func shorten(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
