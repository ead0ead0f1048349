package cmd

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/wizdata/scraperd/internal/orchestrator"
)

func jobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List the configured jobs",
		Long:  `List every job in the configuration file with its cadence and retry policy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if len(cfg.Jobs) == 0 {
				cmd.Println("No jobs configured")
				return nil
			}

			renderJobsTable(cfg.Jobs)
			return nil
		},
	}
}

func renderJobsTable(jobs []orchestrator.JobConfig) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)

	t.AppendHeader(table.Row{"Name", "Source", "Cadence", "Enabled", "Max Attempts"})
	for _, job := range jobs {
		cadence := job.Interval.String()
		if job.Cron != "" {
			cadence = job.Cron
		}
		attempts := job.Retry.MaxAttempts
		if attempts <= 0 {
			attempts = orchestrator.DefaultMaxAttempts
		}
		t.AppendRow(table.Row{
			job.Name,
			job.Source,
			cadence,
			job.Enabled,
			attempts,
		})
	}

	t.Render()
}
