package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/companion/internal/config"
	"github.com/shehryarbajwa/companion/internal/cron"
	"github.com/shehryarbajwa/companion/internal/recorder"
)

func newRecordingsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recordings",
		Short: "List wire recordings on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// CleanupInterval keeps the background loop idle for this one-shot read
			rec := recorder.NewManager(recorder.Options{
				Dir:             cfg.RecordingsDir,
				MaxLines:        cfg.RecordingsMaxLines,
				CleanupInterval: time.Hour,
			})
			defer rec.Close()

			recordings, err := rec.ListRecordings()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tBACKEND\tSTARTED\tLINES\tSIZE\tFILE")
			for _, r := range recordings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", r.SessionID, r.BackendType, r.StartedAt, r.Lines, r.SizeBytes, r.Filename)
			}
			return w.Flush()
		},
	}
}

func newCronCommand() *cobra.Command {
	cronCmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect scheduled jobs",
	}
	cronCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cron jobs and their next fire time",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cronStore, err := cron.NewStore(cfg.CronDir(), nil)
			if err != nil {
				return err
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCHEDULE\tBACKEND\tENABLED\tRUNS\tFAILURES\tNEXT RUN")
			for _, job := range cronStore.List() {
				next := "-"
				if at, ok := cron.NextRun(job, now); ok {
					next = at.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
					job.ID, job.Schedule, job.BackendType, job.Enabled, job.TotalRuns, job.ConsecutiveFailures, next)
			}
			return w.Flush()
		},
	})
	return cronCmd
}
