package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"AgentNexus/sdk/go/nexus"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect queued requests"}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsGetCmd())
	cmd.AddCommand(jobsStatsCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	var (
		filter   nexus.JobFilter
		statuses string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			filter.Statuses = splitList(statuses)
			jobs, err := client.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return render(jobs, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"ID", "Status", "Attempts", "Session", "Updated", "Message"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{
						j.ID, statusText(j.Status),
						fmt.Sprintf("%d/%d", j.Attempts, j.MaxRetries),
						orDash(j.SessionID), formatUnix(j.UpdatedAt), truncate(j.Message, 50),
					})
				}
			})
		},
	}
	cmd.Flags().StringVar(&statuses, "status", "", "comma separated statuses")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "session filter")
	cmd.Flags().StringVarP(&filter.Query, "query", "q", "", "match message text")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum rows")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")
	cmd.Flags().BoolVar(&filter.Ascending, "asc", false, "oldest first")
	return cmd
}

func jobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(job)
		},
	}
}

func jobsStatsCmd() *cobra.Command {
	var statuses string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			stats, err := client.JobStats(cmd.Context(), nexus.JobFilter{Statuses: splitList(statuses)})
			if err != nil {
				return err
			}
			return render(stats, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"Status", "Count"})
				tw.AppendRow(table.Row{statusText("pending"), stats.Pending})
				tw.AppendRow(table.Row{statusText("running"), stats.Running})
				tw.AppendRow(table.Row{statusText("succeeded"), stats.Succeeded})
				tw.AppendRow(table.Row{statusText("failed"), stats.Failed})
				tw.AppendFooter(table.Row{"Total", stats.Total})
			})
		},
	}
	cmd.Flags().StringVar(&statuses, "status", "", "comma separated statuses")
	return cmd
}

func printJob(j *nexus.Job) error {
	if viper.GetBool("json") {
		return printJSON(j)
	}
	printKV("Job", j.ID)
	printKV("Status", statusText(j.Status))
	printKV("Attempts", fmt.Sprintf("%d/%d", j.Attempts, j.MaxRetries))
	printKV("Session", orDash(j.SessionID))
	printKV("Created", formatUnix(j.CreatedAt))
	printKV("Updated", formatUnix(j.UpdatedAt))
	printKV("Message", j.Message)
	if j.LastError != "" {
		printKV("Error", fmt.Sprintf("%s (%s)", j.LastError, orDash(j.ErrorCode)))
	}
	if j.Report != nil {
		fmt.Println()
		return printReport(j.Report)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
