package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"AgentNexus/sdk/go/nexus"
)

func askCmd() *cobra.Command {
	var (
		sessionID string
		async     bool
		wait      bool
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send a request to the orchestrator",
		Long: `Send a natural language request. Without --async the command blocks
until the workflow finishes and prints its report. With --async the request
is queued as a job; add --wait to poll until the job is terminal.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			req := nexus.AskRequest{Message: strings.Join(args, " "), SessionID: sessionID}
			ctx := cmd.Context()

			if !async {
				report, err := client.Ask(ctx, req)
				if err != nil {
					return err
				}
				return printReport(report)
			}

			jobID, err := client.Submit(ctx, req)
			if err != nil {
				return err
			}
			if !wait {
				if viper.GetBool("json") {
					return printJSON(map[string]string{"job_id": jobID})
				}
				fmt.Printf("%s job %s queued\n", color.GreenString("✓"), jobID)
				return nil
			}
			job, err := client.WaitForJob(ctx, jobID, interval)
			if err != nil {
				return err
			}
			if job.Report != nil {
				return printReport(job.Report)
			}
			return printJob(job)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to continue")
	cmd.Flags().BoolVar(&async, "async", false, "queue the request as a job")
	cmd.Flags().BoolVar(&wait, "wait", false, "with --async, wait for the job to finish")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval for --wait")
	return cmd
}

func printReport(r *nexus.Report) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	printKV("Workflow", r.WorkflowID)
	printKV("Session", orDash(r.SessionID))
	printKV("State", statusText(r.State))
	printKV("Tasks", fmt.Sprintf("%d completed, %d failed", r.TasksCompleted, r.TasksFailed))
	printKV("Tokens", r.TokensUsed)
	printKV("Duration", r.Duration.Round(time.Millisecond))
	if r.Fallback {
		printKV("Fallback", color.YellowString("yes"))
	}
	fmt.Println()
	if r.Clarification != "" {
		fmt.Println(color.YellowString("Clarification needed:"))
		fmt.Println(r.Clarification)
		return nil
	}
	fmt.Println(r.Response)

	if len(r.Tasks) > 0 {
		fmt.Println()
		tw := newTable(color.Output)
		tw.AppendHeader(table.Row{"Task", "Category", "Agent", "Status", "Attempts", "Summary"})
		for _, t := range r.Tasks {
			agent := t.AgentName
			if agent == "" && t.AssignedAgentID > 0 {
				agent = fmt.Sprintf("#%d", t.AssignedAgentID)
			}
			tw.AppendRow(table.Row{shortID(t.ID), t.Category, orDash(agent), statusText(t.Status), t.Attempts, truncate(t.Summary, 60)})
		}
		tw.Render()
	}
	for _, e := range r.Errors {
		fmt.Println()
		fmt.Printf("%s %s [%s]\n", color.RedString("✗"), e.Task, e.Code)
		fmt.Printf("  reason: %s\n", e.FailureReason)
		if len(e.AttemptedSolutions) > 0 {
			fmt.Printf("  tried:  %s\n", strings.Join(e.AttemptedSolutions, "; "))
		}
		fmt.Printf("  next:   %s\n", e.RecommendedNextStep)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
