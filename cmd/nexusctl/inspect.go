package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "memory", Short: "Inspect agent memory"}
	cmd.AddCommand(memoryHistoryCmd())
	cmd.AddCommand(memoryGetCmd())
	return cmd
}

func memoryHistoryCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "List memory snapshots of an agent, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid agent id %q", args[0])
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			snaps, err := client.MemoryHistory(cmd.Context(), agentID, key)
			if err != nil {
				return err
			}
			return render(snaps, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"ID", "Key", "Type", "Session", "Created", "Value"})
				for _, s := range snaps {
					tw.AppendRow(table.Row{
						shortID(s.ID), s.Key, s.MemoryType, orDash(s.SessionID),
						formatTime(s.CreatedAt), truncate(string(s.Value), 60),
					})
				}
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "only this memory key")
	return cmd
}

func memoryGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <snapshot-id>",
		Short: "Show a memory snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			snap, err := client.GetMemory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
}

func logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <workflow-id>",
		Short: "Show the task log of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			wl, err := client.WorkflowLog(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(wl)
			}
			tw := newTable(color.Output)
			tw.AppendHeader(table.Row{"Seq", "Task", "Agent", "Kind", "Status", "Attempts", "ms", "Detail"})
			for _, e := range wl.Entries {
				detail := e.Reason
				if detail == "" {
					detail = e.Output
				}
				tw.AppendRow(table.Row{
					e.Seq, shortID(e.TaskID), e.AgentID, e.Kind, statusText(e.Status),
					e.Attempts, e.DurationMs, truncate(detail, 50),
				})
			}
			tw.Render()

			if len(wl.Statuses) > 0 {
				fmt.Println()
				ids := make([]string, 0, len(wl.Statuses))
				for id := range wl.Statuses {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Printf("  %s %s\n", shortID(id), statusText(wl.Statuses[id]))
				}
			}
			return nil
		},
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Inspect or close sessions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			s, err := client.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			printKV("Session", s.ID)
			printKV("User", s.UserID)
			printKV("Status", statusText(s.Status))
			printKV("Last command", orDash(s.LastCommand))
			printKV("Updated", formatTime(s.UpdatedAt))
			if s.ExpiresAt != nil {
				printKV("Expires", formatTime(*s.ExpiresAt))
			}
			if len(s.Context) > 0 {
				keys := make([]string, 0, len(s.Context))
				for k := range s.Context {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				printKV("Context", strings.Join(keys, ", "))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			s, err := client.CloseSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			fmt.Printf("%s session %s %s\n", color.GreenString("✓"), s.ID, statusText(s.Status))
			return nil
		},
	})
	return cmd
}
