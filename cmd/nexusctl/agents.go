package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"AgentNexus/sdk/go/nexus"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "Manage the agent roster"}
	cmd.AddCommand(agentsListCmd())
	cmd.AddCommand(agentsRegisterCmd())
	cmd.AddCommand(agentsToggleCmd("enable", true))
	cmd.AddCommand(agentsToggleCmd("disable", false))
	return cmd
}

func agentsListCmd() *cobra.Command {
	var capability string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			agents, err := client.ListAgents(cmd.Context(), capability)
			if err != nil {
				return err
			}
			return render(agents, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"ID", "Name", "Capabilities", "State", "Done", "Failed", "Errors", "Avg ms"})
				for _, a := range agents {
					state := "disabled"
					if a.Enabled {
						state = "enabled"
					}
					var avg int64
					if n := a.Metrics.TasksCompleted + a.Metrics.TasksFailed; n > 0 {
						avg = a.Metrics.TotalLatencyMs / n
					}
					tw.AppendRow(table.Row{
						a.ID, a.Name, strings.Join(a.CapabilityTags, ", "), statusText(state),
						a.Metrics.TasksCompleted, a.Metrics.TasksFailed, a.Metrics.ErrorCount, avg,
					})
				}
			})
		},
	}
	cmd.Flags().StringVar(&capability, "capability", "", "only agents with this capability tag")
	return cmd
}

func agentsRegisterCmd() *cobra.Command {
	var (
		agent        nexus.Agent
		capabilities string
		disabled     bool
	)
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register or update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			agent.Name = args[0]
			agent.CapabilityTags = splitList(capabilities)
			agent.Enabled = !disabled
			saved, err := client.RegisterAgent(cmd.Context(), agent)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(saved)
			}
			fmt.Printf("%s agent %s registered with id %d\n", color.GreenString("✓"), saved.Name, saved.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&capabilities, "capabilities", "", "comma separated capability tags")
	cmd.Flags().StringVar(&agent.Description, "description", "", "agent description")
	cmd.Flags().StringVar(&agent.SystemPrompt, "system-prompt", "", "system prompt used for every task")
	cmd.Flags().Int64Var(&agent.TeamID, "team", 0, "team id")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register the agent disabled")
	_ = cmd.MarkFlagRequired("capabilities")
	return cmd
}

func agentsToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <agent-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid agent id %q", args[0])
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			agent, err := client.SetAgentEnabled(cmd.Context(), id, enabled)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(agent)
			}
			fmt.Printf("%s agent %s %sd\n", color.GreenString("✓"), agent.Name, use)
			return nil
		},
	}
}
