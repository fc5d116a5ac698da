package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"AgentNexus/sdk/go/nexus"
)

var rootCmd = &cobra.Command{
	Use:   "nexusctl",
	Short: "AgentNexus command line client",
	Long: `nexusctl talks to a running nexusd over its REST API.

Requests are decomposed into tasks, routed to capable agents, validated and
summarised by the orchestrator. Use "ask" for a synchronous request or
"ask --async" to queue it as a job, then inspect jobs, agents, memory,
workflow logs and sessions with the other commands.

Settings are read from flags, NEXUS_* environment variables and
~/.config/nexusctl/config.yaml in that order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("NEXUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(dir, "nexusctl"))
		}
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && viper.GetString("config") != "" {
			fmt.Fprintln(os.Stderr, color.YellowString("warning: %v", err))
		}
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default ~/.config/nexusctl/config.yaml)")
	flags.StringP("server", "s", "http://127.0.0.1:8080", "nexusd base URL")
	flags.StringP("token", "t", "", "bearer token")
	flags.Bool("json", false, "output JSON")
	flags.Duration("timeout", nexus.DefaultHTTPTimeout, "HTTP timeout")
	flags.Bool("no-color", false, "disable colored output")
	for _, name := range []string{"config", "server", "token", "json", "timeout", "no-color"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if viper.GetBool("no-color") {
			color.NoColor = true
		}
	}
}

func registerCommands() {
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sessionCmd())
}

// newClient 根据当前配置创建 SDK 客户端。
func newClient() (*nexus.Client, error) {
	httpClient := &http.Client{Timeout: viper.GetDuration("timeout")}
	client, err := nexus.NewClient(viper.GetString("server"), httpClient)
	if err != nil {
		return nil, err
	}
	client.SetAccessToken(viper.GetString("token"))
	return client, nil
}

func printError(err error) {
	var apiErr *nexus.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "%s %s (%s, HTTP %d)\n",
			color.RedString("error:"), apiErr.Message, apiErr.Code, apiErr.StatusCode)
		for k, v := range apiErr.Details {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", k, v)
		}
		return
	}
	fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
}
