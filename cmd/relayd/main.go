// Command relayd is the agent-relay daemon: it supervises PTY-wrapped
// AI-CLI agents, routes addressed messages between them, persists every
// exchange, and (when configured) batches the stream to a cloud endpoint.
//
// The command tree is a root cobra.Command with one subcommand per
// operator action, persistent flags for global concerns (config path, log
// level), and cobra.OnInitialize for setup that every subcommand needs.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentrelay/relayd/internal/config"
	"github.com/agentrelay/relayd/internal/logging"
)

var (
	configPath string
	logLevel   string
	logJSON    bool

	loadedConfig config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "relayd - local agent-relay daemon",
	Long: `relayd supervises long-running interactive AI-CLI processes inside
pseudo-terminals, delivers addressed messages between them, persists
every exchange durably, and batches the stream to a cloud service when
linked.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a relayd.toml config file (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of console format")

	cobra.OnInitialize(initDaemonConfig)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(dashboardStubCmd)
}

func rootLogger() zerolog.Logger {
	return logging.WithComponent("relayd")
}

func initDaemonConfig() {
	logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: failed to load config %s: %v\n", configPath, err)
		os.Exit(1)
	}
	loadedConfig = cfg
}
