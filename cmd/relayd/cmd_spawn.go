package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentrelay/relayd/internal/spawner"
)

var spawnCLI string

var spawnCmd = &cobra.Command{
	Use:   "spawn <name> <task>",
	Short: "Spawn a single agent and run the daemon in the foreground",
	Long: `Spawn builds the same component set as run, spawns exactly one agent
(via --cli), and blocks until interrupted. The operator socket only
answers read-only queries, not remote control, so spawning an agent
against an already-running relayd is done through 'relayd run --spawn'
at startup rather than this command talking to a live daemon.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := New(loadedConfig, rootLogger())
		if err != nil {
			return err
		}
		d.PatternsReady()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		spec := spawner.Spec{Name: args[0], CLI: spawnCLI, Task: args[1]}
		if _, err := d.SpawnAgent(ctx, spec); err != nil {
			return fmt.Errorf("relayd: spawn %s: %w", spec.Name, err)
		}
		fmt.Printf("spawned %s (%s); press Ctrl+C to stop\n", spec.Name, spec.CLI)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nrelayd: shutting down...")
			cancel()
		}()

		return d.Run(ctx)
	},
}

func init() {
	spawnCmd.Flags().StringVar(&spawnCLI, "cli", "claude", "the CLI executable to run inside the PTY")
}
