package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentrelay/relayd/internal/spawner"
)

var spawnFlags []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay daemon in the foreground",
	Long: `Run starts the message store, router, spawner, cloud sync queue (if
configured), consensus engine, and operator socket, then blocks until
interrupted. Any --spawn specs are started once every component is wired.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := New(loadedConfig, rootLogger())
		if err != nil {
			return err
		}
		d.PatternsReady()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		for _, raw := range spawnFlags {
			spec, err := parseSpawnFlag(raw)
			if err != nil {
				return err
			}
			if _, err := d.SpawnAgent(ctx, spec); err != nil {
				return fmt.Errorf("relayd: spawn %s: %w", spec.Name, err)
			}
			fmt.Printf("spawned %s (%s)\n", spec.Name, spec.CLI)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nrelayd: shutting down...")
			cancel()
		}()

		fmt.Println("relayd: running. Press Ctrl+C to stop.")
		return d.Run(ctx)
	},
}

func init() {
	runCmd.Flags().StringArrayVar(&spawnFlags, "spawn", nil,
		`spawn an agent at startup, formatted as name=cli:"task" (repeatable)`)
}

// parseSpawnFlag parses "Name=cli:task" into a spawner.Spec. The task may
// contain '=' and ':' freely; only the first '=' and first ':' after it
// are treated as separators.
func parseSpawnFlag(raw string) (spawner.Spec, error) {
	nameRest := strings.SplitN(raw, "=", 2)
	if len(nameRest) != 2 {
		return spawner.Spec{}, fmt.Errorf("relayd: --spawn %q: expected name=cli:task", raw)
	}
	cliTask := strings.SplitN(nameRest[1], ":", 2)
	if len(cliTask) != 2 {
		return spawner.Spec{}, fmt.Errorf("relayd: --spawn %q: expected name=cli:task", raw)
	}
	return spawner.Spec{
		Name: strings.TrimSpace(nameRest[0]),
		CLI:  strings.TrimSpace(cliTask[0]),
		Task: strings.Trim(strings.TrimSpace(cliTask[1]), `"`),
	}, nil
}
