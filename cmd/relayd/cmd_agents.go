package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentrelay/relayd/internal/spawner"
	"github.com/agentrelay/relayd/internal/wire"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List currently live agents",
	Long: `List reads the workers metadata file directly when no relayd is
listening on the operator socket, so live agents can be listed without an
RPC. When the socket is reachable it is used instead, for a live-process
view.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, err := listWorkers()
		if err != nil {
			return err
		}
		printWorkers(workers)
		return nil
	},
}

func listWorkers() ([]spawner.Worker, error) {
	if probe, err := net.Dial("unix", loadedConfig.Paths.SocketPath); err == nil {
		probe.Close()
		resp, err := wire.Query(loadedConfig.Paths.SocketPath, wire.Request{Op: "agents"})
		if err != nil {
			return nil, fmt.Errorf("relayd: query agents over socket: %w", err)
		}
		return resp.Workers, nil
	}

	data, err := os.ReadFile(loadedConfig.Paths.WorkersFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("relayd: read workers file: %w", err)
	}

	var doc struct {
		Workers []spawner.Worker `json:"workers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("relayd: parse workers file: %w", err)
	}
	return doc.Workers, nil
}

func printWorkers(workers []spawner.Worker) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCLI\tPID\tSPAWNED\tSHADOW OF\tTASK")
	for _, w := range workers {
		shadowOf := w.ShadowOf
		if shadowOf == "" {
			shadowOf = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			w.Name, w.CLI, w.PID, w.SpawnedAt.Format("15:04:05"), shadowOf, w.Task)
	}
	tw.Flush()
}
