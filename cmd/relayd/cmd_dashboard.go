package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dashboardStubCmd = &cobra.Command{
	Use:   "dashboard-stub",
	Short: "Explain where the HTTP/WebSocket dashboard surface lives",
	Long: `The HTTP/WebSocket dashboard ships separately from this daemon.
relayd exposes everything a dashboard needs as a thin view: the workers
metadata file, the message store, and the dead-letter
queue are all readable independently of relayd's own process. relayd
itself serves only the read-only operator socket consumed by
'relayd agents' and 'relayd dlq'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(cmd.Long)
		return nil
	},
}
