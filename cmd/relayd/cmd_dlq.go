package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrelay/relayd/internal/deadletter"
	"github.com/agentrelay/relayd/internal/envelope"
	"github.com/agentrelay/relayd/internal/wire"
)

var (
	dlqReason string
	dlqSince  time.Duration
	dlqLimit  int
	dlqPurge  bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List or purge dead letters",
	Long: `List reads the dead-letter queue over the operator socket when relayd
is running, or opens the database file directly otherwise. --purge removes
matching rows instead of listing them (requires direct database access;
the operator socket is read-only). With --purge, --since selects rows older
than the given duration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := deadletter.Filter{Reason: envelope.DeadLetterReason(dlqReason), Limit: dlqLimit}
		if dlqSince > 0 {
			filter.SinceMs = time.Now().Add(-dlqSince).UnixMilli()
		}

		if dlqPurge {
			return purgeDeadLetters(filter)
		}
		return listDeadLetters(filter)
	},
}

func init() {
	dlqCmd.Flags().StringVar(&dlqReason, "reason", "", "filter by reason (max_retries_exceeded, ttl_expired, connection_lost, target_not_found)")
	dlqCmd.Flags().DurationVar(&dlqSince, "since", 0, "list only rows newer than this duration ago; with --purge, remove only rows older than it")
	dlqCmd.Flags().IntVar(&dlqLimit, "limit", 200, "maximum rows to list")
	dlqCmd.Flags().BoolVar(&dlqPurge, "purge", false, "purge matching rows instead of listing them")
}

func dlqPath() string {
	path := loadedConfig.Store.Path
	if path == "" {
		return ""
	}
	return path + ".dlq"
}

func listDeadLetters(filter deadletter.Filter) error {
	if probe, err := net.Dial("unix", loadedConfig.Paths.SocketPath); err == nil {
		probe.Close()
		resp, err := wire.Query(loadedConfig.Paths.SocketPath, wire.Request{
			Op: "dlq", Reason: filter.Reason, SinceMs: filter.SinceMs, Limit: filter.Limit,
		})
		if err != nil {
			return fmt.Errorf("relayd: query dlq over socket: %w", err)
		}
		printDeadLetters(resp.Letters)
		return nil
	}

	q, err := deadletter.Open(dlqPath())
	if err != nil {
		return fmt.Errorf("relayd: open dead-letter queue: %w", err)
	}
	defer q.Close()

	letters, err := q.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("relayd: list dead letters: %w", err)
	}
	printDeadLetters(letters)
	return nil
}

func purgeDeadLetters(filter deadletter.Filter) error {
	q, err := deadletter.Open(dlqPath())
	if err != nil {
		return fmt.Errorf("relayd: open dead-letter queue: %w", err)
	}
	defer q.Close()

	n, err := q.Purge(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("relayd: purge dead letters: %w", err)
	}
	fmt.Printf("purged %d dead letters\n", n)
	return nil
}

func printDeadLetters(letters []envelope.DeadLetter) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFROM\tTO\tREASON\tATTEMPTS\tDEAD AT\tBODY")
	for _, dl := range letters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			dl.Envelope.ShortID(), dl.Envelope.From, dl.Envelope.To, dl.Reason,
			dl.AttemptCount, dl.DeadAt.Format(time.RFC3339), truncateBody(dl.Envelope.Body))
	}
	tw.Flush()
}

func truncateBody(s string) string {
	const max = 60
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
