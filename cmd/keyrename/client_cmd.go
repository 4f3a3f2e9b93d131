package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/keyrename/internal/coordinator"
	"pkt.systems/keyrename/internal/transport"
)

const defaultCoordinatorURL = "http://127.0.0.1:9450"

func addClientFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("server", "s", defaultCoordinatorURL, "coordinator URL")
	flags.Duration("timeout", transport.DefaultRequestTimeout, "request timeout")
	flags.Int("attempts", 3, "attempts for transient failures")
	flags.Bool("json", false, "print raw JSON")
}

func coordinatorClient(cmd *cobra.Command) (*transport.CoordinatorClient, *settings, error) {
	s, err := loadSettings(cmd, "client")
	if err != nil {
		return nil, nil, err
	}
	client, err := transport.NewCoordinatorClient(s.String("server"), transport.ClientConfig{
		RequestTimeout: s.Duration("timeout"),
		MaxAttempts:    s.Int("attempts"),
	})
	if err != nil {
		return nil, nil, err
	}
	return client, s, nil
}

func newBeginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Start a rename attempt on the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			client, s, err := coordinatorClient(cmd)
			if err != nil {
				return err
			}
			attempt, err := client.Begin(cmd.Context())
			if err != nil {
				return err
			}
			if s.Bool("json") {
				return writeJSON(cmd.OutOrStdout(), attempt)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "attempt %s started (txn %d)\n", attempt.ID, attempt.TxnID)
			return err
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the coordinator phase and per-store progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			client, s, err := coordinatorClient(cmd)
			if err != nil {
				return err
			}
			snap, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if s.Bool("json") {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			return printSnapshot(cmd.OutOrStdout(), snap)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func printSnapshot(w io.Writer, snap coordinator.Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "phase:          %s\n", snap.Phase)
	fmt.Fprintf(&b, "txn:            %d\n", snap.TxnID)
	fmt.Fprintf(&b, "wal committed:  %t\n", snap.WALCommitted)
	if snap.Aborted {
		b.WriteString("aborted:        true\n")
	}
	if snap.Attempt != nil {
		fmt.Fprintf(&b, "attempt:        %s (started %s)\n", snap.Attempt.ID, snap.Attempt.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "stores:         %d\n", len(snap.Stores))
	fmt.Fprintf(&b, "locks acquired: %d\n", len(snap.LocksAcquired))
	fmt.Fprintf(&b, "renames done:   %d\n", len(snap.RenamesDone))
	fmt.Fprintf(&b, "unlocks acked:  %d\n", len(snap.UnlocksAcked))
	_, err := io.WriteString(w, b.String())
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
