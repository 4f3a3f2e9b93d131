package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/keyrename"
	"pkt.systems/keyrename/internal/statestore"
	"pkt.systems/keyrename/internal/storage"
	"pkt.systems/keyrename/internal/svcfields"
	"pkt.systems/pslog"
)

func newStateCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the coordinator's durable record",
	}
	cmd.AddCommand(
		newStateInspectCommand(baseLogger),
		newStateListCommand(baseLogger),
		newStateResetCommand(baseLogger),
	)
	return cmd
}

func openState(cmd *cobra.Command, baseLogger pslog.Logger) (*settings, *keyrename.StateStore, error) {
	s, err := loadSettings(cmd, "coordinator")
	if err != nil {
		return nil, nil, err
	}
	logger := svcfields.WithSubsystem(s.logger(baseLogger, "state"), "cli.state")
	state, err := keyrename.OpenStateStore(cmd.Context(), stateConfig(s), nil, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, state, nil
}

func newStateInspectCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the durable record, optionally following changes",
		Long: `Reads the record the coordinator persists in its state backend. With
--follow the command keeps printing the record whenever it changes; this needs
a backend with a change feed (mem:// within one process, or disk://).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			s, state, err := openState(cmd, baseLogger)
			if err != nil {
				return err
			}
			defer state.Close()
			out := cmd.OutOrStdout()
			asJSON := s.Bool("json")
			rec, ok, err := state.Load(cmd.Context())
			if err != nil {
				return err
			}
			namespace, key := state.Location()
			if !ok {
				fmt.Fprintf(out, "no record at %s/%s\n", namespace, key)
			} else if err := printRecord(out, rec, asJSON); err != nil {
				return err
			}
			if !s.Bool("follow") {
				return nil
			}
			updates, err := state.Watch(cmd.Context())
			if errors.Is(err, storage.ErrNotImplemented) {
				return fmt.Errorf("backend %q has no change feed; --follow is unavailable", stateConfig(s).Store)
			}
			if err != nil {
				return err
			}
			for rec := range updates {
				if err := printRecord(out, rec, asJSON); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addStateFlags(cmd)
	cmd.Flags().Bool("follow", false, "keep printing the record as it changes")
	cmd.Flags().Bool("json", false, "print records as JSON")
	return cmd
}

func printRecord(w io.Writer, rec statestore.Record, asJSON bool) error {
	if asJSON {
		return writeJSON(w, rec)
	}
	_, err := fmt.Fprintln(w, rec.String())
	return err
}

func newStateListCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List coordinator records stored beside the configured one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			s, state, err := openState(cmd, baseLogger)
			if err != nil {
				return err
			}
			defer state.Close()
			objects, err := state.Records(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if s.Bool("json") {
				return writeJSON(out, objects)
			}
			namespace, _ := state.Location()
			if len(objects) == 0 {
				_, err := fmt.Fprintf(out, "no records in %s\n", namespace)
				return err
			}
			for _, obj := range objects {
				modified := "-"
				if !obj.LastModified.IsZero() {
					modified = humanize.Time(obj.LastModified)
				}
				if _, err := fmt.Fprintf(out, "%s/%s\t%s\t%s\t%s\n", namespace, obj.Key, humanizeBytes(obj.Size), modified, obj.ContentType); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addStateFlags(cmd)
	cmd.Flags().Bool("json", false, "print the listing as JSON")
	return cmd
}

func newStateResetCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete a finished record so the next coordinator boots idle",
		Long: `Deletes the durable record. Only records whose rename is done are deleted
unless --force is given. Forcing a reset of an unfinished rename restarts
transaction ids at 1 while replicas may still hold locks from the old attempt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			s, state, err := openState(cmd, baseLogger)
			if err != nil {
				return err
			}
			defer state.Close()
			rec, err := state.Reset(cmd.Context(), s.Bool("force"))
			namespace, key := state.Location()
			switch {
			case errors.Is(err, storage.ErrNotFound):
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "no record at %s/%s\n", namespace, key)
				return err
			case errors.Is(err, statestore.ErrInFlight):
				return fmt.Errorf("%w (use --force to delete anyway)", err)
			case err != nil:
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s (%s)\n", namespace, key, rec)
			return err
		},
	}
	addStateFlags(cmd)
	cmd.Flags().Bool("force", false, "delete the record even if its rename is unfinished")
	return cmd
}
