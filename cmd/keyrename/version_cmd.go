package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/keyrename/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the keyrename version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
				return err
			}
			info := version.Get()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\nrevision: %s\nbuilt:    %s\nmodified: %t\n",
				info.String(), info.Revision, info.Time, info.Modified)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include VCS details")
	return cmd
}
