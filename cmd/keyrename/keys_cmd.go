package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/keyrename"
	"pkt.systems/keyrename/internal/cryptoutil"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the key bundle sealing the coordinator record",
	}
	cmd.AddCommand(newKeysInitCommand())
	return cmd
}

func newKeysInitCommand() *cobra.Command {
	var out string
	var force bool
	defaultOut := "$HOME/.keyrename/state-keys.pem"
	if path, err := keyrename.DefaultKeyFilePath(); err == nil {
		defaultOut = path
	}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create (or complete) a kryptograf key bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path := out
			if path == "" {
				var err error
				if path, err = keyrename.DefaultKeyFilePath(); err != nil {
					return fmt.Errorf("resolve key path: %w", err)
				}
			}
			path, err := expandPath(path)
			if err != nil {
				return err
			}
			mat, err := cryptoutil.InitFile(path, "", force)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "key bundle ready at %s (descriptor %s, context %q)\n",
				path, cryptoutil.StateDescriptorName, mat.Context)
			return err
		},
	}
	cmd.Flags().StringVar(&out, "out", "", fmt.Sprintf("bundle path (defaults to %s)", defaultOut))
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing bundle (the old record becomes unreadable)")
	return cmd
}
