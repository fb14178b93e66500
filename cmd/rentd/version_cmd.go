package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/rentd/internal/version"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the rentd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "rentd %s\n", version.Current())
			return err
		},
	}
	return cmd
}
