package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getpup/pupstore/pkg"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the library version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), pupstore.Version())
		},
	}
}
