package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zylisp/nrepl/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nreplc %s\n", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
