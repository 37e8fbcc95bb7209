package main

import (
	"github.com/spf13/cobra"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <symbol>",
	Short: "Show the documentation of a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ns := namespace
		if ns == "" {
			ns = "user"
		}
		id, err := s.engine.Lookup(s.ws, cliContext, args[0], ns)
		if err != nil {
			return err
		}
		// a lookup is a batch of its own
		return s.await(cmd.Context(), id)
	},
}

func init() {
	rootCmd.AddCommand(lookupCmd)
}
