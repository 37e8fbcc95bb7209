package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zylisp/nrepl/client"
)

var loadFile string

var evalCmd = &cobra.Command{
	Use:   "eval [code...]",
	Short: "Evaluate code and print the results",
	Long: `Evaluate code in the remote REPL and print each result.

Code is taken from the arguments, or from stdin when the only argument is "-".
With --file the whole file is loaded instead, the way an editor loads a buffer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readCode(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		var batch int64
		if loadFile != "" {
			batch, err = s.engine.LoadFile(s.ws, cliContext, code, loadFile)
		} else {
			batch, err = s.engine.Eval(s.ws, client.Submission{
				Context: cliContext,
				Code:    code,
				NS:      namespace,
			})
		}
		if err != nil {
			return err
		}
		return s.await(cmd.Context(), batch)
	},
}

// readCode returns the code to evaluate: the --file contents, stdin for "-",
// or the arguments joined by spaces.
func readCode(stdin io.Reader, args []string) (string, error) {
	switch {
	case loadFile != "":
		if len(args) > 0 {
			return "", errors.New("--file and code arguments are mutually exclusive")
		}
		data, err := os.ReadFile(loadFile)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", loadFile, err)
		}
		return string(data), nil
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	case len(args) == 0:
		return "", errors.New("nothing to evaluate")
	default:
		return strings.Join(args, " "), nil
	}
}

func init() {
	evalCmd.Flags().StringVarP(&loadFile, "file", "f", "", "Load this file instead of evaluating arguments")
	rootCmd.AddCommand(evalCmd)
}
