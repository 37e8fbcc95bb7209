package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zylisp/nrepl/client"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive session",
	Long: `Read forms from stdin and evaluate them one input at a time. Input
continues on the next line while a form is unterminated. Ctrl-C interrupts
the running evaluation; Ctrl-D ends the session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		defer signal.Stop(sigs)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return s.interact(ctx, cmd.InOrStdin(), sigs)
	},
}

func (s *session) prompt(continued bool) {
	ns := namespace
	if ns == "" {
		ns = "user"
	}
	if continued {
		fmt.Fprint(s.out, dimStyle.Render(strings.Repeat(" ", len(ns))+"_ "))
		return
	}
	fmt.Fprint(s.out, dimStyle.Render(ns+"=> "))
}

// interact runs the read-eval-print loop until in is exhausted or the
// connection closes. Exceptions are printed and do not end the loop.
func (s *session) interact(ctx context.Context, in io.Reader, sigs <-chan os.Signal) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var buf strings.Builder
	s.prompt(false)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
		code := buf.String()
		if client.Unterminated(code) {
			s.prompt(true)
			continue
		}
		buf.Reset()

		if strings.TrimSpace(code) != "" {
			if err := s.evalInteractive(ctx, code, sigs); err != nil && !errors.Is(err, errFailed) {
				return err
			}
		}
		s.prompt(false)
	}
	fmt.Fprintln(s.out)
	return scanner.Err()
}

func (s *session) evalInteractive(ctx context.Context, code string, sigs <-chan os.Signal) error {
	batch, err := s.engine.Eval(s.ws, client.Submission{
		Context: cliContext,
		Code:    code,
		NS:      namespace,
	})
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-sigs:
				if _, err := s.engine.Interrupt(s.ws, cliContext); err != nil {
					fmt.Fprintln(s.out, errorStyle.Render("Interrupt failed: "+err.Error()))
				}
			case <-stop:
				return
			}
		}
	}()

	err = s.await(ctx, batch)
	s.engine.ClearCompleted(cliContext)
	return err
}

func init() {
	rootCmd.AddCommand(replCmd)
}
