package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/internal/replserver"
	"github.com/zylisp/nrepl/internal/version"
	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/request"
	"github.com/zylisp/nrepl/transport"
)

func evaluator(ctx context.Context, code, ns string) (string, string, error) {
	switch strings.Join(strings.Fields(code), " ") {
	case "(+ 1 2)":
		return "3", "", nil
	case `(println "hi")`:
		return "nil", "hi\n", nil
	case "(/ 1 0)":
		return "", "", &replserver.EvalError{Class: "java.lang.ArithmeticException", Message: "Divide by zero"}
	default:
		return "nil", "", nil
	}
}

func startServer(t *testing.T) *replserver.Server {
	t.Helper()
	srv := replserver.NewServer("tcp", "127.0.0.1:0", evaluator, zerolog.Nop())
	if err := srv.Listen(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

// run executes the root command with fresh flag values and returns what it
// wrote to stdout and stderr.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	configPath, debug = "", false
	addr, dialect, build, namespace = transport.Auto, "raw", "", ""
	timeout = 10 * time.Second
	loadFile = ""
	t.Setenv("NREPLC_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestEvalCommand(t *testing.T) {
	srv := startServer(t)

	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    []string
		wantErr error
	}{
		{
			name: "arguments",
			args: []string{"eval", "--addr", srv.Addr(), "(+", "1", "2)"},
			want: []string{"3"},
		},
		{
			name:  "stdin",
			args:  []string{"eval", "--addr", srv.Addr(), "-"},
			stdin: "(+ 1 2)",
			want:  []string{"3"},
		},
		{
			name: "output",
			args: []string{"eval", "--addr", srv.Addr(), `(println "hi")`},
			want: []string{"hi", "nil"},
		},
		{
			name: "enhanced",
			args: []string{"eval", "--addr", srv.Addr(), "--dialect", "enhanced", "(+ 1 2)"},
			want: []string{"Adding middleware...", "3"},
		},
		{
			name:    "exception",
			args:    []string{"eval", "--addr", srv.Addr(), "(/ 1 0)"},
			want:    []string{"ArithmeticException"},
			wantErr: errFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.stdin, tt.args...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("eval error = %v, want %v\n%s", err, tt.wantErr, out)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestEvalCommandLoadsFile(t *testing.T) {
	srv := startServer(t)
	path := filepath.Join(t.TempDir(), "core.clj")
	if err := os.WriteFile(path, []byte("(+ 1 2)\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "", "eval", "--addr", srv.Addr(), "--file", path)
	if err != nil {
		t.Fatalf("eval --file error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "3") {
		t.Errorf("output missing result:\n%s", out)
	}
}

func TestEvalCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no code", args: []string{"eval", "--addr", "127.0.0.1:1"}},
		{name: "unreachable", args: []string{"eval", "--addr", "127.0.0.1:1", "1"}},
		{name: "bad address", args: []string{"eval", "--addr", "nowhere", "1"}},
		{name: "bad dialect", args: []string{"eval", "--addr", "127.0.0.1:1", "--dialect", "telnet", "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out, err := run(t, "", tt.args...); err == nil {
				t.Errorf("eval succeeded, want error\n%s", out)
			}
		})
	}
}

func TestLookupCommand(t *testing.T) {
	srv := startServer(t)
	srv.Handler().Define("inc", protocol.NewMessage(
		"ns", "clojure.core",
		"name", "inc",
		"arglists-str", "([x])",
		"doc", "Returns a number one greater than num.",
	))

	out, err := run(t, "", "lookup", "--addr", srv.Addr(), "inc")
	if err != nil {
		t.Fatalf("lookup error = %v\n%s", err, out)
	}
	for _, want := range []string{"clojure.core/inc", "([x])", "one greater"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "", "lookup", "--addr", srv.Addr(), "nope")
	if err != nil {
		t.Fatalf("lookup error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "Not found: nope") {
		t.Errorf("output missing not-found line:\n%s", out)
	}
}

func TestReplCommand(t *testing.T) {
	srv := startServer(t)

	out, err := run(t, "(+ 1\n2)\n\n(/ 1 0)\n(+ 1 2)\n", "repl", "--addr", srv.Addr())
	if err != nil {
		t.Fatalf("repl error = %v\n%s", err, out)
	}
	if n := strings.Count(out, "3"); n < 2 {
		t.Errorf("want two results, got %d:\n%s", n, out)
	}
	if !strings.Contains(out, "ArithmeticException") {
		t.Errorf("exception not printed:\n%s", out)
	}
	if !strings.Contains(out, "user=> ") {
		t.Errorf("prompt not printed:\n%s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, version.String()) {
		t.Errorf("output = %q, want it to contain %q", out, version.String())
	}
}

func TestReadCode(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "joined", args: []string{"(+", "1", "2)"}, want: "(+ 1 2)"},
		{name: "stdin", args: []string{"-"}, stdin: "(inc 1)\n", want: "(inc 1)\n"},
		{name: "empty", wantErr: true},
	}

	loadFile = ""
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readCode(strings.NewReader(tt.stdin), tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readCode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("readCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name    string
		req     request.Request
		elapsed string
		want    []string
		absent  []string
	}{
		{
			name:    "value",
			req:     request.Request{Status: request.Success, Value: "42"},
			elapsed: "(12 ms)",
			want:    []string{"(12 ms)", "42"},
		},
		{
			name: "exception",
			req: request.Request{
				Status: request.Exception,
				Value:  "boom",
				ExLoc:  request.Position{File: "core.clj", Line: 3, Column: 5},
				Trace:  "at user$eval1",
			},
			want: []string{"boom", "at core.clj:3:5", "at user$eval1"},
		},
		{
			name:   "done prints nothing",
			req:    request.Request{Status: request.Done, Value: "ignored"},
			absent: []string{"ignored"},
		},
		{
			name: "lookup",
			req: request.Request{
				Status: request.Lookup,
				Code:   "inc",
				Info:   &request.LookupInfo{NS: "clojure.core", Name: "inc", File: "clojure/core.clj"},
			},
			want: []string{"clojure.core/inc", "clojure/core.clj"},
		},
		{
			name: "lookup not found",
			req:  request.Request{Status: request.Lookup, Code: "nope"},
			want: []string{"Not found: nope"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			formatResult(&buf, tt.req, tt.elapsed)
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
			for _, absent := range tt.absent {
				if strings.Contains(buf.String(), absent) {
					t.Errorf("output contains %q:\n%s", absent, buf.String())
				}
			}
		})
	}
}

func TestFormatPhase(t *testing.T) {
	var buf bytes.Buffer
	formatPhase(&buf, client.PhaseSession, "Cloning session")
	formatPhase(&buf, client.PhaseClosed, "Disconnected")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], client.PhaseSession.Glyph()) {
		t.Errorf("line %q does not start with the phase glyph", lines[0])
	}
	if !strings.HasPrefix(lines[1], "✗") {
		t.Errorf("line %q does not mark the closed connection", lines[1])
	}
}

func TestCollectorSettles(t *testing.T) {
	c := newCollector()
	hooks := c.hooks()

	hooks.OnUpdate(request.Request{ID: 10, BatchID: 10, Status: request.Pending})
	hooks.OnUpdate(request.Request{ID: 11, BatchID: 10, Status: request.Pending})
	if _, ok := c.settled(10); ok {
		t.Fatal("batch settled with pending requests")
	}

	hooks.OnUpdate(request.Request{ID: 10, BatchID: 10, Status: request.Success, Value: "1"})
	hooks.OnErase(request.Request{ID: 11, BatchID: 10, Status: request.Pending})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reqs, err := c.wait(ctx, 10, nil)
	if err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	if len(reqs) != 2 || reqs[0].ID != 10 || reqs[1].ID != 11 {
		t.Errorf("wait() = %+v, want requests 10 and 11", reqs)
	}

	if _, err := c.wait(ctx, 99, closedChan()); err == nil {
		t.Error("wait() on closed connection succeeded")
	}
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
