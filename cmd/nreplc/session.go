package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/spf13/cobra"

	repl "github.com/zylisp/nrepl"
	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/request"
)

// cliContext is the request context of everything the CLI submits.
const cliContext = "nreplc"

// errFailed is returned when a result was an exception. The results were
// already printed, so main only sets the exit code.
var errFailed = errors.New("evaluation failed")

// collector keeps the last snapshot of every request the CLI submitted.
type collector struct {
	mu      sync.Mutex
	reqs    map[int64]request.Request
	erased  map[int64]bool
	changed chan struct{}
}

func newCollector() *collector {
	return &collector{
		reqs:    make(map[int64]request.Request),
		erased:  make(map[int64]bool),
		changed: make(chan struct{}, 1),
	}
}

func (c *collector) hooks() request.Hooks {
	return request.Hooks{
		OnUpdate: func(req request.Request) {
			c.mu.Lock()
			c.reqs[req.ID] = req
			c.mu.Unlock()
			c.notify()
		},
		OnErase: func(req request.Request) {
			c.mu.Lock()
			if _, ok := c.reqs[req.ID]; !ok {
				c.reqs[req.ID] = req
			}
			c.erased[req.ID] = true
			c.mu.Unlock()
			c.notify()
		},
	}
}

func (c *collector) notify() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// settled returns the requests of batch once each is resolved or erased.
func (c *collector) settled(batch int64) ([]request.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []request.Request
	for id, req := range c.reqs {
		if req.BatchID != batch {
			continue
		}
		if !c.erased[id] && !req.Status.Resolved() {
			return nil, false
		}
		out = append(out, req)
	}
	if len(out) == 0 {
		return nil, false
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, true
}

// wait blocks until every request of batch settled, ctx ends or the
// connection closes.
func (c *collector) wait(ctx context.Context, batch int64, closed <-chan struct{}) ([]request.Request, error) {
	for {
		if reqs, ok := c.settled(batch); ok {
			return reqs, nil
		}
		select {
		case <-c.changed:
		case <-closed:
			if reqs, ok := c.settled(batch); ok {
				return reqs, nil
			}
			return nil, errors.New("connection closed before the results arrived")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// session is one connected workspace of a CLI run.
type session struct {
	engine  *repl.Engine
	ws      string
	conn    *client.Conn
	results *collector
	out     io.Writer
}

// openSession connects to the configured address and waits for the
// handshake. Connection phases are reported on stderr.
func openSession(cmd *cobra.Command) (*session, error) {
	// callbacks write from the read goroutine
	var mu sync.Mutex
	stdout := &lockedWriter{mu: &mu, w: cmd.OutOrStdout()}
	stderr := &lockedWriter{mu: &mu, w: cmd.ErrOrStderr()}
	cfg, log, err := loadSettings(stderr)
	if err != nil {
		return nil, err
	}

	results := newCollector()
	engine, err := repl.New(repl.Options{
		Config: cfg,
		Log:    log,
		Hooks:  results.hooks(),
		OnStatus: func(ws string, phase client.Phase, message string) {
			formatPhase(stderr, phase, message)
		},
		Output: func(ws, stream, text string) {
			formatOutput(stdout, stderr, stream, text)
		},
	})
	if err != nil {
		return nil, err
	}

	root, err := os.Getwd()
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	ws := engine.Open(root)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := engine.Connect(ctx, ws, repl.ConnectParams{Addr: addr, Dialect: dialect, Build: build})
	if err != nil {
		engine.Close()
		return nil, err
	}
	if err := engine.Wait(ctx, ws); err != nil {
		engine.Close()
		return nil, err
	}
	return &session{engine: engine, ws: ws, conn: conn, results: results, out: stdout}, nil
}

func (s *session) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// await waits for batch and prints its results. It reports errFailed when
// one of them was an exception.
func (s *session) await(ctx context.Context, batch int64) error {
	ctx, cancel := s.waitContext(ctx)
	defer cancel()
	reqs, err := s.results.wait(ctx, batch, s.conn.Done())
	if err != nil {
		return err
	}
	failed := false
	for _, req := range reqs {
		formatResult(s.out, req, s.engine.FormatElapsed(req))
		if req.Status == request.Exception {
			failed = true
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func (s *session) Close() {
	s.engine.Close()
}
