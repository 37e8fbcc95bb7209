// Package repl is the client engine for remote REPLs. An Engine keeps at
// most one connection per workspace, tracks the requests of every
// connection in one registry and drives the process-wide progress
// indicator. Hosts create one Engine and Close it on shutdown.
package repl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/config"
	"github.com/zylisp/nrepl/internal/support"
	"github.com/zylisp/nrepl/progress"
	"github.com/zylisp/nrepl/request"
	"github.com/zylisp/nrepl/transport"
)

// Errors returned by the Engine.
var (
	// ErrAlreadyConnected is returned by Connect when the workspace has a live connection.
	ErrAlreadyConnected = errors.New("workspace is already connected")

	// ErrNotConnected is returned when an operation needs a connection the workspace lacks.
	ErrNotConnected = errors.New("workspace is not connected")

	// ErrNoLastConnection is returned by Reconnect before any successful Connect.
	ErrNoLastConnection = errors.New("no previous connection to reconnect to")

	// ErrUnknownWorkspace is returned for ids Open never handed out.
	ErrUnknownWorkspace = errors.New("unknown workspace")

	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine is closed")
)

// closeWait bounds how long Close waits for each read goroutine.
const closeWait = 2 * time.Second

// Dialect names accepted in ConnectParams.
const (
	DialectRaw      = "raw"
	DialectEnhanced = "enhanced"
	DialectUpgrade  = "upgrade"
	DialectTextLine = "textline"
)

// Dialects lists the accepted dialect names.
var Dialects = []string{DialectRaw, DialectEnhanced, DialectUpgrade, DialectTextLine}

// ConnectParams describe a connection. They are remembered per workspace
// for Reconnect.
type ConnectParams struct {
	// Addr is host:port, a unix socket path, or "auto" to read the port
	// from a marker file in the workspace root.
	Addr    string
	Dialect string
	// Build is the nested REPL target of the upgrade dialect.
	Build string
}

// Options configure an Engine.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	Log    zerolog.Logger

	// Hooks are told about every request change.
	Hooks request.Hooks

	// OnStatus is told about connection phase changes.
	OnStatus func(workspace string, phase client.Phase, message string)

	// Output receives out/err text not tied to a request.
	Output func(workspace, stream, text string)
}

type workspace struct {
	id   string
	root string
	conn *client.Conn
	last *ConnectParams
}

// Engine is the connection registry.
type Engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	opts     Options
	support  support.Bundle
	registry *request.Registry
	progress *progress.Indicator

	mu         sync.Mutex
	workspaces map[string]*workspace
	last       *ConnectParams
	closed     bool
}

// New creates an Engine and starts its progress indicator.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	bundle, err := cfg.Support()
	if err != nil {
		return nil, fmt.Errorf("failed to load support code: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		log:        opts.Log.With().Str("component", "engine").Logger(),
		opts:       opts,
		support:    bundle,
		workspaces: make(map[string]*workspace),
	}
	e.registry = request.NewRegistry(request.Hooks{
		OnUpdate: e.onUpdate,
		OnErase:  opts.Hooks.OnErase,
	})
	e.progress = progress.New(e.registry, opts.Log)
	e.progress.Update(cfg.ProgressPhases, cfg.ProgressInterval())
	return e, nil
}

func (e *Engine) onUpdate(req request.Request) {
	if req.Status == request.Pending {
		e.progress.Wake()
	}
	if e.opts.Hooks.OnUpdate != nil {
		e.opts.Hooks.OnUpdate(req)
	}
}

// Registry returns the request registry shared by all connections.
func (e *Engine) Registry() *request.Registry { return e.registry }

// Progress returns the progress indicator.
func (e *Engine) Progress() *progress.Indicator { return e.progress }

// Config returns the settings the engine runs with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Open registers a workspace rooted at root and returns its id. root is
// where "auto" looks for port files.
func (e *Engine) Open(root string) string {
	id := uuid.NewString()
	e.mu.Lock()
	e.workspaces[id] = &workspace{id: id, root: root}
	e.mu.Unlock()
	e.log.Debug().Str("workspace", id).Str("root", root).Msg("Workspace opened")
	return id
}

// Forget disconnects the workspace and drops it.
func (e *Engine) Forget(ws string) {
	if err := e.Disconnect(ws); err != nil && !errors.Is(err, ErrNotConnected) {
		e.log.Debug().Err(err).Str("workspace", ws).Msg("Failed to disconnect forgotten workspace")
	}
	e.mu.Lock()
	delete(e.workspaces, ws)
	e.mu.Unlock()
}

// Workspaces returns the open workspace ids in sorted order.
func (e *Engine) Workspaces() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.workspaces))
	for id := range e.workspaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) workspace(ws string) (*workspace, error) {
	w, ok := e.workspaces[ws]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkspace, ws)
	}
	return w, nil
}

// Conn returns the workspace's connection, which may still be in its
// handshake.
func (e *Engine) Conn(ws string) (*client.Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workspaces[ws]
	if !ok || w.conn == nil {
		return nil, false
	}
	return w.conn, true
}

func (e *Engine) active(ws string) (*client.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, err := e.workspace(ws)
	if err != nil {
		return nil, err
	}
	if w.conn == nil {
		return nil, ErrNotConnected
	}
	return w.conn, nil
}

func (e *Engine) dialect(params ConnectParams) (client.Dialect, error) {
	switch params.Dialect {
	case DialectRaw, "":
		return client.NewRaw(), nil
	case DialectEnhanced:
		return client.NewEnhanced(e.cfg.PrintQuota), nil
	case DialectUpgrade:
		if params.Build == "" {
			return nil, errors.New("upgrade dialect needs a build")
		}
		return client.NewUpgrade(params.Build), nil
	case DialectTextLine:
		return client.NewTextLine(), nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", params.Dialect)
	}
}

// Connect opens a connection for the workspace. It returns once the socket
// is open; the handshake continues in the background and is reported
// through OnStatus. A failed connect leaves the workspace disconnected.
func (e *Engine) Connect(ctx context.Context, ws string, params ConnectParams) (*client.Conn, error) {
	if err := transport.Validate(params.Addr); err != nil {
		return nil, err
	}
	dialect, err := e.dialect(params)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	w, err := e.workspace(ws)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if w.conn != nil {
		e.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	root := w.root
	e.mu.Unlock()

	addr, err := transport.Resolve(params.Addr, root, e.cfg.PortFiles)
	if err != nil {
		return nil, err
	}

	conn := client.New(client.Options{
		Addr:        addr,
		Dialect:     dialect,
		Tracker:     e.registry,
		Log:         e.log.With().Str("workspace", ws).Logger(),
		Support:     e.support,
		EvalShared:  e.cfg.EvalShared,
		DialTimeout: e.cfg.ConnectTimeout(),
		OnStatus: func(phase client.Phase, message string) {
			if e.opts.OnStatus != nil {
				e.opts.OnStatus(ws, phase, message)
			}
		},
		Output: func(stream, text string) {
			if e.opts.Output != nil {
				e.opts.Output(ws, stream, text)
			}
		},
	})

	e.mu.Lock()
	if w.conn != nil {
		e.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	w.conn = conn
	e.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		e.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		e.mu.Unlock()
		return nil, err
	}

	last := params
	e.mu.Lock()
	w.last = &last
	e.last = &last
	e.mu.Unlock()

	go e.watch(w, conn)
	return conn, nil
}

// watch releases the workspace once the connection ends, whoever ended it.
func (e *Engine) watch(w *workspace, conn *client.Conn) {
	<-conn.Done()
	e.release(w, conn)
}

// release detaches conn from w and erases every request it still owns.
func (e *Engine) release(w *workspace, conn *client.Conn) {
	e.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	e.mu.Unlock()

	serial := conn.Serial()
	n := e.registry.Erase(func(req request.Request) bool { return req.Owner == serial }, "")
	if n > 0 {
		e.log.Debug().Str("workspace", w.id).Int("erased", n).Msg("Cleared requests of closed connection")
	}
}

// Reconnect disconnects the workspace, if needed, and connects again with
// the parameters of its last successful Connect, or of the last one in any
// workspace.
func (e *Engine) Reconnect(ctx context.Context, ws string) (*client.Conn, error) {
	e.mu.Lock()
	w, err := e.workspace(ws)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	params := w.last
	if params == nil {
		params = e.last
	}
	connected := w.conn != nil
	e.mu.Unlock()

	if params == nil {
		return nil, ErrNoLastConnection
	}
	if connected {
		if err := e.Disconnect(ws); err != nil && !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
	}
	return e.Connect(ctx, ws, *params)
}

// Disconnect closes the workspace's connection. Pending requests are
// interrupted; every request of the connection is erased.
func (e *Engine) Disconnect(ws string) error {
	e.mu.Lock()
	w, err := e.workspace(ws)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	conn := w.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	conn.Disconnect()
	e.release(w, conn)
	return nil
}

// Eval submits code in the workspace and returns the batch id.
func (e *Engine) Eval(ws string, sub client.Submission) (int64, error) {
	conn, err := e.active(ws)
	if err != nil {
		return 0, err
	}
	return conn.Eval(sub)
}

// EvalStatus submits code whose result is meant for a status line. A new
// status eval replaces the previous one of the same context.
func (e *Engine) EvalStatus(ws string, sub client.Submission) (int64, error) {
	sub.Kind = request.KindStatus
	return e.Eval(ws, sub)
}

// Lookup asks for symbol info and returns the request id.
func (e *Engine) Lookup(ws, context, symbol, ns string) (int64, error) {
	conn, err := e.active(ws)
	if err != nil {
		return 0, err
	}
	return conn.Lookup(context, symbol, ns)
}

// LoadFile evaluates content as the file at path and returns the batch id.
func (e *Engine) LoadFile(ws, context, content, path string) (int64, error) {
	conn, err := e.active(ws)
	if err != nil {
		return 0, err
	}
	return conn.LoadFile(context, content, path)
}

// Interrupt interrupts the oldest batch with pending work in context and
// reports whether there was one.
func (e *Engine) Interrupt(ws, context string) (bool, error) {
	conn, err := e.active(ws)
	if err != nil {
		return false, err
	}
	req, ok := e.registry.OldestPending(context)
	if !ok {
		return false, nil
	}
	if req.Owner != conn.Serial() {
		owned := e.registry.Select(func(r request.Request) bool {
			return r.Status == request.Pending && r.Owner == conn.Serial()
		}, context)
		if len(owned) == 0 {
			return false, nil
		}
		req = owned[0]
		for _, r := range owned[1:] {
			if r.BatchID < req.BatchID {
				req = r
			}
		}
	}
	return conn.Interrupt(req.BatchID)
}

// ClearCompleted erases the finished requests of context and returns how
// many were erased.
func (e *Engine) ClearCompleted(context string) int {
	return e.registry.ClearCompleted(context)
}

// Activate limits the progress indicator to context, typically the focused
// buffer. An empty context animates every pending request.
func (e *Engine) Activate(context string) {
	e.progress.SetActive(context)
}

// FormatElapsed renders the timing of req, or "" below the configured
// threshold.
func (e *Engine) FormatElapsed(req request.Request) string {
	return request.FormatElapsed(req.Elapsed, e.cfg.ElapsedThreshold())
}

// Wait blocks until the workspace's connection finished its handshake or
// closed, or ctx ends.
func (e *Engine) Wait(ctx context.Context, ws string) error {
	conn, err := e.active(ws)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch conn.Phase() {
		case client.PhaseReady:
			return nil
		case client.PhaseClosed:
			return fmt.Errorf("%w: %s", ErrNotConnected, conn.Status())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
		case <-ticker.C:
		}
	}
}

// Close disconnects every workspace, waits for the read goroutines to end
// and stops the progress indicator.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ids := make([]string, 0, len(e.workspaces))
	for id := range e.workspaces {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		conn, ok := e.Conn(id)
		if !ok {
			continue
		}
		if err := e.Disconnect(id); err != nil && !errors.Is(err, ErrNotConnected) {
			e.log.Debug().Err(err).Str("workspace", id).Msg("Failed to disconnect")
		}
		select {
		case <-conn.Done():
		case <-time.After(closeWait):
			e.log.Warn().Str("workspace", id).Msg("Read goroutine did not stop")
		}
	}
	e.progress.Stop()
}
