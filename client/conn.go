// Package client implements a connection to a remote REPL. A Conn owns the
// socket, the single read goroutine and the session; a Dialect supplies the
// handshake, the outbound message shapes and the inbound handler chain.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/rs/zerolog"

	"github.com/zylisp/nrepl/internal/support"
	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/request"
	"github.com/zylisp/nrepl/transport"
)

// Errors returned by Conn operations.
var (
	// ErrNotReady is returned when work is submitted before the handshake finished.
	ErrNotReady = errors.New("connection is not ready")

	// ErrClosed is returned when the connection was disconnected.
	ErrClosed = errors.New("connection is closed")

	// ErrUnsupported is returned when the dialect has no such operation.
	ErrUnsupported = errors.New("operation not supported by dialect")
)

// Tracker is the request bookkeeping a Conn reports to. *request.Registry
// implements it.
type Tracker interface {
	Create(context string, p request.Params) request.Request
	CreateBatch(context string, params []request.Params) []request.Request
	ByID(id int64) (request.Request, bool)
	ByBatch(batch int64) []request.Request
	SetSession(id int64, session string) bool
	SetTrace(id int64, trace string) bool
	OnSuccess(id int64, value string, elapsed time.Duration) bool
	OnException(id int64, ex request.Failure) bool
	OnLookup(id int64, info *request.LookupInfo) bool
	OnDone(id int64) []request.Request
	OnBatchDone(batch int64) []request.Request
	MarkInterrupting(batch int64) []request.Request
	Erase(pred func(request.Request) bool, context string) int
	Attach(owner uint32, fn request.Interrupter)
	Detach(owner uint32)
}

// Options configure a Conn.
type Options struct {
	// Addr is a resolved address: host:port or a unix socket path.
	Addr    string
	Dialect Dialect
	Tracker Tracker
	Log     zerolog.Logger

	// Support is the code uploaded during the handshake. The embedded
	// bundle is used when Namespace is empty.
	Support support.Bundle

	// EvalShared is evaluated once after the support code is installed.
	EvalShared string

	// DialTimeout bounds the socket connect. Zero leaves it to the context.
	DialTimeout time.Duration

	// OnStatus is told about every phase change.
	OnStatus func(phase Phase, message string)

	// Output receives side-channel output. stream is "out" or "err".
	Output func(stream, text string)
}

var serials atomix.Uint32

func nextSerial() uint32 {
	return serials.Add(1)
}

// Conn is one socket session with a remote REPL.
type Conn struct {
	serial  uint32
	addr    string
	dialect Dialect
	tracker Tracker
	log     zerolog.Logger
	opts    Options

	mu      sync.Mutex
	netConn net.Conn
	codec   protocol.Codec
	phase   Phase
	status  string
	session string
	steps   []Step
	stage   int

	closing  atomic.Bool
	warnings atomic.Int64
	done     chan struct{}
}

// New creates an unconnected Conn.
func New(opts Options) *Conn {
	if opts.Support.Namespace == "" {
		opts.Support = support.Default()
	}
	serial := nextSerial()
	c := &Conn{
		serial:  serial,
		addr:    opts.Addr,
		dialect: opts.Dialect,
		tracker: opts.Tracker,
		opts:    opts,
		phase:   PhaseClosed,
		done:    make(chan struct{}),
	}
	c.log = opts.Log.With().
		Str("component", "conn").
		Uint32("conn", serial).
		Str("addr", opts.Addr).
		Str("dialect", opts.Dialect.Name()).
		Logger()
	return c
}

// Serial identifies the connection within the process.
func (c *Conn) Serial() uint32 { return c.serial }

// Addr returns the address the connection was created for.
func (c *Conn) Addr() string { return c.addr }

// Dialect returns the wire-protocol strategy.
func (c *Conn) Dialect() Dialect { return c.dialect }

// Connect opens the socket and starts the read goroutine, which runs the
// handshake. It returns once the socket is open; use Ready or the OnStatus
// callback to learn when the handshake completes. A failed Conn cannot be
// reused.
func (c *Conn) Connect(ctx context.Context) error {
	if c.closing.Load() {
		return ErrClosed
	}
	c.setStatus(PhaseConnecting, "Connecting to "+c.addr+"...")

	netConn, err := transport.Dial(ctx, c.addr, c.opts.DialTimeout)
	if err != nil {
		c.log.Error().Err(err).Msg("Connection failed")
		c.fail("Connection failed")
		return err
	}
	return c.start(netConn)
}

// Attach runs the connection over an already open stream, e.g. one end of
// net.Pipe.
func (c *Conn) Attach(netConn net.Conn) error {
	if c.closing.Load() {
		return ErrClosed
	}
	c.setStatus(PhaseConnecting, "Connecting to "+c.addr+"...")
	return c.start(netConn)
}

func (c *Conn) start(netConn net.Conn) error {
	codec, err := protocol.NewCodec(c.dialect.Format(), netConn)
	if err != nil {
		netConn.Close()
		c.fail("Connection failed")
		return fmt.Errorf("failed to create codec: %w", err)
	}

	c.mu.Lock()
	c.netConn = netConn
	c.codec = codec
	c.mu.Unlock()

	c.tracker.Attach(c.serial, func(req request.Request) {
		if err := c.dialect.Interrupt(c, req); err != nil {
			c.log.Debug().Err(err).Int64("id", req.ID).Msg("Failed to send implicit interrupt")
		}
	})

	go c.readLoop()
	return nil
}

// fail marks a connection that never got a socket as closed.
func (c *Conn) fail(message string) {
	c.closing.Store(true)
	c.setStatus(PhaseClosed, message)
	close(c.done)
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer c.Disconnect()

	if err := c.dialect.Handshake(c); err != nil {
		c.log.Error().Err(err).Msg("Handshake failed")
		return
	}

	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()

	for {
		var msg protocol.Message
		if err := codec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !c.closing.Load() && !errors.Is(err, net.ErrClosed) {
				c.log.Warn().Err(err).Msg("Read failed, disconnecting")
			}
			return
		}
		c.Dispatch(&msg)
	}
}

// Dispatch offers msg to the dialect's handler chain and returns the name of
// the handler that consumed it, or "" when none matched.
func (c *Conn) Dispatch(msg *protocol.Message) string {
	if n, ok := c.dialect.(normalizer); ok {
		n.normalize(c, msg)
	}
	for _, h := range c.dialect.Handlers() {
		if h.Match(c, msg) {
			c.log.Debug().Str("handler", h.Name).Stringer("msg", msg).Msg("RCV")
			h.Apply(c, msg)
			return h.Name
		}
	}
	c.log.Debug().Stringer("msg", msg).Msg("RCV unhandled")
	return ""
}

// Send writes msg after the dialect decorated it.
func (c *Conn) Send(msg *protocol.Message) error {
	if d, ok := c.dialect.(decorator); ok {
		d.decorate(c, msg)
	}
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()
	if codec == nil {
		return ErrClosed
	}

	c.log.Debug().Stringer("msg", msg).Msg("SND")
	if err := codec.Encode(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Str("op"), err)
	}
	return nil
}

// sendRaw writes s verbatim through a line codec.
func (c *Conn) sendRaw(s string) error {
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()
	w, ok := codec.(interface{ WriteRaw(string) error })
	if !ok {
		return fmt.Errorf("%w: raw writes need a line codec", ErrUnsupported)
	}
	c.log.Debug().Int("bytes", len(s)).Msg("SND raw")
	return w.WriteRaw(s)
}

// Ready reports whether the handshake completed.
func (c *Conn) Ready() bool {
	return c.Phase() == PhaseReady
}

// Phase returns the handshake progress.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Status returns the last status line, prefixed with the phase glyph.
func (c *Conn) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Session returns the session token, or "" before the handshake assigned one.
func (c *Conn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) setSession(session string) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

// Warnings returns the reflection warnings reported since the last eval.
func (c *Conn) Warnings() int64 {
	return c.warnings.Load()
}

// Done is closed once the read goroutine exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) setStatus(phase Phase, message string) {
	c.mu.Lock()
	c.phase = phase
	if glyph := phase.Glyph(); glyph != "" {
		c.status = glyph + " " + message
	} else {
		c.status = message
	}
	c.mu.Unlock()

	c.log.Info().Stringer("phase", phase).Msg(message)
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(phase, message)
	}
}

// startHandshake sends the first of steps.
func (c *Conn) startHandshake(steps []Step) error {
	c.mu.Lock()
	c.steps = steps
	c.stage = 0
	c.mu.Unlock()
	return c.sendStep()
}

// currentStep returns the step awaiting its reply and its 1-based id.
func (c *Conn) currentStep() (Step, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseReady || c.stage < 1 || c.stage > len(c.steps) {
		return Step{}, 0, false
	}
	return c.steps[c.stage-1], c.stage, true
}

func (c *Conn) advanceHandshake() {
	c.mu.Lock()
	last := c.stage >= len(c.steps)
	c.mu.Unlock()
	if last {
		c.setStatus(PhaseReady, c.addr)
		return
	}
	if err := c.sendStep(); err != nil {
		c.log.Error().Err(err).Msg("Handshake failed")
		c.closeSocket()
	}
}

func (c *Conn) sendStep() error {
	c.mu.Lock()
	c.stage++
	id := c.stage
	step := c.steps[id-1]
	session := c.session
	c.mu.Unlock()

	c.setStatus(step.Phase, step.Status)
	msg := protocol.NewMessage("id", id)
	if session != "" {
		msg.Set("session", session)
	}
	step.Message(c, msg)
	return c.Send(msg)
}

func (c *Conn) ensureReady() error {
	if c.closing.Load() {
		return ErrClosed
	}
	if !c.Ready() {
		return ErrNotReady
	}
	return nil
}

// Eval submits code and returns the batch id of the created requests.
func (c *Conn) Eval(sub Submission) (int64, error) {
	if err := c.ensureReady(); err != nil {
		return 0, err
	}
	c.warnings.Store(0)
	reqs, err := c.dialect.Eval(c, sub)
	if err != nil {
		return 0, err
	}
	return reqs[0].BatchID, nil
}

// Lookup asks for symbol info and returns the request id.
func (c *Conn) Lookup(context, symbol, ns string) (int64, error) {
	if err := c.ensureReady(); err != nil {
		return 0, err
	}
	if ns == "" {
		ns = "user"
	}
	req, err := c.dialect.Lookup(c, context, symbol, ns)
	if err != nil {
		return 0, err
	}
	return req.ID, nil
}

// LoadFile evaluates content as the file at path and returns the batch id.
// path may be empty for unsaved buffers.
func (c *Conn) LoadFile(context, content, path string) (int64, error) {
	if err := c.ensureReady(); err != nil {
		return 0, err
	}
	c.warnings.Store(0)
	reqs, err := c.dialect.LoadFile(c, context, content, path)
	if err != nil {
		return 0, err
	}
	return reqs[0].BatchID, nil
}

// Interrupt asks the remote to stop the oldest pending request of batch and
// marks the batch's pending requests as interrupting. The remote's eventual
// reply decides the outcome. It reports false when nothing was pending.
func (c *Conn) Interrupt(batch int64) (bool, error) {
	if err := c.ensureReady(); err != nil {
		return false, err
	}
	var target *request.Request
	for _, req := range c.tracker.ByBatch(batch) {
		if req.Status == request.Pending {
			target = &req
			break
		}
	}
	if target == nil {
		return false, nil
	}
	if err := c.dialect.Interrupt(c, *target); err != nil {
		return false, err
	}
	c.tracker.MarkInterrupting(batch)
	return true, nil
}

// Disconnect ends the connection. Pending requests of this connection are
// erased, each with a best-effort interrupt, then the session is closed
// politely and the socket released. It is safe to call more than once and
// from any goroutine.
func (c *Conn) Disconnect() {
	if c.closing.Swap(true) {
		return
	}

	c.tracker.Erase(func(req request.Request) bool {
		return req.Owner == c.serial && (req.Status == request.Pending || req.Status == request.Interrupting)
	}, "")
	c.tracker.Detach(c.serial)

	if c.Session() != "" {
		if err := c.dialect.Close(c); err != nil {
			c.log.Debug().Err(err).Msg("Failed to close session")
		}
	}
	c.closeSocket()
	c.setSession("")
	c.setStatus(PhaseClosed, "Disconnected")
}

func (c *Conn) closeSocket() {
	c.mu.Lock()
	codec := c.codec
	c.codec = nil
	c.netConn = nil
	c.mu.Unlock()
	if codec != nil {
		codec.Close()
	}
}

// messageID extracts the request id of msg. Remotes echo ids as sent: an
// integer, a decimal string, or "<id>.<suffix>" for follow-up requests.
func messageID(msg *protocol.Message) (id int64, suffix string, ok bool) {
	if n, ok := msg.Int("id"); ok {
		return n, "", n != 0
	}
	s := msg.Str("id")
	if s == "" {
		return 0, "", false
	}
	head, suffix, _ := strings.Cut(s, ".")
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil || n == 0 {
		return 0, "", false
	}
	return n, suffix, true
}
