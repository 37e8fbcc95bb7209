package client

import (
	"fmt"

	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/request"
)

// DefaultPrintQuota bounds printed results in the Enhanced dialect.
const DefaultPrintQuota = 4096

const (
	caughtKey    = "nrepl.middleware.caught/caught"
	quotaKey     = "nrepl.middleware.print/quota"
	truncatedKey = "nrepl.middleware.print/truncated-keys"
)

// Enhanced is the nREPL dialect for JVM remotes. The handshake uploads the
// support code and installs its middleware; afterwards every eval runs in a
// fresh clone of the session, reports its timing, and describes exceptions
// with class, message, location and trace.
type Enhanced struct {
	nrepl
	quota    int
	handlers []Handler
}

// NewEnhanced creates the Enhanced dialect. quota limits the printed size of
// results; zero disables the limit.
func NewEnhanced(quota int) *Enhanced {
	d := &Enhanced{
		nrepl: nrepl{evalOp: "clone-eval-close"},
		quota: quota,
	}
	d.handlers = []Handler{
		handshakeHandler(),
		sessionClosedHandler(),
		sessionAssignmentHandler(),
		valueHandler(func(c *Conn) string { return d.key(c, "time-taken") }, nil),
		d.exceptionHandler(),
		lookupHandler(),
		outputHandler("out"),
		outputHandler("err"),
		doneHandler(),
	}
	return d
}

func (d *Enhanced) Name() string { return "enhanced" }

func (d *Enhanced) Handlers() []Handler { return d.handlers }

// key returns a key of the support middleware namespace.
func (d *Enhanced) key(c *Conn, name string) string {
	return c.opts.Support.Namespace + ".middleware/" + name
}

func (d *Enhanced) Handshake(c *Conn) error {
	ns := c.opts.Support.Namespace
	steps := []Step{
		cloneStep(),
		{
			Phase:  PhaseUpload,
			Status: "Uploading support code 1/2...",
			Message: func(c *Conn, msg *protocol.Message) {
				msg.Set("op", "load-file").Set("file", c.opts.Support.Core)
			},
		},
		{
			Phase:  PhaseUpload,
			Status: "Uploading support code 2/2...",
			Message: func(c *Conn, msg *protocol.Message) {
				msg.Set("op", "load-file").Set("file", c.opts.Support.Middleware)
			},
		},
		{
			Phase:  PhaseInstall,
			Status: "Adding middleware...",
			Message: func(c *Conn, msg *protocol.Message) {
				msg.Set("op", "add-middleware").
					Set("middleware", []string{
						ns + ".middleware/clone-and-eval",
						ns + ".middleware/time-eval",
						ns + ".middleware/wrap-errors",
						ns + ".middleware/wrap-output",
					}).
					Set("extra-namespaces", []string{ns + ".core", ns + ".middleware"})
			},
		},
	}
	if c.opts.EvalShared != "" {
		steps = append(steps, Step{
			Phase:  PhaseInstall,
			Status: "Evaluating session code...",
			Message: func(c *Conn, msg *protocol.Message) {
				msg.Set("op", "eval").Set("code", c.opts.EvalShared)
			},
		})
	}
	return c.startHandshake(steps)
}

// decorate installs the error printer and the print quota on every message
// once the middleware is in place.
func (d *Enhanced) decorate(c *Conn, msg *protocol.Message) {
	if !c.Ready() {
		return
	}
	msg.Set(caughtKey, d.key(c, "print-root-trace"))
	if !msg.Has(quotaKey) && d.quota != 0 {
		msg.Set(quotaKey, d.quota)
	}
	if n, ok := msg.Int(quotaKey); ok && n == 0 {
		msg.Delete(quotaKey)
	}
}

// normalize marks values the printer cut short.
func (d *Enhanced) normalize(c *Conn, msg *protocol.Message) {
	for _, key := range msg.Strings(truncatedKey) {
		if s, ok := msg.Get(key); ok {
			if text, ok := s.(string); ok {
				msg.Set(key, text+" ...")
			}
		}
	}
}

func (d *Enhanced) structuredException(c *Conn, msg *protocol.Message) (request.Failure, bool) {
	get := func(name string) string { return msg.Str(d.key(c, name)) }
	class, message := get("root-ex-class"), get("root-ex-msg")
	if class == "" || message == "" {
		return request.Failure{}, false
	}

	ex := request.Failure{
		Message: class + ": " + message,
		Trace:   get("trace"),
	}
	if data := get("root-ex-data"); data != "" {
		ex.Message += " " + data
	}
	line, hasLine := msg.Int(d.key(c, "line"))
	column, hasColumn := msg.Int(d.key(c, "column"))
	if source := get("source"); hasLine && hasColumn && source != "" {
		ex.Location = request.Position{File: source, Line: int(line), Column: int(column)}
		ex.Message += fmt.Sprintf(" (%s:%d:%d)", source, line, column)
	}
	return ex, true
}

func (d *Enhanced) exceptionHandler() Handler {
	raw := d.rawExceptionHandler()
	return Handler{
		Name: "exception",
		Match: func(c *Conn, msg *protocol.Message) bool {
			_, suffix, ok := messageID(msg)
			if !ok || suffix != "" {
				return false
			}
			if _, ok := d.structuredException(c, msg); ok {
				return true
			}
			return raw.Match(c, msg)
		},
		Apply: func(c *Conn, msg *protocol.Message) {
			ex, ok := d.structuredException(c, msg)
			if !ok {
				raw.Apply(c, msg)
				return
			}
			id, _, _ := messageID(msg)
			c.tracker.OnException(id, ex)
		},
	}
}

// Interrupt targets the clone the request runs in, falling back to the
// connection's session before the clone was announced.
func (d *Enhanced) Interrupt(c *Conn, req request.Request) error {
	session := req.Session
	if session == "" {
		session = c.Session()
	}
	return c.Send(protocol.NewMessage(
		"session", session,
		"op", "interrupt",
		"interrupt-id", req.ID,
	))
}
