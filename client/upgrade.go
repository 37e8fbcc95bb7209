package client

import (
	"regexp"

	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/request"
)

var dashesRe = regexp.MustCompile(`\s*------+\s*`)

// Upgrade is the dialect for nREPL servers that host a nested REPL for a
// different runtime (shadow-cljs). After cloning, the handshake asks the
// server to switch the session into the nested REPL for a build.
type Upgrade struct {
	nrepl
	build    string
	handlers []Handler
}

// NewUpgrade creates the Upgrade dialect for build: "node-repl",
// "browser-repl" or a build keyword such as ":app".
func NewUpgrade(build string) *Upgrade {
	d := &Upgrade{
		nrepl: nrepl{evalOp: "eval"},
		build: build,
	}
	d.handlers = []Handler{
		handshakeHandler(),
		sessionClosedHandler(),
		valueHandler(nil, ignoredAfterException),
		d.rawExceptionHandler(),
		lookupHandler(),
		outputHandler("out"),
		errExceptionHandler(),
		outputHandler("err"),
		doneHandler(),
	}
	return d
}

func (d *Upgrade) Name() string { return "upgrade" }

func (d *Upgrade) Handlers() []Handler { return d.handlers }

// Build returns the nested REPL target.
func (d *Upgrade) Build() string { return d.build }

// UpgradeCode returns the form that starts the nested REPL for build.
func UpgradeCode(build string) string {
	switch build {
	case "node-repl":
		return "(shadow.cljs.devtools.api/node-repl)"
	case "browser-repl":
		return "(shadow.cljs.devtools.api/browser-repl)"
	default:
		return "(shadow.cljs.devtools.api/repl " + build + ")"
	}
}

func (d *Upgrade) Handshake(c *Conn) error {
	return c.startHandshake([]Step{
		cloneStep(),
		{
			Phase:  PhaseUpload,
			Status: "Upgrading REPL",
			Message: func(c *Conn, msg *protocol.Message) {
				msg.Set("op", "eval").Set("code", UpgradeCode(d.build))
			},
			Until: func(msg *protocol.Message) bool {
				status := msg.Status()
				return len(status) == 1 && status[0] == "done"
			},
		},
	})
}

// LoadFile evaluates unsaved buffers as plain code; files with a path go
// through load-file.
func (d *Upgrade) LoadFile(c *Conn, context, content, path string) ([]request.Request, error) {
	if path == "" {
		return d.Eval(c, Submission{Context: context, Code: content})
	}
	return d.nrepl.LoadFile(c, context, content, path)
}

// ignoredAfterException drops the nil and :repl/exception! values the nested
// REPL prints after reporting an exception.
func ignoredAfterException(req request.Request, value string) bool {
	return req.Status == request.Exception && (value == "nil" || value == ":repl/exception!")
}

// errExceptionHandler turns stderr tied to a request into its exception.
func errExceptionHandler() Handler {
	return Handler{
		Name: "err-exception",
		Match: func(c *Conn, msg *protocol.Message) bool {
			_, suffix, ok := messageID(msg)
			return ok && suffix == "" && msg.Has("err")
		},
		Apply: func(c *Conn, msg *protocol.Message) {
			id, _, _ := messageID(msg)
			trace := msg.Str("err")
			c.tracker.OnException(id, request.Failure{
				Message: dashesRe.ReplaceAllString(trace, ""),
				Trace:   trace,
			})
		},
	}
}
