package client

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/request"
)

// nrepl carries the message shapes and handlers shared by the bencode
// dialects. Each dialect assembles its own handler chain from these.
type nrepl struct {
	evalOp string
}

func (d *nrepl) Format() string { return "bencode" }

func cloneStep() Step {
	return Step{
		Phase:   PhaseSession,
		Status:  "Cloning session",
		Message: func(c *Conn, msg *protocol.Message) { msg.Set("op", "clone") },
		Until:   func(msg *protocol.Message) bool { return msg.Has("new-session") },
	}
}

func (d *nrepl) evalMessage(c *Conn, id any, code, ns string, pos request.Position) *protocol.Message {
	msg := protocol.NewMessage(
		"id", id,
		"session", c.Session(),
		"op", d.evalOp,
		"code", code,
	)
	if ns != "" {
		msg.Set("ns", ns)
	}
	if pos.Line > 0 {
		msg.Set("line", pos.Line)
	}
	if pos.Column > 0 {
		msg.Set("column", pos.Column)
	}
	if pos.File != "" {
		msg.Set("file", pos.File)
	}
	return msg
}

func submissionKind(k request.Kind) request.Kind {
	if k == request.KindStatus {
		return k
	}
	return request.KindEval
}

func (d *nrepl) Eval(c *Conn, sub Submission) ([]request.Request, error) {
	req := c.tracker.Create(sub.Context, request.Params{
		Kind:     submissionKind(sub.Kind),
		Code:     sub.Code,
		NS:       sub.ns(),
		Session:  c.Session(),
		Owner:    c.serial,
		Position: sub.Position,
	})
	if err := c.Send(d.evalMessage(c, req.ID, sub.Code, sub.ns(), sub.Position)); err != nil {
		c.tracker.OnDone(req.ID)
		return nil, err
	}
	return []request.Request{req}, nil
}

func (d *nrepl) Lookup(c *Conn, context, symbol, ns string) (request.Request, error) {
	req := c.tracker.Create(context, request.Params{
		Kind:    request.KindLookup,
		Code:    symbol,
		NS:      ns,
		Session: c.Session(),
		Owner:   c.serial,
	})
	msg := protocol.NewMessage(
		"id", req.ID,
		"session", c.Session(),
		"op", "lookup",
		"sym", symbol,
		"ns", ns,
	)
	if err := c.Send(msg); err != nil {
		c.tracker.OnDone(req.ID)
		return request.Request{}, err
	}
	return req, nil
}

func (d *nrepl) LoadFile(c *Conn, context, content, path string) ([]request.Request, error) {
	req := c.tracker.Create(context, request.Params{
		Kind:     request.KindLoadFile,
		Code:     content,
		Session:  c.Session(),
		Owner:    c.serial,
		Position: request.Position{File: path},
	})
	fileName := "NO_SOURCE_FILE.cljc"
	if path != "" {
		fileName = filepath.Base(path)
	}
	msg := protocol.NewMessage(
		"id", req.ID,
		"session", c.Session(),
		"op", "load-file",
		"file", content,
		"file-name", fileName,
	)
	if path != "" {
		msg.Set("file-path", path)
	}
	if err := c.Send(msg); err != nil {
		c.tracker.OnDone(req.ID)
		return nil, err
	}
	return []request.Request{req}, nil
}

func (d *nrepl) Interrupt(c *Conn, req request.Request) error {
	return c.Send(protocol.NewMessage(
		"session", c.Session(),
		"op", "interrupt",
		"interrupt-id", req.ID,
	))
}

func (d *nrepl) Close(c *Conn) error {
	return c.Send(protocol.NewMessage("op", "close", "session", c.Session()))
}

func sessionClosedHandler() Handler {
	return Handler{
		Name: "session-closed",
		Match: func(c *Conn, msg *protocol.Message) bool {
			session := c.Session()
			return session != "" && msg.Str("session") == session && msg.HasStatus("session-closed")
		},
		Apply: func(c *Conn, msg *protocol.Message) {
			c.setSession("")
			c.closeSocket()
		},
	}
}

// sessionAssignmentHandler records the per-request session announced by
// dialects that clone a session for every eval.
func sessionAssignmentHandler() Handler {
	return Handler{
		Name: "session-assignment",
		Match: func(c *Conn, msg *protocol.Message) bool {
			if !msg.Has("new-session") {
				return false
			}
			id, suffix, ok := messageID(msg)
			if !ok || suffix != "" {
				return false
			}
			_, found := c.tracker.ByID(id)
			return found
		},
		Apply: func(c *Conn, msg *protocol.Message) {
			id, _, _ := messageID(msg)
			c.tracker.SetSession(id, msg.Str("new-session"))
		},
	}
}

// valueHandler resolves requests with a value. Replies to "<id>.e" trace
// fetches fill the trace of an exceptional request instead. elapsedKey
// returns the nanosecond timing key, if the dialect has one.
func valueHandler(elapsedKey func(c *Conn) string, skip func(req request.Request, value string) bool) Handler {
	return Handler{
		Name: "value",
		Match: func(c *Conn, msg *protocol.Message) bool {
			_, _, ok := messageID(msg)
			return ok && msg.Has("value")
		},
		Apply: func(c *Conn, msg *protocol.Message) {
			id, suffix, _ := messageID(msg)
			value := msg.Str("value")
			if suffix == "e" {
				if req, ok := c.tracker.ByID(id); ok && req.Status == request.Exception && req.Trace == "" {
					c.tracker.SetTrace(id, value)
				}
				return
			}
			if suffix != "" {
				return
			}
			if skip != nil {
				if req, ok := c.tracker.ByID(id); ok && skip(req, value) {
					return
				}
			}
			elapsed := request.NoElapsed
			if elapsedKey != nil {
				if ns, ok := msg.Int(elapsedKey(c)); ok {
					elapsed = time.Duration(ns)
				}
			}
			c.tracker.OnSuccess(id, value, elapsed)
		},
	}
}

// rawError composes the error text of a bare nREPL reply. fetchTrace is
// true when the remote reported an evaluation exception whose trace can be
// fetched through *e.
func rawError(msg *protocol.Message) (text string, fetchTrace bool) {
	if s := msg.Str("root-ex"); s != "" {
		return s, true
	}
	if s := msg.Str("ex"); s != "" {
		return s, true
	}
	switch {
	case msg.HasStatus("namespace-not-found"):
		return "Namespace not found: " + msg.Str("ns"), false
	case msg.HasStatus("unknown-op"):
		return "Unknown op: " + msg.Str("op"), false
	}
	return "", false
}

func (d *nrepl) applyRawException(c *Conn, msg *protocol.Message) {
	id, _, _ := messageID(msg)
	text, fetchTrace := rawError(msg)
	c.tracker.OnException(id, request.Failure{Message: text})
	if fetchTrace {
		fetch := d.evalMessage(c, fmt.Sprintf("%d.e", id), "*e", "", request.Position{})
		if err := c.Send(fetch); err != nil {
			c.log.Debug().Err(err).Int64("id", id).Msg("Failed to fetch trace")
		}
	}
}

func (d *nrepl) rawExceptionHandler() Handler {
	return Handler{
		Name: "exception",
		Match: func(c *Conn, msg *protocol.Message) bool {
			_, suffix, ok := messageID(msg)
			if !ok || suffix != "" {
				return false
			}
			text, _ := rawError(msg)
			return text != ""
		},
		Apply: d.applyRawException,
	}
}

func lookupHandler() Handler {
	return Handler{
		Name: "lookup",
		Match: func(c *Conn, msg *protocol.Message) bool {
			_, _, ok := messageID(msg)
			return ok && msg.Has("info")
		},
		Apply: func(c *Conn, msg *protocol.Message) {
			id, _, _ := messageID(msg)
			c.tracker.OnLookup(id, lookupInfo(msg.Map("info")))
		},
	}
}

func outputHandler(stream string) Handler {
	return Handler{
		Name: stream,
		Match: func(c *Conn, msg *protocol.Message) bool {
			return msg.Has(stream)
		},
		Apply: func(c *Conn, msg *protocol.Message) {
			c.output(stream, msg.Str(stream))
		},
	}
}

func doneHandler() Handler {
	return Handler{
		Name: "done",
		Match: func(c *Conn, msg *protocol.Message) bool {
			_, suffix, ok := messageID(msg)
			return ok && suffix == "" && msg.HasStatus("done")
		},
		Apply: func(c *Conn, msg *protocol.Message) {
			id, _, _ := messageID(msg)
			c.tracker.OnDone(id)
		},
	}
}

func (c *Conn) output(stream, text string) {
	if c.opts.Output != nil {
		c.opts.Output(stream, text)
	}
}

// lookupInfo converts an info bundle. An empty bundle means not found.
func lookupInfo(info *protocol.Message) *request.LookupInfo {
	name := info.Str("name")
	if name == "" {
		return nil
	}
	out := &request.LookupInfo{
		NS:   info.Str("ns"),
		Name: name,
		File: info.Str("file"),
		Doc:  info.Str("doc"),
	}
	if s := info.Str("arglists-str"); s != "" {
		out.Arglists = s
	} else if v, ok := info.Get("arglists"); ok {
		out.Arglists = formText(v)
	}
	if v, ok := info.Get("forms"); ok {
		switch forms := v.(type) {
		case string:
			out.Forms = []string{forms}
		case []any:
			for _, f := range forms {
				out.Forms = append(out.Forms, formText(f))
			}
		}
	}
	return out
}

// formText renders nested lists the way they print as code.
func formText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = formText(item)
		}
		return "(" + strings.Join(parts, " ") + ")"
	default:
		return fmt.Sprint(x)
	}
}
