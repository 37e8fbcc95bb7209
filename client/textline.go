package client

import (
	"strconv"
	"strings"
	"time"

	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/request"
)

// StartedMarker is the line fragment the socket REPL prints once the
// uploaded REPL loop runs.
const StartedMarker = `{"tag" "started"}`

const reflectionWarning = "Reflection warning"

// TextLine is the dialect for a plain socket REPL. The handshake types the
// support code into the REPL and starts a structured loop that answers with
// one EDN map per line. An eval is split into top-level forms; each form
// gets its own request and all of them share the batch id sent on the wire.
type TextLine struct {
	handlers []Handler
}

// NewTextLine creates the TextLine dialect.
func NewTextLine() *TextLine {
	d := &TextLine{}
	d.handlers = []Handler{
		{Name: "handshake", Match: textStarting, Apply: textStarted},
		{Name: "value", Match: hasTag("ret"), Apply: textValue},
		{Name: "exception", Match: hasTag("ex"), Apply: textException},
		{Name: "done", Match: hasTag("done"), Apply: textDone},
		{Name: "lookup", Match: hasTag("lookup"), Apply: textLookup},
		{Name: "err", Match: hasTag("err"), Apply: textErr},
		{Name: "out", Match: hasTag("out"), Apply: textOut},
	}
	return d
}

func (d *TextLine) Name() string { return "textline" }

func (d *TextLine) Format() string { return "edn" }

func (d *TextLine) Handlers() []Handler { return d.handlers }

func (d *TextLine) Handshake(c *Conn) error {
	c.setStatus(PhaseSession, "Upgrading REPL")
	blobs := []string{c.opts.Support.Core, c.opts.Support.SocketREPL}
	if shared := c.opts.EvalShared; shared != "" {
		if !strings.HasSuffix(shared, "\n") {
			shared += "\n"
		}
		blobs = append(blobs, shared)
	}
	blobs = append(blobs, "(repl)\n")
	for _, blob := range blobs {
		if err := c.sendRaw(blob); err != nil {
			return err
		}
	}
	return nil
}

func (d *TextLine) Eval(c *Conn, sub Submission) ([]request.Request, error) {
	return d.submit(c, sub, submissionKind(sub.Kind))
}

func (d *TextLine) LoadFile(c *Conn, context, content, path string) ([]request.Request, error) {
	return d.submit(c, Submission{
		Context:  context,
		Code:     content,
		Position: request.Position{File: path, Line: 1, Column: 1},
	}, request.KindLoadFile)
}

func (d *TextLine) submit(c *Conn, sub Submission, kind request.Kind) ([]request.Request, error) {
	forms := SplitForms(sub.Code)
	if len(forms) == 0 {
		forms = []Form{{Text: sub.Code, Line: 1, Column: 1}}
	}
	params := make([]request.Params, len(forms))
	for i, f := range forms {
		params[i] = request.Params{
			Kind:     kind,
			Code:     f.Text,
			NS:       sub.ns(),
			Owner:    c.serial,
			Position: formPosition(sub.Position, f),
		}
	}
	reqs := c.tracker.CreateBatch(sub.Context, params)
	batch := reqs[0].BatchID

	msg := protocol.NewMessage(
		"id", batch,
		"op", "eval",
		"ns", sub.ns(),
		"code", sub.Code,
	)
	if sub.Position.File != "" {
		msg.Set("file", sub.Position.File)
	}
	if sub.Position.Line > 0 {
		msg.Set("line", sub.Position.Line)
	}
	if sub.Position.Column > 0 {
		msg.Set("column", sub.Position.Column)
	}
	if err := c.Send(msg); err != nil {
		c.tracker.OnBatchDone(batch)
		return nil, err
	}
	return reqs, nil
}

// formPosition places a form found at f inside code that starts at base.
func formPosition(base request.Position, f Form) request.Position {
	pos := request.Position{File: base.File}
	if base.Line <= 0 {
		return pos
	}
	pos.Line = base.Line + f.Line - 1
	pos.Column = f.Column
	if f.Line == 1 && base.Column > 0 {
		pos.Column = base.Column + f.Column - 1
	}
	return pos
}

func (d *TextLine) Lookup(c *Conn, context, symbol, ns string) (request.Request, error) {
	req := c.tracker.Create(context, request.Params{
		Kind:  request.KindLookup,
		Code:  symbol,
		NS:    ns,
		Owner: c.serial,
	})
	msg := protocol.NewMessage(
		"id", req.ID,
		"op", "lookup",
		"symbol", symbol,
		"ns", ns,
	)
	if err := c.Send(msg); err != nil {
		c.tracker.OnDone(req.ID)
		return request.Request{}, err
	}
	return req, nil
}

// Interrupt stops the whole batch; the socket REPL runs a batch on one thread.
func (d *TextLine) Interrupt(c *Conn, req request.Request) error {
	return c.Send(protocol.NewMessage("id", req.BatchID, "op", "interrupt"))
}

// Close is a no-op: the socket REPL has no session to close.
func (d *TextLine) Close(c *Conn) error { return nil }

func textStarting(c *Conn, msg *protocol.Message) bool {
	return !c.Ready()
}

func textStarted(c *Conn, msg *protocol.Message) {
	if strings.Contains(msg.Raw, StartedMarker) {
		c.setStatus(PhaseReady, c.addr)
	}
}

func tag(msg *protocol.Message) string {
	return strings.TrimPrefix(msg.Str("tag"), ":")
}

func hasTag(want string) func(c *Conn, msg *protocol.Message) bool {
	return func(c *Conn, msg *protocol.Message) bool {
		return tag(msg) == want
	}
}

// formID maps the batch id and form index of a reply to the request id.
// Ids within a batch are consecutive.
func formID(msg *protocol.Message) (int64, bool) {
	batch, ok := msg.Int("id")
	if !ok {
		return 0, false
	}
	idx, _ := msg.Int("idx")
	return batch + idx, true
}

// textElapsed reads the "time" key, in milliseconds.
func textElapsed(msg *protocol.Message) time.Duration {
	if ms, ok := msg.Int("time"); ok {
		return time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseFloat(msg.Str("time"), 64); err == nil {
		return time.Duration(ms * float64(time.Millisecond))
	}
	return request.NoElapsed
}

func textValue(c *Conn, msg *protocol.Message) {
	id, ok := formID(msg)
	if !ok {
		return
	}
	c.tracker.OnSuccess(id, msg.Str("val"), textElapsed(msg))
}

func textException(c *Conn, msg *protocol.Message) {
	batch, ok := msg.Int("id")
	if !ok {
		return
	}
	line, _ := msg.Int("line")
	column, _ := msg.Int("column")
	ex := request.Failure{
		Message:  msg.Str("val"),
		Location: request.Position{File: msg.Str("source"), Line: int(line), Column: int(column)},
		Trace:    msg.Str("trace"),
	}
	if idx, ok := msg.Int("idx"); ok {
		c.tracker.OnException(batch+idx, ex)
		return
	}
	// no form index: the whole batch failed, e.g. while reading
	for _, req := range c.tracker.ByBatch(batch) {
		if !req.Status.Resolved() {
			c.tracker.OnException(req.ID, ex)
		}
	}
}

func textDone(c *Conn, msg *protocol.Message) {
	if batch, ok := msg.Int("id"); ok {
		c.tracker.OnBatchDone(batch)
	}
}

func textLookup(c *Conn, msg *protocol.Message) {
	id, ok := msg.Int("id")
	if !ok {
		return
	}
	var info *request.LookupInfo
	if val := msg.Str("val"); val != "" {
		parsed, err := protocol.ParseEDNMap(val)
		if err != nil {
			c.log.Warn().Err(err).Int64("id", id).Msg("Failed to parse lookup result")
		} else {
			info = lookupInfo(parsed)
		}
	}
	c.tracker.OnLookup(id, info)
}

func textErr(c *Conn, msg *protocol.Message) {
	val := msg.Str("val")
	if strings.HasPrefix(val, reflectionWarning) {
		c.warnings.Add(1)
		return
	}
	c.output("err", val)
}

func textOut(c *Conn, msg *protocol.Message) {
	c.output("out", msg.Str("val"))
}
