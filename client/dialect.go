package client

import (
	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/request"
)

// Phase is the handshake progress of a connection.
type Phase int

const (
	PhaseClosed     Phase = -1
	PhaseConnecting Phase = 0
	PhaseSession    Phase = 1
	PhaseUpload     Phase = 2
	PhaseInstall    Phase = 3
	PhaseReady      Phase = 4
)

var phaseGlyphs = []string{"🌑", "🌒", "🌓", "🌔", "🌕"}

// Glyph returns the moon shown next to the connection status.
func (p Phase) Glyph() string {
	if p < PhaseConnecting || int(p) >= len(phaseGlyphs) {
		return ""
	}
	return phaseGlyphs[p]
}

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseConnecting:
		return "connecting"
	case PhaseSession:
		return "session"
	case PhaseUpload:
		return "upload"
	case PhaseInstall:
		return "install"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Submission is source text to evaluate, already extracted by the caller.
type Submission struct {
	// Context groups requests, e.g. per editor buffer.
	Context  string
	Code     string
	NS       string
	Position request.Position
	// Kind is request.KindEval or request.KindStatus.
	Kind request.Kind
}

func (s Submission) ns() string {
	if s.NS == "" {
		return "user"
	}
	return s.NS
}

// Dialect is the wire-protocol strategy a Conn runs. It owns the handshake,
// the shape of outbound messages and the inbound handler chain; the Conn
// owns the socket, the read goroutine and the session.
type Dialect interface {
	// Name identifies the dialect in logs and status lines.
	Name() string

	// Format is the codec format, "bencode" or "edn".
	Format() string

	// Handshake sends the first handshake message. It runs on the read
	// goroutine before any message is decoded.
	Handshake(c *Conn) error

	// Handlers returns the dispatch chain in priority order.
	Handlers() []Handler

	// Eval registers the requests of sub and sends them.
	Eval(c *Conn, sub Submission) ([]request.Request, error)

	// Lookup registers a symbol lookup and sends it.
	Lookup(c *Conn, context, symbol, ns string) (request.Request, error)

	// LoadFile evaluates the whole content of a file.
	LoadFile(c *Conn, context, content, path string) ([]request.Request, error)

	// Interrupt asks the remote to stop evaluating req.
	Interrupt(c *Conn, req request.Request) error

	// Close politely ends the session before the socket closes.
	Close(c *Conn) error
}

// decorator is implemented by dialects that enrich every outbound message.
type decorator interface {
	decorate(c *Conn, msg *protocol.Message)
}

// normalizer is implemented by dialects that rewrite inbound messages
// before dispatch.
type normalizer interface {
	normalize(c *Conn, msg *protocol.Message)
}

// Handler is one entry of the dispatch chain. Dispatch offers each message
// to handlers in order; the first whose Match returns true has its Apply
// called and the rest are skipped.
type Handler struct {
	Name  string
	Match func(c *Conn, msg *protocol.Message) bool
	Apply func(c *Conn, msg *protocol.Message)
}

// Step is one request/response pair of an id-keyed handshake. Step k (1-based)
// is sent with id k and completes when a reply with id k satisfies Until.
type Step struct {
	Phase  Phase
	Status string
	// Message builds the outbound message. id and session are already set.
	Message func(c *Conn, msg *protocol.Message)
	// Until reports whether msg completes the step. Defaults to a "done" status.
	Until func(msg *protocol.Message) bool
}

func stepDone(step Step, msg *protocol.Message) bool {
	if step.Until != nil {
		return step.Until(msg)
	}
	return msg.HasStatus("done")
}

// handshakeHandler advances an id-keyed handshake started with
// Conn.startHandshake.
func handshakeHandler() Handler {
	return Handler{
		Name: "handshake",
		Match: func(c *Conn, msg *protocol.Message) bool {
			id, suffix, ok := messageID(msg)
			if !ok || suffix != "" {
				return false
			}
			step, current, ok := c.currentStep()
			return ok && id == int64(current) && stepDone(step, msg)
		},
		Apply: func(c *Conn, msg *protocol.Message) {
			if session := msg.Str("new-session"); session != "" && c.Session() == "" {
				c.setSession(session)
			}
			c.advanceHandshake()
		},
	}
}
