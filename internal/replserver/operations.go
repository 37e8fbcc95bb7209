package replserver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zylisp/nrepl/protocol"
)

// EvaluatorFunc is the function signature for the code evaluator behind the
// server. It returns:
//   - value: the printed result
//   - output: text the evaluation wrote to stdout
//   - err: an evaluation exception; use *EvalError to control the class
//
// ctx is cancelled when the evaluation is interrupted.
type EvaluatorFunc func(ctx context.Context, code, ns string) (value, output string, err error)

// ErrNamespaceNotFound makes an evaluation fail with the namespace-not-found
// status instead of an exception.
var ErrNamespaceNotFound = errors.New("namespace not found")

// EvalError is an exception raised by evaluated code.
type EvalError struct {
	Class   string
	Message string
}

func (e *EvalError) Error() string {
	return e.Class + ": " + e.Message
}

// Ops lists the operations the handler understands.
var Ops = []string{
	"add-middleware",
	"clone",
	"clone-eval-close",
	"close",
	"describe",
	"eval",
	"interrupt",
	"load-file",
	"lookup",
}

type session struct {
	id      string
	lastErr error
	running map[string]context.CancelFunc
}

// Handler processes request messages. Replies are streamed through a send
// function because one request may produce several replies.
type Handler struct {
	evaluator EvaluatorFunc
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	sessions   map[string]*session
	symbols    map[string]*protocol.Message
	middleware []string
	stopped    bool
	wg         sync.WaitGroup
}

// NewHandler creates a new operation handler with the given evaluator.
func NewHandler(evaluator EvaluatorFunc) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		evaluator: evaluator,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
		symbols:   make(map[string]*protocol.Message),
	}
}

// Define registers the info bundle returned by lookup for sym.
func (h *Handler) Define(sym string, info *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.symbols[sym] = info
}

// Sessions returns the number of open sessions.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Middleware returns the middleware installed through add-middleware.
func (h *Handler) Middleware() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.middleware...)
}

// Shutdown interrupts every running evaluation and waits until each one
// has replied.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

// Handle processes a request message and sends its replies. Evaluations run
// in their own goroutine so that an interrupt can reach them.
func (h *Handler) Handle(req *protocol.Message, send func(*protocol.Message)) {
	switch op := req.Str("op"); op {
	case "clone":
		h.handleClone(req, send)
	case "close":
		h.handleClose(req, send)
	case "describe":
		h.handleDescribe(req, send)
	case "eval":
		h.startEval(req, req.Str("code"), h.session(req.Str("session")), send)
	case "clone-eval-close":
		sess := h.newSession()
		send(reply(req, "new-session", sess.id))
		h.startEval(req, req.Str("code"), sess, send)
	case "load-file":
		h.startEval(req, req.Str("file"), h.session(req.Str("session")), send)
	case "lookup":
		h.handleLookup(req, send)
	case "interrupt":
		h.handleInterrupt(req, send)
	case "add-middleware":
		h.mu.Lock()
		h.middleware = append(h.middleware, req.Strings("middleware")...)
		h.mu.Unlock()
		send(reply(req, "status", []string{"done"}))
	default:
		send(reply(req, "op", op, "status", []string{"unknown-op", "error", "done"}))
	}
}

// reply starts a response carrying the request's id and session.
func reply(req *protocol.Message, kv ...any) *protocol.Message {
	resp := protocol.NewMessage()
	if id, ok := req.Get("id"); ok {
		resp.Set("id", id)
	}
	if s := req.Str("session"); s != "" {
		resp.Set("session", s)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		resp.Set(kv[i].(string), kv[i+1])
	}
	return resp
}

func (h *Handler) newSession() *session {
	sess := &session{id: uuid.NewString(), running: make(map[string]context.CancelFunc)}
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	return sess
}

// session returns the named session, or a throwaway one for sessionless
// requests.
func (h *Handler) session(id string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.sessions[id]; ok {
		return sess
	}
	return &session{id: id, running: make(map[string]context.CancelFunc)}
}

func (h *Handler) handleClone(req *protocol.Message, send func(*protocol.Message)) {
	sess := h.newSession()
	send(reply(req, "new-session", sess.id, "status", []string{"done"}))
}

func (h *Handler) handleClose(req *protocol.Message, send func(*protocol.Message)) {
	id := req.Str("session")
	var cancels []context.CancelFunc
	h.mu.Lock()
	if sess, ok := h.sessions[id]; ok {
		for _, cancel := range sess.running {
			cancels = append(cancels, cancel)
		}
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	send(reply(req, "status", []string{"session-closed", "done"}))
}

// handleDescribe returns information about the server's capabilities.
func (h *Handler) handleDescribe(req *protocol.Message, send func(*protocol.Message)) {
	ops := protocol.NewMessage()
	for _, op := range Ops {
		ops.Set(op, protocol.NewMessage())
	}
	send(reply(req,
		"ops", ops,
		"versions", protocol.NewMessage("nrepl", protocol.NewMessage("version-string", "1.0.0")),
		"status", []string{"done"},
	))
}

func (h *Handler) handleLookup(req *protocol.Message, send func(*protocol.Message)) {
	h.mu.Lock()
	info, ok := h.symbols[req.Str("sym")]
	h.mu.Unlock()
	if !ok {
		send(reply(req, "info", protocol.NewMessage(), "status", []string{"done", "no-info"}))
		return
	}
	send(reply(req, "info", info.Clone(), "status", []string{"done"}))
}

func (h *Handler) handleInterrupt(req *protocol.Message, send func(*protocol.Message)) {
	target := fmt.Sprint(protocolValue(req, "interrupt-id"))
	h.mu.Lock()
	var cancel context.CancelFunc
	if sess, ok := h.sessions[req.Str("session")]; ok {
		cancel = sess.running[target]
	}
	h.mu.Unlock()
	if cancel == nil {
		send(reply(req, "status", []string{"session-idle", "done"}))
		return
	}
	cancel()
	send(reply(req, "status", []string{"done"}))
}

func protocolValue(msg *protocol.Message, key string) any {
	v, _ := msg.Get(key)
	return v
}

func (h *Handler) startEval(req *protocol.Message, code string, sess *session, send func(*protocol.Message)) {
	if code == "" {
		send(reply(req, "status", []string{"error", "no-code", "done"}))
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	key := fmt.Sprint(protocolValue(req, "id"))
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		cancel()
		send(reply(req, "status", []string{"interrupted", "done"}))
		return
	}
	sess.running[key] = cancel
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			delete(sess.running, key)
			h.mu.Unlock()
			cancel()
		}()
		h.eval(ctx, req, code, sess, send)
		send(reply(req, "status", []string{"done"}))
	}()
}

func (h *Handler) eval(ctx context.Context, req *protocol.Message, code string, sess *session, send func(*protocol.Message)) {
	ns := req.Str("ns")
	if ns == "" {
		ns = "user"
	}

	if code == "*e" {
		h.mu.Lock()
		last := sess.lastErr
		h.mu.Unlock()
		value := "nil"
		if last != nil {
			value = fmt.Sprintf("#error {:cause %q}", last.Error())
		}
		send(reply(req, "value", value, "ns", ns))
		return
	}

	value, output, err := h.evaluator(ctx, code, ns)
	if output != "" {
		send(reply(req, "out", output))
	}
	switch {
	case ctx.Err() != nil:
		send(reply(req, "status", []string{"interrupted"}))
	case errors.Is(err, ErrNamespaceNotFound):
		send(reply(req, "ns", ns, "status", []string{"namespace-not-found", "error"}))
	case err != nil:
		h.mu.Lock()
		sess.lastErr = err
		h.mu.Unlock()
		class := "java.lang.RuntimeException"
		var evalErr *EvalError
		if errors.As(err, &evalErr) {
			class = evalErr.Class
		}
		send(reply(req, "err", err.Error()+"\n"))
		send(reply(req, "ex", "class "+class, "root-ex", "class "+class, "status", []string{"eval-error"}))
	default:
		send(reply(req, "value", value, "ns", ns))
	}
}
