package client

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/request"
)

// remote is the server end of a net.Pipe. Everything the client writes is
// decoded onto msgs.
type remote struct {
	t     *testing.T
	conn  net.Conn
	codec protocol.Codec
	msgs  chan *protocol.Message
}

func (r *remote) readLoop() {
	defer close(r.msgs)
	for {
		var msg protocol.Message
		if err := r.codec.Decode(&msg); err != nil {
			return
		}
		r.msgs <- &msg
	}
}

// next returns the next message the client sent.
func (r *remote) next() *protocol.Message {
	r.t.Helper()
	select {
	case msg, ok := <-r.msgs:
		if !ok {
			r.t.Fatal("client closed the stream")
		}
		return msg
	case <-time.After(2 * time.Second):
		r.t.Fatal("timed out waiting for a client message")
		return nil
	}
}

// expectOp returns the next message and checks its op.
func (r *remote) expectOp(op string) *protocol.Message {
	r.t.Helper()
	msg := r.next()
	if got := msg.Str("op"); got != op {
		r.t.Fatalf("op = %q, want %q in %v", got, op, msg)
	}
	return msg
}

// quiet checks that the client sends nothing for a while.
func (r *remote) quiet() {
	r.t.Helper()
	select {
	case msg, ok := <-r.msgs:
		if ok {
			r.t.Fatalf("unexpected client message %v", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func (r *remote) send(kv ...any) {
	r.t.Helper()
	if err := r.codec.Encode(protocol.NewMessage(kv...)); err != nil {
		r.t.Fatalf("remote send: %v", err)
	}
}

func (r *remote) sendLine(line string) {
	r.t.Helper()
	if _, err := io.WriteString(r.conn, line+"\n"); err != nil {
		r.t.Fatalf("remote send: %v", err)
	}
}

// sync returns once the client dispatched everything sent before it.
func (r *remote) sync() {
	r.t.Helper()
	if _, ok := r.codec.(*protocol.EDNCodec); ok {
		r.sendLine(`{"tag" "sync"}`)
		r.sendLine(`{"tag" "sync"}`)
		return
	}
	r.send("op", "sync")
	r.send("op", "sync")
}

type recorder struct {
	mu       sync.Mutex
	phases   []Phase
	statuses map[int64][]request.Status
	output   []string
}

func (rec *recorder) onStatus(p Phase, _ string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.phases = append(rec.phases, p)
}

func (rec *recorder) onUpdate(req request.Request) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.statuses[req.ID] = append(rec.statuses[req.ID], req.Status)
}

func (rec *recorder) onOutput(stream, text string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.output = append(rec.output, stream+":"+text)
}

func (rec *recorder) phaseLog() []Phase {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Phase(nil), rec.phases...)
}

func (rec *recorder) history(id int64) []request.Status {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]request.Status(nil), rec.statuses[id]...)
}

type harness struct {
	conn *Conn
	reg  *request.Registry
	rem  *remote
	rec  *recorder
}

func newHarness(t *testing.T, d Dialect, mutate ...func(*Options)) *harness {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()

	rec := &recorder{statuses: make(map[int64][]request.Status)}
	reg := request.NewRegistry(request.Hooks{OnUpdate: rec.onUpdate})
	opts := Options{
		Addr:     "pipe",
		Dialect:  d,
		Tracker:  reg,
		Log:      zerolog.Nop(),
		OnStatus: rec.onStatus,
		Output:   rec.onOutput,
	}
	for _, m := range mutate {
		m(&opts)
	}

	codec, err := protocol.NewCodec(d.Format(), serverEnd)
	if err != nil {
		t.Fatal(err)
	}
	rem := &remote{t: t, conn: serverEnd, codec: codec, msgs: make(chan *protocol.Message, 256)}
	go rem.readLoop()

	c := New(opts)
	if err := c.Attach(clientEnd); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() {
		c.Disconnect()
		serverEnd.Close()
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Error("read goroutine did not exit")
		}
	})
	return &harness{conn: c, reg: reg, rem: rem, rec: rec}
}

// readyRaw completes a one-step clone handshake.
func (h *harness) clone(session string) {
	h.rem.t.Helper()
	clone := h.rem.expectOp("clone")
	id, _ := clone.Int("id")
	h.rem.send("id", id, "new-session", session, "status", []string{"done"})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustID(t *testing.T, msg *protocol.Message) int64 {
	t.Helper()
	id, ok := msg.Int("id")
	if !ok {
		t.Fatalf("message has no integer id: %v", msg)
	}
	return id
}

func isErr(err, target error) bool { return errors.Is(err, target) }

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
