package replserver

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zylisp/nrepl/protocol"
)

// mockEvaluator is a simple evaluator for testing
func mockEvaluator(ctx context.Context, code, ns string) (string, string, error) {
	switch code {
	case "(+ 1 2)":
		return "3", "", nil
	case `(println "hello")`:
		return "nil", "hello\n", nil
	case "(/ 1 0)":
		return "", "", &EvalError{Class: "java.lang.ArithmeticException", Message: "Divide by zero"}
	case "(in-ns 'nope)":
		return "", "", ErrNamespaceNotFound
	case "(Thread/sleep 10000)":
		<-ctx.Done()
		return "", "", ctx.Err()
	default:
		return code, "", nil
	}
}

type testClient struct {
	t      *testing.T
	codec  *protocol.BencodeCodec
	parked []*protocol.Message
}

func dial(t *testing.T, network, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout(network, addr, time.Second)
	if err != nil {
		t.Fatalf("Failed to connect client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &testClient{t: t, codec: protocol.NewBencodeCodec(conn)}
}

func (c *testClient) send(kv ...any) {
	c.t.Helper()
	if err := c.codec.Encode(protocol.NewMessage(kv...)); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

// until collects replies for id up to and including the one with status
// done. Replies to other requests are kept for later calls.
func (c *testClient) until(id int) []*protocol.Message {
	c.t.Helper()
	var replies []*protocol.Message
	accept := func(msg *protocol.Message) bool {
		replies = append(replies, msg)
		return msg.HasStatus("done")
	}

	parked := c.parked
	c.parked = nil
	for i, msg := range parked {
		if got, _ := msg.Int("id"); got != int64(id) {
			c.parked = append(c.parked, msg)
			continue
		}
		if accept(msg) {
			c.parked = append(c.parked, parked[i+1:]...)
			return replies
		}
	}

	for {
		msg := &protocol.Message{}
		if err := c.codec.Decode(msg); err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if got, _ := msg.Int("id"); got != int64(id) {
			c.parked = append(c.parked, msg)
			continue
		}
		if accept(msg) {
			return replies
		}
	}
}

func (c *testClient) clone() string {
	c.t.Helper()
	c.send("op", "clone", "id", 1)
	replies := c.until(1)
	session := replies[0].Str("new-session")
	if session == "" {
		c.t.Fatalf("clone reply has no session: %v", replies[0])
	}
	return session
}

func startServer(t *testing.T, network, addr string) *Server {
	t.Helper()
	server := NewServer(network, addr, mockEvaluator, zerolog.Nop())
	if err := server.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			t.Errorf("Server stop failed: %v", err)
		}
	})
	return server
}

func TestServerTransports(t *testing.T) {
	tests := []struct {
		network string
		addr    func(t *testing.T) string
	}{
		{network: "tcp", addr: func(t *testing.T) string { return "127.0.0.1:0" }},
		{network: "unix", addr: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nrepl.sock") }},
	}

	for _, tt := range tests {
		t.Run(tt.network, func(t *testing.T) {
			server := startServer(t, tt.network, tt.addr(t))
			client := dial(t, tt.network, server.Addr())
			session := client.clone()

			client.send("op", "eval", "id", 2, "session", session, "code", "(+ 1 2)", "ns", "user")
			replies := client.until(2)
			if len(replies) != 2 {
				t.Fatalf("got %d replies, want value and done", len(replies))
			}
			if replies[0].Str("value") != "3" || replies[0].Str("session") != session {
				t.Errorf("value reply = %v", replies[0])
			}
		})
	}
}

func TestServerOperations(t *testing.T) {
	server := startServer(t, "tcp", "127.0.0.1:0")
	server.Handler().Define("inc", protocol.NewMessage("ns", "clojure.core", "name", "inc", "arglists-str", "([x])"))
	client := dial(t, "tcp", server.Addr())
	session := client.clone()

	t.Run("eval with output", func(t *testing.T) {
		client.send("op", "eval", "id", 10, "session", session, "code", `(println "hello")`)
		replies := client.until(10)
		if len(replies) != 3 || replies[0].Str("out") != "hello\n" || replies[1].Str("value") != "nil" {
			t.Errorf("replies = %v", replies)
		}
	})

	t.Run("exception and trace", func(t *testing.T) {
		client.send("op", "eval", "id", 11, "session", session, "code", "(/ 1 0)")
		replies := client.until(11)
		var ex *protocol.Message
		for _, r := range replies {
			if r.Has("ex") {
				ex = r
			}
		}
		if ex == nil || ex.Str("root-ex") != "class java.lang.ArithmeticException" || !ex.HasStatus("eval-error") {
			t.Fatalf("replies = %v", replies)
		}

		client.send("op", "eval", "id", 12, "session", session, "code", "*e")
		trace := client.until(12)
		if !strings.Contains(trace[0].Str("value"), "Divide by zero") {
			t.Errorf("*e = %v", trace[0])
		}
	})

	t.Run("namespace not found", func(t *testing.T) {
		client.send("op", "eval", "id", 13, "session", session, "code", "(in-ns 'nope)", "ns", "nope")
		replies := client.until(13)
		if !replies[0].HasStatus("namespace-not-found") || replies[0].Str("ns") != "nope" {
			t.Errorf("replies = %v", replies)
		}
	})

	t.Run("unknown op", func(t *testing.T) {
		client.send("op", "frobnicate", "id", 14)
		replies := client.until(14)
		if !replies[0].HasStatus("unknown-op") || replies[0].Str("op") != "frobnicate" {
			t.Errorf("replies = %v", replies)
		}
	})

	t.Run("lookup", func(t *testing.T) {
		client.send("op", "lookup", "id", 15, "session", session, "sym", "inc", "ns", "user")
		replies := client.until(15)
		if got := replies[0].Map("info").Str("name"); got != "inc" {
			t.Errorf("info name = %q", got)
		}

		client.send("op", "lookup", "id", 16, "session", session, "sym", "nope", "ns", "user")
		replies = client.until(16)
		if replies[0].Map("info").Len() != 0 {
			t.Errorf("unknown symbol info = %v", replies[0])
		}
	})

	t.Run("load-file", func(t *testing.T) {
		client.send("op", "load-file", "id", 17, "session", session, "file", "(+ 1 2)", "file-name", "a.clj")
		replies := client.until(17)
		if replies[0].Str("value") != "3" {
			t.Errorf("replies = %v", replies)
		}
	})

	t.Run("add-middleware", func(t *testing.T) {
		client.send("op", "add-middleware", "id", 18, "middleware", []string{"a/b"})
		client.until(18)
		if mw := server.Handler().Middleware(); len(mw) != 1 || mw[0] != "a/b" {
			t.Errorf("Middleware() = %v", mw)
		}
	})

	t.Run("describe", func(t *testing.T) {
		client.send("op", "describe", "id", 19)
		replies := client.until(19)
		if !replies[0].Map("ops").Has("clone-eval-close") {
			t.Errorf("describe = %v", replies[0])
		}
	})

	t.Run("clone-eval-close", func(t *testing.T) {
		client.send("op", "clone-eval-close", "id", 20, "session", session, "code", "(+ 1 2)")
		replies := client.until(20)
		if len(replies) != 3 || replies[0].Str("new-session") == "" || replies[1].Str("value") != "3" {
			t.Errorf("replies = %v", replies)
		}
	})

	t.Run("close", func(t *testing.T) {
		before := server.Handler().Sessions()
		client.send("op", "close", "id", 21, "session", session)
		replies := client.until(21)
		if !replies[0].HasStatus("session-closed") {
			t.Errorf("replies = %v", replies)
		}
		if after := server.Handler().Sessions(); after != before-1 {
			t.Errorf("sessions %d -> %d", before, after)
		}
	})
}

func TestServerInterrupt(t *testing.T) {
	server := startServer(t, "tcp", "127.0.0.1:0")
	client := dial(t, "tcp", server.Addr())
	session := client.clone()

	client.send("op", "interrupt", "id", 2, "session", session, "interrupt-id", 99)
	if replies := client.until(2); !replies[0].HasStatus("session-idle") {
		t.Errorf("interrupt of nothing = %v", replies)
	}

	client.send("op", "eval", "id", 3, "session", session, "code", "(Thread/sleep 10000)")
	// the eval registers before Handle returns, so the interrupt finds it
	client.send("op", "interrupt", "id", 4, "session", session, "interrupt-id", 3)
	client.until(4)

	replies := client.until(3)
	if len(replies) != 2 || !replies[0].HasStatus("interrupted") {
		t.Errorf("interrupted eval replies = %v", replies)
	}
}

func TestServerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer("tcp", "127.0.0.1:0", mockEvaluator, zerolog.Nop())
	if err := server.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := server.Addr()

	client := dial(t, "tcp", addr)
	session := client.clone()
	if server.Peers() != 1 {
		t.Fatalf("Peers() = %d, want 1", server.Peers())
	}
	client.send("op", "eval", "id", 2, "session", session, "code", "(Thread/sleep 10000)")

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := server.Peers(); n != 0 {
		t.Errorf("Peers() after stop = %d, want 0", n)
	}
	if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		conn.Close()
		t.Error("server still accepts connections")
	}
}
