package client

import (
	"strings"
	"testing"
	"time"

	"github.com/zylisp/nrepl/request"
)

func readyEnhanced(t *testing.T, quota int) *harness {
	t.Helper()
	h := newHarness(t, NewEnhanced(quota))
	h.clone("s1")
	for _, op := range []string{"load-file", "load-file", "add-middleware"} {
		msg := h.rem.expectOp(op)
		h.rem.send("id", mustID(t, msg), "status", []string{"done"})
	}
	waitFor(t, "ready", h.conn.Ready)
	return h
}

func TestEnhancedDecoratesEval(t *testing.T) {
	tests := []struct {
		name      string
		quota     int
		wantQuota bool
	}{
		{name: "default quota", quota: DefaultPrintQuota, wantQuota: true},
		{name: "no quota", quota: 0, wantQuota: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := readyEnhanced(t, tt.quota)
			if _, err := h.conn.Eval(Submission{Code: "(range)"}); err != nil {
				t.Fatal(err)
			}
			msg := h.rem.expectOp("clone-eval-close")
			if got := msg.Str(caughtKey); got != "zylisp.nrepl.middleware/print-root-trace" {
				t.Errorf("caught = %q", got)
			}
			n, ok := msg.Int(quotaKey)
			if ok != tt.wantQuota {
				t.Fatalf("quota present = %v, want %v", ok, tt.wantQuota)
			}
			if ok && n != int64(tt.quota) {
				t.Errorf("quota = %d, want %d", n, tt.quota)
			}
		})
	}
}

func TestEnhancedEvalLifecycle(t *testing.T) {
	h := readyEnhanced(t, DefaultPrintQuota)

	id, err := h.conn.Eval(Submission{Code: "(+ 1 2)"})
	if err != nil {
		t.Fatal(err)
	}
	h.rem.expectOp("clone-eval-close")

	h.rem.send("id", id, "new-session", "c1")
	h.rem.sync()
	req, _ := h.reg.ByID(id)
	if req.Session != "c1" {
		t.Fatalf("Session = %q, want the clone", req.Session)
	}

	if _, err := h.conn.Interrupt(id); err != nil {
		t.Fatal(err)
	}
	if msg := h.rem.expectOp("interrupt"); msg.Str("session") != "c1" {
		t.Errorf("interrupt session = %q, want c1", msg.Str("session"))
	}

	h.rem.send("id", id, "value", "3", "zylisp.nrepl.middleware/time-taken", 1500000)
	h.rem.send("id", id, "status", []string{"done"})
	h.rem.sync()

	req, ok := h.reg.ByID(id)
	if !ok || req.Status != request.Success {
		t.Fatalf("request = %+v", req)
	}
	if req.Elapsed != 1500*time.Microsecond {
		t.Errorf("Elapsed = %v", req.Elapsed)
	}
}

func TestEnhancedStructuredException(t *testing.T) {
	h := readyEnhanced(t, 0)
	id, err := h.conn.Eval(Submission{Code: "(throw (ex-info \"boom\" {:a 1}))"})
	if err != nil {
		t.Fatal(err)
	}
	h.rem.expectOp("clone-eval-close")

	h.rem.send(
		"id", id,
		"zylisp.nrepl.middleware/root-ex-class", "clojure.lang.ExceptionInfo",
		"zylisp.nrepl.middleware/root-ex-msg", "boom",
		"zylisp.nrepl.middleware/root-ex-data", "{:a 1}",
		"zylisp.nrepl.middleware/source", "core.clj",
		"zylisp.nrepl.middleware/line", 3,
		"zylisp.nrepl.middleware/column", 5,
		"zylisp.nrepl.middleware/trace", "user$eval1.invoke (core.clj:3)",
		"status", []string{"eval-error"},
	)
	h.rem.send("id", id, "status", []string{"done"})
	h.rem.sync()
	h.rem.quiet()

	req, ok := h.reg.ByID(id)
	if !ok {
		t.Fatal("exception erased")
	}
	want := "clojure.lang.ExceptionInfo: boom {:a 1} (core.clj:3:5)"
	if req.Status != request.Exception || req.Value != want {
		t.Errorf("request = %q %v, want %q", req.Value, req.Status, want)
	}
	if req.ExLoc.String() != "core.clj:3:5" {
		t.Errorf("ExLoc = %v", req.ExLoc)
	}
	if req.Trace != "user$eval1.invoke (core.clj:3)" {
		t.Errorf("Trace = %q", req.Trace)
	}
}

func TestEnhancedMarksTruncatedValues(t *testing.T) {
	h := readyEnhanced(t, 8)
	id, err := h.conn.Eval(Submission{Code: "(range)"})
	if err != nil {
		t.Fatal(err)
	}
	h.rem.expectOp("clone-eval-close")
	h.rem.send("id", id, "value", "(0 1 2 3", "nrepl.middleware.print/truncated-keys", []string{"value"})
	h.rem.sync()

	req, _ := h.reg.ByID(id)
	if req.Value != "(0 1 2 3 ..." {
		t.Errorf("Value = %q", req.Value)
	}
}

func readyUpgrade(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, NewUpgrade(":app"))
	h.clone("s1")
	up := h.rem.expectOp("eval")
	if up.Str("code") != "(shadow.cljs.devtools.api/repl :app)" {
		t.Fatalf("upgrade code = %q", up.Str("code"))
	}
	id := mustID(t, up)
	h.rem.send("id", id, "value", "nil")
	h.rem.send("id", id, "status", []string{"done", "upgraded"})
	h.rem.sync()
	if h.conn.Ready() {
		t.Fatal("ready on a done that carries other statuses")
	}
	h.rem.send("id", id, "status", []string{"done"})
	waitFor(t, "ready", h.conn.Ready)
	return h
}

func TestUpgradeCode(t *testing.T) {
	tests := []struct {
		build string
		want  string
	}{
		{"node-repl", "(shadow.cljs.devtools.api/node-repl)"},
		{"browser-repl", "(shadow.cljs.devtools.api/browser-repl)"},
		{":app", "(shadow.cljs.devtools.api/repl :app)"},
	}
	for _, tt := range tests {
		if got := UpgradeCode(tt.build); got != tt.want {
			t.Errorf("UpgradeCode(%q) = %q, want %q", tt.build, got, tt.want)
		}
	}
}

func TestUpgradeErrBecomesException(t *testing.T) {
	h := readyUpgrade(t)
	id, err := h.conn.Eval(Submission{Code: "(js/foo)"})
	if err != nil {
		t.Fatal(err)
	}
	h.rem.expectOp("eval")

	trace := "------ WARNING ------\nUse of undeclared Var js/foo\n---------------"
	h.rem.send("id", id, "err", trace)
	h.rem.send("id", id, "value", "nil")
	h.rem.send("id", id, "status", []string{"done"})
	h.rem.sync()

	req, ok := h.reg.ByID(id)
	if !ok || req.Status != request.Exception {
		t.Fatalf("request = %+v", req)
	}
	if strings.Contains(req.Value, "---") {
		t.Errorf("dashes kept in %q", req.Value)
	}
	if !strings.Contains(req.Value, "Use of undeclared Var js/foo") {
		t.Errorf("Value = %q", req.Value)
	}
	if req.Trace != trace {
		t.Errorf("Trace = %q", req.Trace)
	}
}

func TestUpgradeLoadFileWithoutPathEvaluates(t *testing.T) {
	h := readyUpgrade(t)
	if _, err := h.conn.LoadFile("buf", "(ns app.core)", ""); err != nil {
		t.Fatal(err)
	}
	if msg := h.rem.expectOp("eval"); msg.Str("code") != "(ns app.core)" {
		t.Errorf("code = %q", msg.Str("code"))
	}
	if _, err := h.conn.LoadFile("buf", "(ns app.core)", "src/app/core.cljs"); err != nil {
		t.Fatal(err)
	}
	if msg := h.rem.expectOp("load-file"); msg.Str("file-name") != "core.cljs" {
		t.Errorf("file-name = %q", msg.Str("file-name"))
	}
}
