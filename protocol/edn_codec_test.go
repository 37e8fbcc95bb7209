package protocol

import (
	"io"
	"strings"
	"testing"
)

func TestEDNCodec_Encode(t *testing.T) {
	buf := newMockReadWriteCloser()
	codec := NewEDNCodec(buf)

	msg := NewMessage("id", 10, "op", "eval", "ns", "user", "code", `(println "hi\there")`)
	if err := codec.Encode(msg); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := `{"id" 10, "op" "eval", "ns" "user", "code" "(println \"hi\\there\")"}` + "\n"
	if buf.String() != want {
		t.Errorf("got  %q\nwant %q", buf.String(), want)
	}
}

func TestEDNCodec_Decode(t *testing.T) {
	input := strings.Join([]string{
		`user=> #'user/x`,
		`{"tag" "started"}`,
		`{"tag" "ret", "id" 10, "idx" 0, "val" "3", "time" 1520}`,
		`{:tag :ex, "id" 11, "val" "boom", "line" 4}`,
		`{"tag" "broken"`,
	}, "\n")

	buf := newMockReadWriteCloser()
	buf.WriteString(input)
	codec := NewEDNCodec(buf)

	var msgs []*Message
	for {
		msg := &Message{}
		err := codec.Decode(msg)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}

	if msgs[0].Len() != 0 || msgs[0].Raw != `user=> #'user/x` {
		t.Errorf("prompt line: got %s raw=%q", msgs[0], msgs[0].Raw)
	}
	if msgs[1].Str("tag") != "started" || !strings.Contains(msgs[1].Raw, `{"tag" "started"}`) {
		t.Errorf("started line: got %s", msgs[1])
	}
	ret := msgs[2]
	if id, _ := ret.Int("id"); id != 10 {
		t.Errorf("ret id: got %d", id)
	}
	if ret.Str("val") != "3" {
		t.Errorf("ret val: got %q", ret.Str("val"))
	}
	if ms, _ := ret.Int("time"); ms != 1520 {
		t.Errorf("ret time: got %d", ms)
	}
	ex := msgs[3]
	if ex.Str("tag") != ":ex" || ex.Str("val") != "boom" {
		t.Errorf("keyword map: got %s", ex)
	}
	if msgs[4].Len() != 0 {
		t.Errorf("unparseable line should only carry Raw, got %s", msgs[4])
	}
}

func TestParseEDNMap(t *testing.T) {
	m, err := ParseEDNMap(`{:ns "clojure.core", :name "map", :arglists ("[f]" "[f coll]"), :doc nil}`)
	if err != nil {
		t.Fatalf("ParseEDNMap failed: %v", err)
	}
	if m.Str("ns") != "clojure.core" || m.Str("name") != "map" {
		t.Errorf("got %s", m)
	}
	if got := m.Strings("arglists"); len(got) != 2 || got[1] != "[f coll]" {
		t.Errorf("arglists: got %q", got)
	}
	if m.Has("doc") {
		t.Errorf("nil values should be dropped")
	}

	if _, err := ParseEDNMap(`[1 2]`); err == nil {
		t.Error("expected error for non-map")
	}
}

func TestMessage_MarshalJSON(t *testing.T) {
	msg := NewMessage("op", "eval", "id", 10, "status", []string{"done"}, "info", NewMessage("doc", "a \"b\""))
	got := msg.String()
	want := `{"op":"eval","id":10,"status":["done"],"info":{"doc":"a \"b\""}}`
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestMessage_Accessors(t *testing.T) {
	msg := NewMessage("id", 7, "status", []string{"eval-error", "done"}, "value", "1")
	msg.Set("id", 8)
	if keys := msg.Keys(); strings.Join(keys, ",") != "id,status,value" {
		t.Errorf("replacing a key must keep its position, got %v", keys)
	}
	if id, ok := msg.Int("id"); !ok || id != 8 {
		t.Errorf("Int: got %d %v", id, ok)
	}
	if !msg.HasStatus("done") || msg.HasStatus("unknown-op") {
		t.Errorf("HasStatus: got %v", msg.Status())
	}
	msg.Delete("status")
	if msg.Has("status") || msg.Len() != 2 {
		t.Errorf("Delete: got %s", msg)
	}
	var nilMsg *Message
	if nilMsg.Has("x") || nilMsg.Str("x") != "" || nilMsg.Len() != 0 {
		t.Error("nil message must behave as empty")
	}
}
