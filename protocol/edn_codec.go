package protocol

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"

	"olympos.io/encoding/edn"
)

// EDNCodec implements the Codec interface for line-oriented REPLs that print
// one EDN map per line. Lines that are not EDN maps (prompts, echoes) decode
// to a message with only Raw set.
type EDNCodec struct {
	rw    io.ReadWriteCloser
	lines *LineReader
	wmu   sync.Mutex
}

// NewEDNCodec creates a new EDN line codec over rw.
func NewEDNCodec(rw io.ReadWriteCloser) *EDNCodec {
	return &EDNCodec{
		rw:    rw,
		lines: NewLineReader(rw),
	}
}

// Encode writes msg as a single-line EDN map with string keys.
func (c *EDNCodec) Encode(msg *Message) error {
	var buf bytes.Buffer
	if err := writeEDN(&buf, msg); err != nil {
		return err
	}
	buf.WriteByte('\n')
	return c.WriteRaw(buf.String())
}

// WriteRaw writes s verbatim. It is used to upload source code before the
// structured exchange starts.
func (c *EDNCodec) WriteRaw(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := io.WriteString(c.rw, s)
	return err
}

// Decode reads the next line.
func (c *EDNCodec) Decode(msg *Message) error {
	line, err := c.lines.Next()
	if err != nil {
		return err
	}
	*msg = Message{Raw: line}
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	parsed, err := ParseEDNMap(trimmed)
	if err != nil {
		return nil
	}
	parsed.Raw = line
	*msg = *parsed
	return nil
}

// Close closes the underlying ReadWriteCloser.
func (c *EDNCodec) Close() error {
	return c.rw.Close()
}

// ParseEDNMap parses s as an EDN map. Keyword and symbol keys lose their
// leading colon; keyword values keep it.
func ParseEDNMap(s string) (*Message, error) {
	var v any
	if err := edn.UnmarshalString(s, &v); err != nil {
		return nil, fmt.Errorf("failed to parse edn: %w", err)
	}
	m, ok := fromEDN(v).(*Message)
	if !ok {
		return nil, fmt.Errorf("%w: expected edn map, got %T", ErrMalformed, v)
	}
	return m, nil
}

func fromEDN(v any) any {
	switch x := v.(type) {
	case map[any]any:
		keys := make([]string, 0, len(x))
		byKey := make(map[string]any, len(x))
		for k, val := range x {
			key := ednKey(k)
			keys = append(keys, key)
			byKey[key] = val
		}
		sort.Strings(keys)
		m := &Message{}
		for _, k := range keys {
			if byKey[k] == nil {
				continue
			}
			m.Set(k, fromEDN(byKey[k]))
		}
		return m
	case []any:
		out := make([]any, 0, len(x))
		for _, item := range x {
			if item != nil {
				out = append(out, fromEDN(item))
			}
		}
		return out
	case map[any]bool:
		out := make([]any, 0, len(x))
		for item := range x {
			out = append(out, fromEDN(item))
		}
		return out
	case int64:
		return big.NewInt(x)
	case *big.Int:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case edn.Keyword:
		return ":" + string(x)
	case edn.Symbol:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func ednKey(k any) string {
	switch x := k.(type) {
	case string:
		return x
	case edn.Keyword:
		return string(x)
	case edn.Symbol:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func writeEDN(buf *bytes.Buffer, v any) error {
	switch x := normalize(v).(type) {
	case string:
		data, err := edn.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(data)
	case *big.Int:
		buf.WriteString(x.String())
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(' ')
			}
			if err := writeEDN(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case *Message:
		buf.WriteByte('{')
		for i, k := range x.keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeEDN(buf, k); err != nil {
				return err
			}
			buf.WriteByte(' ')
			if err := writeEDN(buf, x.vals[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("cannot write value of type %T as edn", v)
	}
	return nil
}
