package protocol

import (
	"fmt"
	"math/big"
	"sort"
)

// Message represents a protocol message exchanged between client and server.
// It is an ordered mapping from string keys to values; keys keep insertion
// order so an encoded message is written exactly as it was built.
//
// Values are one of:
//   - *big.Int for integers (ids and timestamps may exceed 32 bits)
//   - string for byte strings
//   - []any for lists
//   - *Message for nested mappings
type Message struct {
	keys []string
	vals map[string]any

	// Raw is the undecoded source line for messages produced by a line codec.
	// It is never encoded.
	Raw string
}

// NewMessage builds a message from alternating key/value arguments.
// It panics if a key is not a string or the argument count is odd.
func NewMessage(kv ...any) *Message {
	if len(kv)%2 != 0 {
		panic("protocol: NewMessage requires key/value pairs")
	}
	m := &Message{}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("protocol: message key must be a string, got %T", kv[i]))
		}
		m.Set(key, kv[i+1])
	}
	return m
}

// Set stores v under key. Setting an existing key replaces its value but keeps
// its position. Go integer kinds are stored as *big.Int and []string as []any.
func (m *Message) Set(key string, v any) *Message {
	if m.vals == nil {
		m.vals = make(map[string]any)
	}
	if _, exists := m.vals[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = normalize(v)
	return m
}

// Get returns the value stored under key.
func (m *Message) Get(key string) (any, bool) {
	if m == nil || m.vals == nil {
		return nil, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Message) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes key, if present.
func (m *Message) Delete(key string) {
	if m == nil || m.vals == nil {
		return
	}
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (m *Message) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of keys.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Str returns the string stored under key, or "" if absent or not a string.
func (m *Message) Str(key string) string {
	v, _ := m.Get(key)
	s, _ := v.(string)
	return s
}

// Int returns the integer stored under key when it fits in an int64.
func (m *Message) Int(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(*big.Int)
	if !ok || !n.IsInt64() {
		return 0, false
	}
	return n.Int64(), true
}

// Map returns the nested message stored under key, or nil.
func (m *Message) Map(key string) *Message {
	v, _ := m.Get(key)
	nested, _ := v.(*Message)
	return nested
}

// Strings returns the string elements of the list stored under key.
// Non-string elements are skipped.
func (m *Message) Strings(key string) []string {
	v, _ := m.Get(key)
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Status returns the "status" list of the message.
func (m *Message) Status() []string {
	return m.Strings("status")
}

// HasStatus reports whether the "status" list contains s.
func (m *Message) HasStatus(s string) bool {
	for _, st := range m.Status() {
		if st == s {
			return true
		}
	}
	return false
}

// Clone returns a shallow copy of the message with its own key order.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := &Message{Raw: m.Raw}
	for _, k := range m.keys {
		c.Set(k, m.vals[k])
	}
	return c
}

// String renders the message as JSON for logs.
func (m *Message) String() string {
	data, err := m.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid message: %v>", err)
	}
	return string(data)
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return big.NewInt(int64(x))
	case int32:
		return big.NewInt(int64(x))
	case int64:
		return big.NewInt(x)
	case uint32:
		return new(big.Int).SetUint64(uint64(x))
	case uint64:
		return new(big.Int).SetUint64(x)
	case []byte:
		return string(x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		nested := &Message{}
		for _, k := range keys {
			nested.Set(k, x[k])
		}
		return nested
	default:
		return v
	}
}

// Equal reports whether two protocol values are structurally equal.
// Messages compare key order as well as contents.
func Equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case *big.Int:
		y, ok := b.(*big.Int)
		return ok && x.Cmp(y) == 0
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case *Message:
		y, ok := b.(*Message)
		if !ok || x.Len() != y.Len() {
			return false
		}
		for i, k := range x.keys {
			if y.keys[i] != k || !Equal(x.vals[k], y.vals[k]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
