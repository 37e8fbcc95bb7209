package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
)

// MarshalJSON renders the message as a JSON object with keys in insertion
// order. Integers are written as JSON numbers regardless of size.
func (m *Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	switch x := normalize(v).(type) {
	case string:
		data, err := json.Marshal(x)
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
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case *Message:
		if x == nil {
			buf.WriteString("null")
			return nil
		}
		buf.WriteByte('{')
		for i, k := range x.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeJSON(buf, x.vals[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Errorf("cannot render value of type %T: %w", v, err)
		}
		buf.Write(data)
	}
	return nil
}
