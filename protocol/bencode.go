package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
)

// Errors returned by the bencode decoder.
var (
	// ErrMalformed is returned when the stream does not contain valid bencode.
	ErrMalformed = errors.New("malformed bencode")

	// ErrTruncated is returned when the stream ends inside a value.
	ErrTruncated = errors.New("truncated bencode value")
)

// maxStringLen bounds a single byte string so a corrupt length prefix cannot
// trigger an arbitrarily large allocation.
const maxStringLen = 256 << 20

// Marshal returns the bencode encoding of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch x := normalize(v).(type) {
	case string:
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(':')
		buf.WriteString(x)
	case *big.Int:
		buf.WriteByte('i')
		buf.WriteString(x.String())
		buf.WriteByte('e')
	case []any:
		buf.WriteByte('l')
		for _, item := range x {
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case *Message:
		buf.WriteByte('d')
		for _, k := range x.keys {
			if err := writeValue(buf, k); err != nil {
				return err
			}
			if err := writeValue(buf, x.vals[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		buf.WriteByte('e')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('d')
		for _, k := range keys {
			if err := writeValue(buf, k); err != nil {
				return err
			}
			if err := writeValue(buf, x[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("cannot bencode value of type %T", v)
	}
	return nil
}

// Decoder is a pull parser for a stream of bencoded values.
// Each call to Decode consumes exactly the bytes of one value.
type Decoder struct {
	r io.ByteReader
}

// NewDecoder returns a decoder reading from r. Readers that do not implement
// io.ByteReader are wrapped in a chunked Reader.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = NewReader(r, DefaultChunkSize)
	}
	return &Decoder{r: br}
}

// Decode reads the next value from the stream. It returns io.EOF when the
// stream ends cleanly on a value boundary.
func (d *Decoder) Decode() (any, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	v, end, err := d.readValue(b)
	if err != nil {
		return nil, err
	}
	if end {
		return nil, fmt.Errorf("%w: unexpected end marker", ErrMalformed)
	}
	return v, nil
}

// DecodeMessage reads the next value and requires it to be a dictionary.
func (d *Decoder) DecodeMessage() (*Message, error) {
	v, err := d.Decode()
	if err != nil {
		return nil, err
	}
	msg, ok := v.(*Message)
	if !ok {
		return nil, fmt.Errorf("%w: expected dictionary, got %T", ErrMalformed, v)
	}
	return msg, nil
}

// readValue parses the value introduced by b. end is true when b is the
// list/dictionary terminator.
func (d *Decoder) readValue(b byte) (v any, end bool, err error) {
	switch {
	case b == 'e':
		return nil, true, nil
	case b == 'i':
		n, err := d.readInt()
		return n, false, err
	case b == 'l':
		list, err := d.readList()
		return list, false, err
	case b == 'd':
		msg, err := d.readDict()
		return msg, false, err
	case b >= '0' && b <= '9':
		s, err := d.readString(b)
		return s, false, err
	default:
		return nil, false, fmt.Errorf("%w: unexpected byte %q", ErrMalformed, b)
	}
}

func (d *Decoder) next() (byte, error) {
	b, err := d.r.ReadByte()
	if err == io.EOF {
		return 0, fmt.Errorf("%w: %w", ErrTruncated, io.ErrUnexpectedEOF)
	}
	return b, err
}

func (d *Decoder) readInt() (*big.Int, error) {
	var digits []byte
	for {
		b, err := d.next()
		if err != nil {
			return nil, err
		}
		if b == 'e' {
			break
		}
		if !(b >= '0' && b <= '9') && !(b == '-' && len(digits) == 0) {
			return nil, fmt.Errorf("%w: invalid integer byte %q", ErrMalformed, b)
		}
		digits = append(digits, b)
	}
	n, ok := new(big.Int).SetString(string(digits), 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid integer %q", ErrMalformed, digits)
	}
	return n, nil
}

func (d *Decoder) readString(first byte) (string, error) {
	n := int(first - '0')
	for {
		b, err := d.next()
		if err != nil {
			return "", err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return "", fmt.Errorf("%w: invalid length byte %q", ErrMalformed, b)
		}
		n = n*10 + int(b-'0')
		if n > maxStringLen {
			return "", fmt.Errorf("%w: byte string longer than %d", ErrMalformed, maxStringLen)
		}
	}
	data := make([]byte, n)
	if r, ok := d.r.(io.Reader); ok {
		if _, err := io.ReadFull(r, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return "", fmt.Errorf("%w: %w", ErrTruncated, io.ErrUnexpectedEOF)
			}
			return "", err
		}
		return string(data), nil
	}
	for i := range data {
		b, err := d.next()
		if err != nil {
			return "", err
		}
		data[i] = b
	}
	return string(data), nil
}

func (d *Decoder) readList() ([]any, error) {
	list := []any{}
	for {
		b, err := d.next()
		if err != nil {
			return nil, err
		}
		v, end, err := d.readValue(b)
		if err != nil {
			return nil, err
		}
		if end {
			return list, nil
		}
		list = append(list, v)
	}
}

func (d *Decoder) readDict() (*Message, error) {
	msg := &Message{}
	for {
		b, err := d.next()
		if err != nil {
			return nil, err
		}
		k, end, err := d.readValue(b)
		if err != nil {
			return nil, err
		}
		if end {
			return msg, nil
		}
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: dictionary key must be a byte string, got %T", ErrMalformed, k)
		}
		b, err = d.next()
		if err != nil {
			return nil, err
		}
		v, end, err := d.readValue(b)
		if err != nil {
			return nil, err
		}
		if end {
			return nil, fmt.Errorf("%w: dictionary key %q has no value", ErrMalformed, key)
		}
		msg.Set(key, v)
	}
}
