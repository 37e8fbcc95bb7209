package protocol

import (
	"fmt"
	"io"
	"sync"
)

// Codec defines the interface for encoding and decoding protocol messages.
// Implementations handle the serialization format (bencode, EDN lines)
// and message framing over the underlying transport.
//
// Encode may be called from several goroutines; Decode is only ever called
// by the single read loop that owns the transport.
type Codec interface {
	// Encode writes a message to the underlying writer
	Encode(msg *Message) error

	// Decode reads the next message from the underlying reader.
	// It returns io.EOF when the peer closed the stream between messages.
	Decode(msg *Message) error

	// Close closes the codec and its underlying resources
	Close() error
}

// NewCodec creates a codec based on the specified format.
// Supported formats: "bencode", "edn"
// The rw parameter is the underlying transport connection.
func NewCodec(format string, rw io.ReadWriteCloser) (Codec, error) {
	switch format {
	case "bencode":
		return NewBencodeCodec(rw), nil
	case "edn":
		return NewEDNCodec(rw), nil
	default:
		return nil, fmt.Errorf("unsupported codec format: %s", format)
	}
}

// BencodeCodec implements the Codec interface using bencoded dictionaries.
// Bencode is self-delimiting so no extra framing is needed.
type BencodeCodec struct {
	rw  io.ReadWriteCloser
	dec *Decoder
	wmu sync.Mutex
}

// NewBencodeCodec creates a new bencode codec that reads from and writes to the given ReadWriteCloser.
func NewBencodeCodec(rw io.ReadWriteCloser) *BencodeCodec {
	return &BencodeCodec{
		rw:  rw,
		dec: NewDecoder(NewReader(rw, DefaultChunkSize)),
	}
}

// Encode bencodes a message and writes it with a single Write call.
func (c *BencodeCodec) Encode(msg *Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.rw.Write(data)
	return err
}

// Decode reads one bencoded dictionary.
func (c *BencodeCodec) Decode(msg *Message) error {
	decoded, err := c.dec.DecodeMessage()
	if err != nil {
		return err
	}
	*msg = *decoded
	return nil
}

// Close closes the underlying ReadWriteCloser.
func (c *BencodeCodec) Close() error {
	return c.rw.Close()
}
