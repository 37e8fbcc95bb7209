package protocol

import (
	"io"
)

// DefaultChunkSize is the number of bytes a Reader pulls from the transport
// per refill.
const DefaultChunkSize = 4096

// Reader keeps one chunk of the underlying stream buffered so that decoders
// can pull a few bytes at a time without a syscall per byte.
// The buffer is refilled only once it is fully consumed.
type Reader struct {
	r   io.Reader
	buf []byte
	pos int
	end int
	err error
}

// NewReader returns a Reader over r that refills size bytes at a time.
// A non-positive size selects DefaultChunkSize.
func NewReader(r io.Reader, size int) *Reader {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Reader{r: r, buf: make([]byte, size)}
}

// Read copies up to len(p) buffered bytes into p. When the buffer is empty it
// performs exactly one read on the underlying transport.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.pos >= r.end {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf[r.pos:r.end])
	r.pos += n
	return n, nil
}

// ReadByte returns the next byte of the stream.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= r.end {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Buffered returns the number of bytes available without touching the transport.
func (r *Reader) Buffered() int {
	return r.end - r.pos
}

func (r *Reader) fill() error {
	if r.err != nil {
		return r.err
	}
	for {
		n, err := r.r.Read(r.buf)
		r.pos, r.end = 0, n
		if n > 0 {
			// Surface the error on the next refill so buffered bytes are not lost.
			r.err = err
			return nil
		}
		if err != nil {
			r.err = err
			return err
		}
	}
}
