package protocol

import (
	"bytes"
	"io"
)

// LineReader splits a stream into '\n'-terminated lines, buffering partial
// lines across reads. A trailing line without a terminator is returned
// once the stream ends.
type LineReader struct {
	r       io.Reader
	chunk   []byte
	pending []byte
	err     error
}

// NewLineReader returns a LineReader over r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r, chunk: make([]byte, DefaultChunkSize)}
}

// Next returns the next line without its terminator.
func (l *LineReader) Next() (string, error) {
	for {
		if i := bytes.IndexByte(l.pending, '\n'); i >= 0 {
			line := string(l.pending[:i])
			l.pending = l.pending[i+1:]
			return line, nil
		}
		if l.err != nil {
			if len(l.pending) > 0 {
				line := string(l.pending)
				l.pending = nil
				return line, nil
			}
			return "", l.err
		}
		n, err := l.r.Read(l.chunk)
		l.pending = append(l.pending, l.chunk[:n]...)
		if err != nil {
			l.err = err
		}
	}
}
