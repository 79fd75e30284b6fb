package itch

import (
	"bufio"
	"fmt"
	"io"
)

// Reader walks a stream of concatenated raw ITCH-5.0 messages, using the
// per-type fixed lengths to find message boundaries.
type Reader struct {
	br  *bufio.Reader
	buf [64]byte
	// Count is the number of messages returned so far.
	Count uint64
}

// NewReader wraps r for message-at-a-time iteration.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 1<<20)}
}

// Next returns the raw bytes of the next message. The returned slice is
// only valid until the following call. io.EOF signals a clean end of
// stream; an unknown type byte or a truncated record is an error.
func (r *Reader) Next() ([]byte, error) {
	t, err := r.br.ReadByte()
	if err != nil {
		return nil, err
	}
	n, err := MessageLength(t)
	if err != nil {
		return nil, err
	}
	r.buf[0] = t
	if _, err := io.ReadFull(r.br, r.buf[1:n]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated %q record", ErrShortMessage, t)
		}
		return nil, err
	}
	r.Count++
	return r.buf[:n], nil
}
