package server

import (
	"bufio"
	"errors"
	"io"
)

// DefaultMaxMessageBytes caps one newline-terminated message
const DefaultMaxMessageBytes = 64 * 1024

var errFrameTooLarge = errors.New("message exceeds maximum size")

// frameReader splits a stream into newline-terminated messages. Bytes read
// before a deadline expires are kept and completed by the next call.
type frameReader struct {
	r       *bufio.Reader
	pending []byte
	max     int
}

func newFrameReader(r io.Reader, limit int) *frameReader {
	if limit <= 0 {
		limit = DefaultMaxMessageBytes
	}
	return &frameReader{r: bufio.NewReader(r), max: limit}
}

// next returns the next message including its newline
func (f *frameReader) next() ([]byte, error) {
	for {
		chunk, err := f.r.ReadSlice('\n')
		f.pending = append(f.pending, chunk...)
		if len(f.pending) > f.max {
			f.pending = nil
			return nil, errFrameTooLarge
		}

		switch {
		case err == nil:
			line := f.pending
			f.pending = nil
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

// partial reports whether an incomplete message is buffered
func (f *frameReader) partial() bool {
	return len(f.pending) > 0
}
