package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single encoded document.
const MaxFrameSize = 64 * 1024

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameReader splits a byte stream into newline-terminated documents. Each
// ReadFrame call returns exactly one document no matter how the transport
// chunked the bytes.
type FrameReader struct {
	r   *bufio.Reader
	max int
}

func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &FrameReader{
		r:   bufio.NewReaderSize(r, max+1),
		max: max,
	}
}

// ReadFrame returns the next non-blank document. A final document without
// a trailing newline is returned before io.EOF.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	for {
		line, err := f.r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrFrameTooLarge
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		if len(trimmed) > f.max {
			return nil, ErrFrameTooLarge
		}

		frame := make([]byte, len(trimmed))
		copy(frame, trimmed)
		return frame, nil
	}
}

// WriteFrame writes one document followed by the delimiter. Outbound
// frames are not size-limited; the welcome snapshot grows with the world.
func WriteFrame(w io.Writer, frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("frame contains a delimiter")
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
