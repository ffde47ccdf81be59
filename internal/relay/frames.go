package relay

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// FrameReader buffers an upstream byte stream into complete SSE frames. A
// frame is every line up to and including the blank line that terminates it
// (\n\n or \r\n\r\n). Frames are returned as raw bytes so that pass-through
// forwarding preserves the upstream's exact framing.
//
// The read buffer is 64KB. Line length is not capped: a line longer than
// the buffer is accumulated whole, so large SSE payloads (tool call
// outputs, code blocks, base64 content) are read intact.
type FrameReader struct {
	r   *bufio.Reader
	err error
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete frame. Stray blank lines between frames
// are skipped. If the stream ends mid-frame the partial frame is returned
// first and the error is surfaced on the following call. Returns io.EOF
// when the stream is exhausted.
func (fr *FrameReader) Next() ([]byte, error) {
	if fr.err != nil {
		return nil, fr.err
	}

	var buf bytes.Buffer
	for {
		line, err := fr.r.ReadString('\n')
		if len(line) > 0 {
			blank := strings.TrimRight(line, "\r\n") == ""
			if blank && buf.Len() == 0 {
				// Stray separator with no accumulated content.
			} else {
				buf.WriteString(line)
				if blank {
					return buf.Bytes(), nil
				}
			}
		}
		if err != nil {
			fr.err = err
			if buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, err
		}
	}
}
