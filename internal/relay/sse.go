package relay

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// StreamWriter writes raw SSE frames and keepalive comments to the client,
// flushing after every write so bytes leave the relay as soon as they
// arrive. It tracks the time of the last write for keepalive pacing.
type StreamWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	lastWrite atomic.Int64 // unix nanos
}

// NewStreamWriter creates a StreamWriter. The http.Flusher capability is
// optional; without it writes still succeed but buffer at the server.
func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	flusher, _ := w.(http.Flusher)
	sw := &StreamWriter{w: w, flusher: flusher}
	sw.touch()
	return sw
}

// WriteFrame forwards one raw frame to the client and flushes.
func (s *StreamWriter) WriteFrame(frame []byte) error {
	if _, err := s.w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	s.Flush()
	s.touch()
	return nil
}

// WriteComment emits an SSE comment line (": text") followed by a frame
// terminator. Comments are protocol no-ops for every supported upstream.
func (s *StreamWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("writing comment: %w", err)
	}
	s.Flush()
	s.touch()
	return nil
}

// Flush flushes the underlying ResponseWriter when supported.
func (s *StreamWriter) Flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// LastWrite returns the time of the most recent downstream write.
func (s *StreamWriter) LastWrite() time.Time {
	return time.Unix(0, s.lastWrite.Load())
}

func (s *StreamWriter) touch() {
	s.lastWrite.Store(time.Now().UnixNano())
}
