package evidence

import (
	"io"
	"sync"
)

// Sink writes JSONL records to an io.Writer, one record per line. It is safe
// for concurrent use; writes from different goroutines never interleave
// within a line.
type Sink struct {
	mu    sync.Mutex
	w     io.Writer
	buf   []byte
	lines uint64
}

// NewSink returns a Sink writing to w. A nil w discards every record.
func NewSink(w io.Writer) *Sink {
	if w == nil {
		w = io.Discard
	}
	return &Sink{w: w, buf: make([]byte, 0, 512)}
}

// Emit writes line followed by a newline.
func (s *Sink) Emit(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf[:0], line...)
	s.buf = append(s.buf, '\n')
	if _, err := s.w.Write(s.buf); err != nil {
		return err
	}
	s.lines++
	return nil
}

// Lines returns the number of records written successfully.
func (s *Sink) Lines() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}
