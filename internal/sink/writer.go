package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"myco/internal/normalize"
)

// Writer emits each record as one line of JSON. With os.Stdout it is the
// development sink.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

// NewWriter creates a newline-delimited JSON sink over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send implements Sink. The batch is encoded in full before anything is
// written, so a record that cannot be encoded leaves w untouched.
func (s *Writer) Send(_ context.Context, batch []normalize.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	enc := json.NewEncoder(&s.buf)
	for i := range batch {
		if err := enc.Encode(&batch[i]); err != nil {
			return fmt.Errorf("%w: encode record %s/%s: %w", ErrSink, batch[i].DeviceID, batch[i].MessageID, err)
		}
	}
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return fmt.Errorf("%w: write batch: %w", ErrSink, err)
	}
	return nil
}

// Close closes the underlying writer when it is an io.Closer other than a
// standard stream.
func (s *Writer) Close() error {
	if c, ok := s.w.(io.Closer); ok && !isStdStream(s.w) {
		return c.Close()
	}
	return nil
}

func isStdStream(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (f == os.Stdout || f == os.Stderr)
}
