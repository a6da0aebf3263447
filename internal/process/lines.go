package process

import (
	"bytes"
	"sync"
)

// maxLineBytes caps the reassembly buffer; longer lines are emitted in chunks.
// Each chunk after the first repeats the last chunkOverlap bytes of the previous
// one, so a token shorter than chunkOverlap is always seen whole in some chunk.
const (
	maxLineBytes = 64 * 1024
	chunkOverlap = 512
)

// LineWriter reassembles arbitrary write boundaries into complete lines.
// Partial data is held until a newline arrives or Flush is called.
type LineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(line string)
}

func NewLineWriter(emit func(line string)) *LineWriter {
	return &LineWriter{emit: emit}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimSuffix(w.buf[:i], []byte{'\r'})))
		n := copy(w.buf, w.buf[i+1:])
		w.buf = w.buf[:n]
	}
	if len(w.buf) >= maxLineBytes {
		w.emit(string(w.buf))
		n := copy(w.buf, w.buf[len(w.buf)-chunkOverlap:])
		w.buf = w.buf[:n]
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return
	}
	w.emit(string(bytes.TrimSuffix(w.buf, []byte{'\r'})))
	w.buf = w.buf[:0]
}
