package paper

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"quantbot-go/internal/execution"
)

// JSONLRecorder appends fills as JSON lines for later analysis. Writes are
// buffered; Close flushes whatever the last Record left in the buffer.
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewJSONLRecorder creates/opens the target file and returns a recorder.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(file)
	return &JSONLRecorder{
		file: file,
		buf:  buf,
		enc:  json.NewEncoder(buf),
	}, nil
}

// Record writes a single fill to the underlying JSONL file. The error is
// surfaced so the gateway can refuse the order instead of losing the journal
// entry.
func (r *JSONLRecorder) Record(fill execution.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(fill); err != nil {
		return err
	}
	return r.buf.Flush()
}

// Close flushes the buffer and closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	flushErr := r.buf.Flush()
	closeErr := r.file.Close()
	r.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
