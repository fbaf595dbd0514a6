package jobs

import (
	"bytes"
	"strings"
	"sync"
)

// TailWriter is io.Writer keeping last N non-empty lines of the output.
// Incomplete line is kept until the next write or Lines call. Thread safe.
type TailWriter struct {
	maxLines int
	mu       sync.Mutex
	lines    []string
	partial  []byte
}

// NewTailWriter makes TailWriter for maxLines, zero or negative disables capturing
func NewTailWriter(maxLines int) *TailWriter {
	return &TailWriter{maxLines: maxLines}
}

// Write satisfies io.Writer, always consumes the whole p
func (t *TailWriter) Write(p []byte) (int, error) {
	if t.maxLines <= 0 {
		return len(p), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	data := append(t.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		t.add(data[:idx])
		data = data[idx+1:]
	}
	t.partial = append([]byte(nil), data...)
	return len(p), nil
}

// Lines returns captured lines, including the incomplete last one
func (t *TailWriter) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := append([]string(nil), t.lines...)
	if line := strings.TrimRight(string(t.partial), "\r"); line != "" {
		res = append(res, line)
		if len(res) > t.maxLines {
			res = res[1:]
		}
	}
	return res
}

// String returns captured lines joined with new line
func (t *TailWriter) String() string {
	return strings.Join(t.Lines(), "\n")
}

func (t *TailWriter) add(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	if len(t.lines) >= t.maxLines {
		t.lines = t.lines[1:]
	}
	t.lines = append(t.lines, string(line))
}
