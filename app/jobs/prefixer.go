package jobs

import (
	"bytes"
	"fmt"
	"io"
)

const prefixMaxLen = 16

// LogPrefixer is io.Writer adding "{endpoint:job} " prefix to each line written to the underlying writer
type LogPrefixer struct {
	writer io.Writer
	prefix []byte
}

// NewLogPrefixer makes LogPrefixer for endpoint and job id.
// Long endpoint names are cut, job id shortened to 8 characters.
func NewLogPrefixer(w io.Writer, endpoint, jobID string) *LogPrefixer {
	if len(endpoint) > prefixMaxLen {
		endpoint = endpoint[:prefixMaxLen] + "..."
	}
	if len(jobID) > 8 {
		jobID = jobID[:8]
	}
	prefix := fmt.Sprintf("{%s} ", endpoint)
	if jobID != "" {
		prefix = fmt.Sprintf("{%s:%s} ", endpoint, jobID)
	}
	return &LogPrefixer{writer: w, prefix: []byte(prefix)}
}

// Write splits data to lines and writes each one with prefix.
// Returned count doesn't include prefix bytes.
func (p *LogPrefixer) Write(data []byte) (int, error) {
	written := 0
	for _, line := range bytes.SplitAfter(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if _, err := p.writer.Write(p.prefix); err != nil {
			return written, err
		}
		n, err := p.writer.Write(line)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
