package logging

import (
	"bytes"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single captured line before truncation.
	MaxLineLength = 4096

	// DefaultTailLines is the number of lines a LogTail keeps by default.
	DefaultTailLines = 20
)

// LogTail keeps the most recent lines written to it.
// It implements io.Writer so it can sit behind an io.MultiWriter next to a
// process's log file; the retained lines end up in error messages when a
// preparatory command fails.
type LogTail struct {
	mu      sync.Mutex
	lines   []string
	next    int
	count   int
	partial []byte
}

// NewLogTail creates a LogTail that keeps the last n lines.
func NewLogTail(n int) *LogTail {
	if n <= 0 {
		n = DefaultTailLines
	}
	return &LogTail{lines: make([]string, n)}
}

// Write splits p into lines and stores complete ones.
// A trailing partial line is held until its newline arrives or Lines is called.
func (t *LogTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			t.partial = append(t.partial, data...)
			break
		}
		t.partial = append(t.partial, data[:i]...)
		t.push(string(t.partial))
		t.partial = t.partial[:0]
		data = data[i+1:]
	}
	return len(p), nil
}

func (t *LogTail) push(line string) {
	line = strings.TrimRight(line, "\r")
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.count < len(t.lines) {
		t.count++
	}
}

// Lines returns the retained lines, oldest first, including any
// unterminated final line.
func (t *LogTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, t.count+1)
	start := (t.next - t.count + len(t.lines)) % len(t.lines)
	for i := 0; i < t.count; i++ {
		out = append(out, t.lines[(start+i)%len(t.lines)])
	}
	if len(t.partial) > 0 {
		out = append(out, string(t.partial))
	}
	return out
}

// String joins the retained lines with newlines.
func (t *LogTail) String() string {
	return strings.Join(t.Lines(), "\n")
}
