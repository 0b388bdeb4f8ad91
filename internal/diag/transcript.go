package diag

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
)

// Transcript is a brotli-compressed, timestamped copy of every diagnostic line an
// engine wrote during one operation. Safe for concurrent use; writes after Close are dropped.
type Transcript struct {
	path string

	mu     sync.Mutex
	f      *os.File
	bw     *brotli.Writer
	w      *bufio.Writer
	lines  int
	closed bool
}

// TranscriptPath returns dir/<opID>.log.br with opID made filename-safe.
func TranscriptPath(dir, opID string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0, ':':
			return '_'
		}
		return r
	}, opID)
	if safe == "" {
		safe = "unknown"
	}
	return filepath.Join(dir, safe+".log.br")
}

// CreateTranscript opens (truncating) a transcript at path, creating parent dirs.
func CreateTranscript(path string) (*Transcript, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir transcript dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	bw := brotli.NewWriterLevel(f, brotli.DefaultCompression)
	return &Transcript{path: path, f: f, bw: bw, w: bufio.NewWriter(bw)}, nil
}

// Path returns the transcript file path.
func (t *Transcript) Path() string { return t.path }

// Lines returns the number of lines written.
func (t *Transcript) Lines() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lines
}

// WriteLine appends one line prefixed with an RFC3339 millisecond timestamp.
func (t *Transcript) WriteLine(line string) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.lines++
	_, err := fmt.Fprintf(t.w, "%s %s\n", time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"), line)
	return err
}

// Close flushes and closes the transcript. Safe to call more than once.
func (t *Transcript) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	err := t.w.Flush()
	if cerr := t.bw.Close(); err == nil {
		err = cerr
	}
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadTranscript decompresses a transcript written by Transcript.
func ReadTranscript(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(brotli.NewReader(f))
	if err != nil {
		return "", fmt.Errorf("decompress transcript: %w", err)
	}
	return string(b), nil
}
