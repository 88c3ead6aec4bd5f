// Package backlog appends undeliverable records to a local file.
package backlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Tag marks every header line written by File.
const Tag = "influx_write_failed"

// File is an append-only backlog. Each record gets its own header line:
//
//	# <RFC3339 UTC> | influx_write_failed | <reason>
//	<record>
type File struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// New returns a backlog writing to path. The file is created on first append.
func New(path string) *File {
	return &File{path: path, now: time.Now}
}

// Path returns the backlog location.
func (f *File) Path() string { return f.path }

// Append writes one entry per record and syncs the file.
func (f *File) Append(reason string, records []string) error {
	if len(records) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create backlog dir: %w", err)
		}
	}

	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open backlog: %w", err)
	}
	defer fh.Close()

	header := fmt.Sprintf("# %s | %s | %s\n", f.now().UTC().Format(time.RFC3339Nano), Tag, oneLine(reason))

	bw := bufio.NewWriter(fh)
	for _, rec := range records {
		if _, err := bw.WriteString(header); err != nil {
			return fmt.Errorf("write backlog: %w", err)
		}
		if _, err := bw.WriteString(strings.TrimRight(rec, "\n") + "\n"); err != nil {
			return fmt.Errorf("write backlog: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush backlog: %w", err)
	}
	return fh.Sync()
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
