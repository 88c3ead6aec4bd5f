// Package buildinfo reports the version data injected with -ldflags.
package buildinfo

import (
	"fmt"
	"io"
)

// Info identifies a build. Empty fields print as "N/A".
type Info struct {
	Version string
	Date    string
	Commit  string
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// Print writes the three build lines to w.
func (i Info) Print(w io.Writer) {
	fmt.Fprintf(w, "Build version: %s\n", orNA(i.Version))
	fmt.Fprintf(w, "Build date: %s\n", orNA(i.Date))
	fmt.Fprintf(w, "Build commit: %s\n", orNA(i.Commit))
}

// Fields returns the build data as logger key-value pairs.
func (i Info) Fields() []any {
	return []any{"version", orNA(i.Version), "date", orNA(i.Date), "commit", orNA(i.Commit)}
}
