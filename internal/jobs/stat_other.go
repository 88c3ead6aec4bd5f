//go:build !linux

package jobs

import (
	"os"
	"time"
)

// fileTimes falls back to mtime where the inode times are not portable.
func fileTimes(info os.FileInfo) (ctime, atime time.Time) {
	return info.ModTime(), info.ModTime()
}
