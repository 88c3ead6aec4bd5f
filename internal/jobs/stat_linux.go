//go:build linux

package jobs

import (
	"os"
	"syscall"
	"time"
)

func fileTimes(info os.FileInfo) (ctime, atime time.Time) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime(), info.ModTime()
	}
	return time.Unix(st.Ctim.Unix()), time.Unix(st.Atim.Unix())
}
