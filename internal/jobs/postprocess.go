package jobs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/and161185/vmstats/internal/utils"
	"github.com/and161185/vmstats/model"
	"github.com/klauspost/compress/gzip"
)

// DefaultMaxDumpSize caps what the compressor accepts.
const DefaultMaxDumpSize int64 = 32 << 30

const gzipLevel = 6

var (
	// ErrEmptyDump is returned when the capture produced no bytes.
	ErrEmptyDump = errors.New("dump file is empty")
	// ErrDumpTooLarge is returned when the raw dump exceeds the compression limit.
	ErrDumpTooLarge = errors.New("dump file too large")
)

// artifact is the finished dump on disk.
type artifact struct {
	path     string
	sha256   string
	rawSize  int64
	gzipSize int64 // 0 when not compressed
	ctime    time.Time
	mtime    time.Time
	atime    time.Time
}

// postProcess hashes the raw dump and optionally replaces it with a gzip copy.
// The raw file is gone on return unless it is the final artifact.
func (s *Scheduler) postProcess(key, id, raw string) (artifact, error) {
	if err := os.Chmod(raw, 0o600); err != nil {
		s.logger.Warnw("chmod dump failed", "dest", raw, "error", err)
	}
	sum, size, err := utils.HashFile(raw)
	if err != nil {
		return artifact{}, err
	}
	if size == 0 {
		return artifact{}, ErrEmptyDump
	}

	a := artifact{path: raw, sha256: sum, rawSize: size}
	if s.cfg.Compress {
		s.update(key, id, func(st *model.DumpStatus) { st.Message = "Compressing dump" })
		gz, err := compressFile(raw, s.maxDumpSize())
		if err != nil {
			return artifact{}, err
		}
		if err := os.Remove(raw); err != nil {
			s.logger.Warnw("remove uncompressed dump failed", "dest", raw, "error", err)
		}
		a.path = gz
	}

	info, err := os.Stat(a.path)
	if err != nil {
		return artifact{}, err
	}
	if s.cfg.Compress {
		a.gzipSize = info.Size()
	}
	a.mtime = info.ModTime()
	a.ctime, a.atime = fileTimes(info)
	return a, nil
}

func (s *Scheduler) maxDumpSize() int64 {
	if s.cfg.MaxDumpSize > 0 {
		return s.cfg.MaxDumpSize
	}
	return DefaultMaxDumpSize
}

// compressFile writes src.gz through a temp file in the same directory and
// renames it into place, so a reader never sees a partial archive.
func compressFile(src string, limit int64) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > limit {
		return "", fmt.Errorf("%w: %d > %d", ErrDumpTooLarge, info.Size(), limit)
	}

	tmp, err := os.CreateTemp(filepath.Dir(src), filepath.Base(src)+".*.gz.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	zw, err := gzip.NewWriterLevel(tmp, gzipLevel)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(zw, in); err != nil {
		return "", fmt.Errorf("compress dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress dump: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	dst := src + ".gz"
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("move archive into place: %w", err)
	}
	ok = true
	return dst, nil
}
