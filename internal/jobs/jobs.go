// Package jobs runs live memory dumps with a global concurrency cap and at most one
// active dump per key.
package jobs

//go:generate mockgen -destination=mocks/mock_jobs.go -package=mocks github.com/and161185/vmstats/internal/jobs Capturer,Inspector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/and161185/vmstats/internal/monitoring"
	"github.com/and161185/vmstats/internal/utils"
	"github.com/and161185/vmstats/model"
	"github.com/and161185/vmstats/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SummaryMeasurement is written once per completed dump.
const SummaryMeasurement = "mem_dumps"

// ErrInvalidKey rejects keys before any job is created.
var ErrInvalidKey = errors.New("invalid vm key")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidateKey accepts a domain name or numeric id.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Capturer performs the blocking dump of key into dest.
type Capturer interface {
	Capture(ctx context.Context, key, dest string) error
}

// Target describes the domain behind a key.
type Target struct {
	Name         string
	ID           string
	ExpectedSize int64 // bytes, 0 when unknown
}

// Inspector resolves a key before the dump starts.
type Inspector interface {
	Inspect(ctx context.Context, key string) (Target, error)
}

// PointWriter takes the summary point of a finished dump.
type PointWriter interface {
	EnqueuePoint(p model.Point) bool
}

// Config of the scheduler.
type Config struct {
	DumpDir          string
	MaxParallel      int
	ProgressInterval time.Duration
	Host             string
	// Compress replaces the raw dump with a gzip archive.
	Compress bool
	// MaxDumpSize caps the raw size accepted for compression, DefaultMaxDumpSize when 0.
	MaxDumpSize int64
}

// Option customises a Scheduler.
type Option func(*Scheduler)

func WithInspector(i Inspector) Option { return func(s *Scheduler) { s.inspector = i } }

func WithPointWriter(w PointWriter) Option { return func(s *Scheduler) { s.points = w } }

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Scheduler) { s.logger = l } }

func WithMetrics(m *monitoring.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// Scheduler admits and runs dump jobs.
type Scheduler struct {
	cfg       Config
	store     storage.StatusStore
	capturer  Capturer
	inspector Inspector
	points    PointWriter
	logger    *zap.SugaredLogger
	metrics   *monitoring.Metrics

	sem   *semaphore.Weighted
	wg    sync.WaitGroup
	now   func() time.Time
	newID func() string
}

// New returns a Scheduler. MaxParallel below 1 is treated as 1.
func New(cfg Config, store storage.StatusStore, capturer Capturer, opts ...Option) *Scheduler {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Second
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		capturer: capturer,
		logger:   zap.NewNop().Sugar(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxParallel)),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit starts a dump for key unless one is already queued or running,
// in which case the existing status is returned unchanged.
func (s *Scheduler) Submit(key string) (model.DumpStatus, error) {
	if err := ValidateKey(key); err != nil {
		return model.DumpStatus{}, err
	}

	st, created := s.store.Admit(key, s.newID())
	if !created {
		s.logger.Infow("dump already active", "vm", key, "dump_id", st.ID, "state", st.State)
		return st, nil
	}

	s.metrics.IncJobState(string(model.Queued))
	s.logger.Infow("dump queued", "vm", key, "dump_id", st.ID)

	s.wg.Add(1)
	go s.run(key, st.ID)
	return st, nil
}

// Query returns the status of the latest job for key or storage.ErrNotFound.
func (s *Scheduler) Query(key string) (model.DumpStatus, error) {
	return s.store.Get(key)
}

// QueryAll returns the latest status of every key ever submitted.
func (s *Scheduler) QueryAll() map[string]model.DumpStatus {
	return s.store.GetAll()
}

// Wait blocks until every started job has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(key, id string) {
	defer s.wg.Done()

	// jobs run to completion once started
	ctx := context.Background()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	s.metrics.JobStarted()

	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.fail(key, id, started, nil, fmt.Errorf("panic: %v", r))
		}
		s.metrics.JobFinished()
		s.sem.Release(1)
	}()

	s.execute(ctx, key, id, started)
}

func (s *Scheduler) execute(ctx context.Context, key, id string, started time.Time) {
	s.update(key, id, func(st *model.DumpStatus) {
		st.State = model.Running
		st.StartedAt = utils.TimePtr(started)
		st.Message = "Starting dump"
	})
	s.metrics.IncJobState(string(model.Running))

	target := Target{Name: key, ID: key}
	if s.inspector != nil {
		t, err := s.inspector.Inspect(ctx, key)
		if err != nil {
			s.fail(key, id, started, nil, fmt.Errorf("lookup domain: %w", err))
			return
		}
		target = t
	}

	if err := os.MkdirAll(s.cfg.DumpDir, 0o700); err != nil {
		s.fail(key, id, started, nil, fmt.Errorf("create dump dir: %w", err))
		return
	}
	dest := filepath.Join(s.cfg.DumpDir, fmt.Sprintf("%s_%d.mem", target.ID, started.Unix()))
	s.update(key, id, func(st *model.DumpStatus) { st.ResultPath = utils.StrPtr(dest) })

	s.logger.Infow("dump started", "vm", key, "dump_id", id, "dest", dest, "expected_bytes", target.ExpectedSize)

	stop := func() {}
	if target.ExpectedSize > 0 {
		stop = s.startProgress(key, id, dest, target.ExpectedSize)
	}

	dumpStart := s.now()
	err := s.capturer.Capture(ctx, key, dest)
	duration := s.now().Sub(dumpStart).Seconds()
	stop()
	if err != nil {
		s.discard(dest)
		s.fail(key, id, started, &duration, err)
		return
	}

	art, err := s.postProcess(key, id, dest)
	if err != nil {
		s.discard(dest)
		s.fail(key, id, started, &duration, err)
		return
	}
	total := s.now().Sub(dumpStart).Seconds()
	if art.path != dest {
		s.update(key, id, func(st *model.DumpStatus) { st.ResultPath = utils.StrPtr(art.path) })
	}

	if s.points != nil {
		fields := map[string]any{
			"ok":                true,
			"sha256":            art.sha256,
			"dump_path":         art.path,
			"raw_size_bytes":    art.rawSize,
			"ctime":             art.ctime.Unix(),
			"mtime":             art.mtime.Unix(),
			"atime":             art.atime.Unix(),
			"duration_sec":      total,
			"dump_duration_sec": duration,
			"loop":              0,
			"every_sec":         0,
		}
		if s.cfg.Compress {
			fields["gzip_size_bytes"] = art.gzipSize
		}
		accepted := s.points.EnqueuePoint(model.Point{
			Measurement: SummaryMeasurement,
			Tags: []model.Tag{
				{Key: "dom", Value: target.Name},
				{Key: "vmid", Value: target.ID},
				{Key: "host", Value: s.cfg.Host},
			},
			Fields:    fields,
			Timestamp: dumpStart.UnixNano(),
		})
		if !accepted {
			s.logger.Warnw("summary point rejected, writer closed", "vm", key, "dump_id", id, "dest", art.path)
		}
	}

	finished := s.now()
	s.update(key, id, func(st *model.DumpStatus) {
		st.State = model.Completed
		st.Progress = 100
		st.Message = fmt.Sprintf("Dump completed in %.2f s", duration)
		st.FinishedAt = utils.TimePtr(finished)
		st.DurationSeconds = utils.F64Ptr(duration)
	})
	s.metrics.IncJobState(string(model.Completed))
	s.logger.Infow("dump completed", "vm", key, "dump_id", id, "dest", art.path, "bytes", art.rawSize, "duration_sec", duration)
}

// discard removes a partial or rejected raw dump.
func (s *Scheduler) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnw("remove dump failed", "dest", path, "error", err)
	}
}

func (s *Scheduler) fail(key, id string, started time.Time, duration *float64, err error) {
	finished := s.now()
	s.update(key, id, func(st *model.DumpStatus) {
		st.State = model.Failed
		st.Message = fmt.Sprintf("Dump failed: %v", err)
		st.FinishedAt = utils.TimePtr(finished)
		if duration != nil {
			st.DurationSeconds = utils.F64Ptr(*duration)
		}
	})
	s.metrics.IncJobState(string(model.Failed))
	s.logger.Errorw("dump failed", "vm", key, "dump_id", id, "elapsed", finished.Sub(started), "error", err)
}

func (s *Scheduler) update(key, id string, fn func(*model.DumpStatus)) {
	if _, ok := s.store.Update(key, id, fn); !ok {
		s.logger.Warnw("stale dump status update ignored", "vm", key, "dump_id", id)
	}
}
