package jobs_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/and161185/vmstats/internal/jobs"
	"github.com/and161185/vmstats/internal/jobs/mocks"
	"github.com/and161185/vmstats/model"
	"github.com/and161185/vmstats/storage"
	"github.com/and161185/vmstats/storage/inmemory"
	"github.com/golang/mock/gomock"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPoints struct {
	mu     sync.Mutex
	points []model.Point
}

func (r *recordingPoints) EnqueuePoint(p model.Point) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, p)
	return true
}

func (r *recordingPoints) all() []model.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Point(nil), r.points...)
}

func newScheduler(t *testing.T, maxParallel int, capturer jobs.Capturer, opts ...jobs.Option) (*jobs.Scheduler, *inmemory.MemStorage) {
	t.Helper()
	store := inmemory.NewMemStorage()
	cfg := jobs.Config{
		DumpDir:          t.TempDir(),
		MaxParallel:      maxParallel,
		ProgressInterval: 5 * time.Millisecond,
		Host:             "hv01",
	}
	return jobs.New(cfg, store, capturer, opts...), store
}

func waitAll(t *testing.T, s *jobs.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestSubmit_CompletesWithProgressAndSummary(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)
	inspector := mocks.NewMockInspector(ctrl)
	points := &recordingPoints{}

	inspector.EXPECT().Inspect(gomock.Any(), "vm-7").
		Return(jobs.Target{Name: "vm-7", ID: "7", ExpectedSize: 1000}, nil)

	halfWritten := make(chan struct{})
	release := make(chan struct{})
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i)
	}
	capturer.EXPECT().Capture(gomock.Any(), "vm-7", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, dest string) error {
			if err := os.WriteFile(dest, content[:500], 0o644); err != nil {
				return err
			}
			close(halfWritten)
			<-release
			time.Sleep(10 * time.Millisecond)
			return os.WriteFile(dest, content, 0o644)
		})

	s, _ := newScheduler(t, 1, capturer, jobs.WithInspector(inspector), jobs.WithPointWriter(points))

	st, err := s.Submit("vm-7")
	require.NoError(t, err)
	require.Equal(t, model.Queued, st.State)
	require.NotEmpty(t, st.ID)

	<-halfWritten
	require.Eventually(t, func() bool {
		cur, err := s.Query("vm-7")
		return err == nil && cur.State == model.Running && cur.Progress == 50
	}, time.Second, 5*time.Millisecond)
	close(release)
	waitAll(t, s)

	final, err := s.Query("vm-7")
	require.NoError(t, err)
	require.Equal(t, model.Completed, final.State)
	require.Equal(t, st.ID, final.ID)
	require.Equal(t, 100.0, final.Progress)
	require.NotNil(t, final.DurationSeconds)
	require.Greater(t, *final.DurationSeconds, 0.0)
	require.NotNil(t, final.FinishedAt)
	require.NotNil(t, final.ResultPath)
	require.Contains(t, *final.ResultPath, "7_")

	info, err := os.Stat(*final.ResultPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	pts := points.all()
	require.Len(t, pts, 1)
	sum := sha256.Sum256(content)
	require.Equal(t, jobs.SummaryMeasurement, pts[0].Measurement)
	require.Equal(t, []model.Tag{{Key: "dom", Value: "vm-7"}, {Key: "vmid", Value: "7"}, {Key: "host", Value: "hv01"}}, pts[0].Tags)
	require.Equal(t, hex.EncodeToString(sum[:]), pts[0].Fields["sha256"])
	require.EqualValues(t, 1000, pts[0].Fields["raw_size_bytes"])
	require.Equal(t, true, pts[0].Fields["ok"])
}

func TestSubmit_IdempotentWhileActive(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)

	release := make(chan struct{})
	capturer.EXPECT().Capture(gomock.Any(), "vm-7", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, dest string) error {
			<-release
			return os.WriteFile(dest, []byte("x"), 0o600)
		}).Times(2)

	s, _ := newScheduler(t, 2, capturer)

	first, err := s.Submit("vm-7")
	require.NoError(t, err)
	second, err := s.Submit("vm-7")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	close(release)
	waitAll(t, s)

	done, err := s.Query("vm-7")
	require.NoError(t, err)
	require.Equal(t, model.Completed, done.State)

	third, err := s.Submit("vm-7")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)
	waitAll(t, s)
}

func TestSubmit_ConcurrencyCap(t *testing.T) {
	const (
		maxParallel = 2
		submissions = 6
	)
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)

	var running, peak atomic.Int32
	capturer.EXPECT().Capture(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, dest string) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Add(-1)
			return os.WriteFile(dest, []byte("x"), 0o600)
		}).Times(submissions)

	s, _ := newScheduler(t, maxParallel, capturer)

	stop := make(chan struct{})
	var observedMax int
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			n := 0
			for _, st := range s.QueryAll() {
				if st.State == model.Running {
					n++
				}
			}
			if n > observedMax {
				observedMax = n
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < submissions; i++ {
		_, err := s.Submit(fmt.Sprintf("vm-%d", i))
		require.NoError(t, err)
	}
	waitAll(t, s)
	close(stop)
	pollWG.Wait()

	require.LessOrEqual(t, int(peak.Load()), maxParallel)
	require.LessOrEqual(t, observedMax, maxParallel)
	for _, st := range s.QueryAll() {
		require.Equal(t, model.Completed, st.State)
	}
}

func TestSubmit_CaptureFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)
	points := &recordingPoints{}

	gomock.InOrder(
		capturer.EXPECT().Capture(gomock.Any(), "bad", gomock.Any()).Return(errors.New("domain is not running")),
		capturer.EXPECT().Capture(gomock.Any(), "good", gomock.Any()).
			DoAndReturn(func(_ context.Context, _, dest string) error {
				return os.WriteFile(dest, []byte("ok"), 0o600)
			}),
	)

	s, _ := newScheduler(t, 1, capturer, jobs.WithPointWriter(points))

	_, err := s.Submit("bad")
	require.NoError(t, err)
	waitAll(t, s)

	st, err := s.Query("bad")
	require.NoError(t, err)
	require.Equal(t, model.Failed, st.State)
	require.Equal(t, "Dump failed: domain is not running", st.Message)
	require.Zero(t, st.Progress)
	require.NotNil(t, st.FinishedAt)
	require.Empty(t, points.all())

	// the slot was released
	_, err = s.Submit("good")
	require.NoError(t, err)
	waitAll(t, s)
	good, _ := s.Query("good")
	require.Equal(t, model.Completed, good.State)
}

func TestSubmit_InspectFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)
	inspector := mocks.NewMockInspector(ctrl)
	inspector.EXPECT().Inspect(gomock.Any(), "ghost").Return(jobs.Target{}, errors.New("domain not found"))

	s, _ := newScheduler(t, 1, capturer, jobs.WithInspector(inspector))
	_, err := s.Submit("ghost")
	require.NoError(t, err)
	waitAll(t, s)

	st, _ := s.Query("ghost")
	require.Equal(t, model.Failed, st.State)
	require.Contains(t, st.Message, "lookup domain: domain not found")
}

func TestSubmit_PanicReleasesSlot(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)
	gomock.InOrder(
		capturer.EXPECT().Capture(gomock.Any(), "boom", gomock.Any()).
			DoAndReturn(func(context.Context, string, string) error { panic("driver crashed") }),
		capturer.EXPECT().Capture(gomock.Any(), "next", gomock.Any()).
			DoAndReturn(func(_ context.Context, _, dest string) error {
				return os.WriteFile(dest, []byte("ok"), 0o600)
			}),
	)

	s, _ := newScheduler(t, 1, capturer)
	_, _ = s.Submit("boom")
	waitAll(t, s)
	st, _ := s.Query("boom")
	require.Equal(t, model.Failed, st.State)
	require.Contains(t, st.Message, "driver crashed")

	_, _ = s.Submit("next")
	waitAll(t, s)
	next, _ := s.Query("next")
	require.Equal(t, model.Completed, next.State)
}

func TestSubmit_NoExpectedSizeKeepsProgress(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)

	var (
		s           *jobs.Scheduler
		midProgress atomic.Value
	)
	capturer.EXPECT().Capture(gomock.Any(), "vm-1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, dest string) error {
			if err := os.WriteFile(dest, make([]byte, 64), 0o600); err != nil {
				return err
			}
			time.Sleep(20 * time.Millisecond)
			st, err := s.Query("vm-1")
			if err != nil {
				return err
			}
			midProgress.Store(st.Progress)
			return nil
		})

	s, _ = newScheduler(t, 1, capturer)
	_, err := s.Submit("vm-1")
	require.NoError(t, err)
	waitAll(t, s)
	require.Equal(t, 0.0, midProgress.Load())

	st, _ := s.Query("vm-1")
	require.Equal(t, 100.0, st.Progress)
}

func TestSubmit_InvalidKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, _ := newScheduler(t, 1, mocks.NewMockCapturer(ctrl))

	_, err := s.Submit("../../etc/passwd")
	require.ErrorIs(t, err, jobs.ErrInvalidKey)

	_, err = s.Query("../../etc/passwd")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Empty(t, s.QueryAll())
}

type closedPoints struct{}

func (closedPoints) EnqueuePoint(model.Point) bool { return false }

func newCompressingScheduler(t *testing.T, capturer jobs.Capturer, maxSize int64, opts ...jobs.Option) (*jobs.Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := jobs.Config{
		DumpDir:          dir,
		MaxParallel:      1,
		ProgressInterval: 5 * time.Millisecond,
		Host:             "hv01",
		Compress:         true,
		MaxDumpSize:      maxSize,
	}
	return jobs.New(cfg, inmemory.NewMemStorage(), capturer, opts...), dir
}

func TestSubmit_CompressesDump(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)
	points := &recordingPoints{}

	content := bytes.Repeat([]byte("guest page "), 4096)
	var raw string
	capturer.EXPECT().Capture(gomock.Any(), "vm-3", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, dest string) error {
			raw = dest
			return os.WriteFile(dest, content, 0o644)
		})

	s, dir := newCompressingScheduler(t, capturer, 0, jobs.WithPointWriter(points))
	_, err := s.Submit("vm-3")
	require.NoError(t, err)
	waitAll(t, s)

	st, err := s.Query("vm-3")
	require.NoError(t, err)
	require.Equal(t, model.Completed, st.State)
	require.NotNil(t, st.ResultPath)
	require.Equal(t, raw+".gz", *st.ResultPath)

	_, err = os.Stat(raw)
	require.ErrorIs(t, err, os.ErrNotExist)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp archive left behind")

	info, err := os.Stat(*st.ResultPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f, err := os.Open(*st.ResultPath)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, content, got)

	pts := points.all()
	require.Len(t, pts, 1)
	sum := sha256.Sum256(content)
	fields := pts[0].Fields
	require.Equal(t, hex.EncodeToString(sum[:]), fields["sha256"])
	require.EqualValues(t, len(content), fields["raw_size_bytes"])
	require.EqualValues(t, info.Size(), fields["gzip_size_bytes"])
	require.Equal(t, *st.ResultPath, fields["dump_path"])
	for _, k := range []string{"ctime", "mtime", "atime"} {
		require.Contains(t, fields, k)
	}
	require.EqualValues(t, 0, fields["loop"])
	require.EqualValues(t, 0, fields["every_sec"])
}

func TestSubmit_UncompressedOmitsGzipSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)
	points := &recordingPoints{}
	capturer.EXPECT().Capture(gomock.Any(), "vm-4", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, dest string) error {
			return os.WriteFile(dest, []byte("mem"), 0o600)
		})

	s, _ := newScheduler(t, 1, capturer, jobs.WithPointWriter(points))
	_, err := s.Submit("vm-4")
	require.NoError(t, err)
	waitAll(t, s)

	pts := points.all()
	require.Len(t, pts, 1)
	require.NotContains(t, pts[0].Fields, "gzip_size_bytes")
	require.Contains(t, pts[0].Fields, "ctime")
}

func TestSubmit_TooLargeForCompression(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)
	points := &recordingPoints{}
	capturer.EXPECT().Capture(gomock.Any(), "vm-5", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, dest string) error {
			return os.WriteFile(dest, make([]byte, 128), 0o600)
		})

	s, dir := newCompressingScheduler(t, capturer, 64, jobs.WithPointWriter(points))
	_, err := s.Submit("vm-5")
	require.NoError(t, err)
	waitAll(t, s)

	st, _ := s.Query("vm-5")
	require.Equal(t, model.Failed, st.State)
	require.Contains(t, st.Message, "dump file too large")
	require.Empty(t, points.all())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSubmit_EmptyDumpFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)
	var raw string
	capturer.EXPECT().Capture(gomock.Any(), "vm-6", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, dest string) error {
			raw = dest
			return os.WriteFile(dest, nil, 0o600)
		})

	s, _ := newScheduler(t, 1, capturer)
	_, err := s.Submit("vm-6")
	require.NoError(t, err)
	waitAll(t, s)

	st, _ := s.Query("vm-6")
	require.Equal(t, model.Failed, st.State)
	require.Equal(t, "Dump failed: dump file is empty", st.Message)
	_, err = os.Stat(raw)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSubmit_CaptureFailureRemovesPartialFile(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)
	var raw string
	capturer.EXPECT().Capture(gomock.Any(), "vm-8", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, dest string) error {
			raw = dest
			if err := os.WriteFile(dest, []byte("half"), 0o600); err != nil {
				return err
			}
			return errors.New("connection reset")
		})

	s, _ := newScheduler(t, 1, capturer)
	_, err := s.Submit("vm-8")
	require.NoError(t, err)
	waitAll(t, s)

	st, _ := s.Query("vm-8")
	require.Equal(t, model.Failed, st.State)
	_, err = os.Stat(raw)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSubmit_WarnsWhenSummaryRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	capturer := mocks.NewMockCapturer(ctrl)
	capturer.EXPECT().Capture(gomock.Any(), "vm-9", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, dest string) error {
			return os.WriteFile(dest, []byte("mem"), 0o600)
		})

	core, logs := observer.New(zap.WarnLevel)
	s, _ := newScheduler(t, 1, capturer,
		jobs.WithPointWriter(closedPoints{}),
		jobs.WithLogger(zap.New(core).Sugar()))
	_, err := s.Submit("vm-9")
	require.NoError(t, err)
	waitAll(t, s)

	st, _ := s.Query("vm-9")
	require.Equal(t, model.Completed, st.State)
	rejected := logs.FilterMessage("summary point rejected, writer closed").All()
	require.Len(t, rejected, 1)
	require.Equal(t, "vm-9", rejected[0].ContextMap()["vm"])
}
