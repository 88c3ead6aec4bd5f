package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/and161185/vmstats/storage/backlog"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeInflux struct {
	v3Status atomic.Int32
	v2Status atomic.Int32
	v3Calls  atomic.Int32
	v2Calls  atomic.Int32

	mu       sync.Mutex
	bodies   []string
	auth     []string
	queries  []string
	encoding []string
}

func newFakeInflux(t *testing.T, v3, v2 int) (*fakeInflux, *httptest.Server) {
	t.Helper()
	f := &fakeInflux{}
	f.v3Status.Store(int32(v3))
	f.v2Status.Store(int32(v2))

	mux := http.NewServeMux()
	handle := func(calls *atomic.Int32, status *atomic.Int32) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			var body io.Reader = r.Body
			if r.Header.Get("Content-Encoding") == "gzip" {
				zr, err := gzip.NewReader(r.Body)
				require.NoError(t, err)
				defer zr.Close()
				body = zr
			}
			b, _ := io.ReadAll(body)

			f.mu.Lock()
			f.bodies = append(f.bodies, string(b))
			f.auth = append(f.auth, r.Header.Get("Authorization"))
			f.queries = append(f.queries, r.URL.RawQuery)
			f.encoding = append(f.encoding, r.Header.Get("Content-Encoding"))
			f.mu.Unlock()

			code := int(status.Load())
			w.WriteHeader(code)
			if code >= 300 {
				_, _ = w.Write([]byte("store unavailable\ndetails"))
			}
		}
	}
	mux.HandleFunc("/api/v3/write_lp", handle(&f.v3Calls, &f.v3Status))
	mux.HandleFunc("/api/v2/write", handle(&f.v2Calls, &f.v2Status))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func testConfig(url string) Config {
	return Config{URL: url, Database: "vmstats", Token: "secret", Org: "influxdata", Timeout: 2 * time.Second}
}

func newSink(t *testing.T, cfg Config, bl Backlog, logger *zap.SugaredLogger) *Sink {
	t.Helper()
	if bl == nil {
		bl = &memBacklog{}
	}
	s, err := New(cfg, nil, bl, logger, nil)
	require.NoError(t, err)
	return s
}

func TestDeliver_Primary(t *testing.T) {
	f, srv := newFakeInflux(t, http.StatusNoContent, http.StatusNoContent)
	s := newSink(t, testConfig(srv.URL+"/"), nil, nil)

	s.Deliver(context.Background(), []string{"m v=1i 1", "m v=2i 2"})

	require.EqualValues(t, 1, f.v3Calls.Load())
	require.EqualValues(t, 0, f.v2Calls.Load())
	require.Equal(t, "m v=1i 1\nm v=2i 2", f.bodies[0])
	require.Equal(t, "Bearer secret", f.auth[0])
	require.Equal(t, "db=vmstats&precision=ns", f.queries[0])
}

func TestDeliver_FallbackToV2(t *testing.T) {
	f, srv := newFakeInflux(t, http.StatusInternalServerError, http.StatusNoContent)
	core, obs := observer.New(zap.InfoLevel)
	s := newSink(t, testConfig(srv.URL), nil, zap.New(core).Sugar())

	s.Deliver(context.Background(), []string{"m v=1i 1"})

	require.EqualValues(t, 1, f.v3Calls.Load())
	require.EqualValues(t, 1, f.v2Calls.Load())
	require.Equal(t, "Token secret", f.auth[1])
	require.Equal(t, "bucket=vmstats&org=influxdata&precision=ns", f.queries[1])
	require.Equal(t, 1, obs.FilterMessage("influx v3 write failed, trying v2").Len())
	require.Equal(t, 1, obs.FilterMessage("influx v2 fallback write ok").Len())
}

func TestDeliver_BacklogWhenBothFail(t *testing.T) {
	f, srv := newFakeInflux(t, http.StatusServiceUnavailable, http.StatusBadGateway)
	path := filepath.Join(t.TempDir(), "backlog.lp")
	core, obs := observer.New(zap.InfoLevel)
	s := newSink(t, testConfig(srv.URL), backlog.New(path), zap.New(core).Sugar())

	s.Deliver(context.Background(), []string{"m v=1i 1", "m v=2i 2", "m v=3i 3"})

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 6)
	for i := 0; i < 6; i += 2 {
		require.True(t, strings.HasPrefix(lines[i], "# "))
		require.Contains(t, lines[i], "| influx_write_failed | v3: v3 write failed: 503 store unavailable ; v2: v2 write failed: 502 store unavailable")
	}
	require.Equal(t, []string{"m v=1i 1", "m v=2i 2", "m v=3i 3"}, []string{lines[1], lines[3], lines[5]})
	require.Equal(t, 1, obs.FilterMessage("influx v3 and v2 writes failed, writing to backlog").Len())

	// store comes back: the next batch is delivered directly and the backlog is untouched
	f.v3Status.Store(http.StatusNoContent)
	s.Deliver(context.Background(), []string{"m v=4i 4"})
	require.EqualValues(t, 2, f.v3Calls.Load())

	raw2, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, raw, raw2)
}

func TestDeliver_TransportError(t *testing.T) {
	_, srv := newFakeInflux(t, http.StatusNoContent, http.StatusNoContent)
	srv.Close()

	bl := &memBacklog{}
	s := newSink(t, testConfig(srv.URL), bl, nil)
	s.Deliver(context.Background(), []string{"a v=1i 1"})

	require.Len(t, bl.entries, 1)
	require.Contains(t, bl.entries[0].reason, "v3: v3 write:")
	require.Contains(t, bl.entries[0].reason, " ; v2: v2 write:")
}

func TestDeliver_BreakerSkipsPrimary(t *testing.T) {
	f, srv := newFakeInflux(t, http.StatusInternalServerError, http.StatusNoContent)
	cfg := testConfig(srv.URL)
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour
	s := newSink(t, cfg, nil, nil)

	for i := 0; i < 5; i++ {
		s.Deliver(context.Background(), []string{"m v=1i 1"})
	}

	require.EqualValues(t, 2, f.v3Calls.Load())
	require.EqualValues(t, 5, f.v2Calls.Load())
}

func TestDeliver_Gzip(t *testing.T) {
	f, srv := newFakeInflux(t, http.StatusNoContent, http.StatusNoContent)
	cfg := testConfig(srv.URL)
	cfg.Gzip = true
	s := newSink(t, cfg, nil, nil)

	s.Deliver(context.Background(), []string{"m v=1i 1", "m v=2i 2"})

	require.Equal(t, "gzip", f.encoding[0])
	require.Equal(t, "m v=1i 1\nm v=2i 2", f.bodies[0])
}

func TestDeliver_BacklogFailureIsLogged(t *testing.T) {
	_, srv := newFakeInflux(t, http.StatusInternalServerError, http.StatusInternalServerError)
	core, obs := observer.New(zap.ErrorLevel)
	s := newSink(t, testConfig(srv.URL), &memBacklog{err: errors.New("disk full")}, zap.New(core).Sugar())

	require.NotPanics(t, func() { s.Deliver(context.Background(), []string{"m v=1i 1"}) })
	require.Equal(t, 1, obs.FilterMessage("backlog write failed, batch lost").Len())
}

func TestDeliver_EmptyBatch(t *testing.T) {
	f, srv := newFakeInflux(t, http.StatusNoContent, http.StatusNoContent)
	newSink(t, testConfig(srv.URL), nil, nil).Deliver(context.Background(), nil)
	require.EqualValues(t, 0, f.v3Calls.Load())
}

type memBacklog struct {
	err     error
	entries []struct {
		reason  string
		records []string
	}
}

func (m *memBacklog) Append(reason string, records []string) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, struct {
		reason  string
		records []string
	}{reason, records})
	return nil
}

func TestNew_RequiresBacklog(t *testing.T) {
	s, err := New(testConfig("http://127.0.0.1:1"), nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrNoBacklog)
	require.Nil(t, s)
}

func TestNew_DefaultsTimeout(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Timeout = 0
	s := newSink(t, cfg, nil, nil)
	require.Equal(t, defaultTimeout, s.client.Timeout)

	hung := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-hung
	}))
	defer srv.Close()
	defer close(hung)

	cfg = testConfig(srv.URL)
	cfg.Timeout = -time.Second
	bl := &memBacklog{}
	s, err := New(cfg, &http.Client{Timeout: 50 * time.Millisecond}, bl, nil, nil)
	require.NoError(t, err)
	require.Equal(t, defaultTimeout, s.cfg.Timeout)

	done := make(chan struct{})
	go func() {
		s.Deliver(context.Background(), []string{"m v=1i 1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliver blocked on a hung store")
	}
	require.Len(t, bl.entries, 1)
}

func TestPing(t *testing.T) {
	mux := http.NewServeMux()
	var auth atomic.Value
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	require.NoError(t, newSink(t, testConfig(srv.URL), nil, nil).Ping(context.Background()))
	require.Equal(t, "Bearer secret", auth.Load())

	_, down := newFakeInflux(t, http.StatusNoContent, http.StatusNoContent)
	err := newSink(t, testConfig(down.URL), nil, nil).Ping(context.Background())
	require.ErrorContains(t, err, "ping: status 404")
}
