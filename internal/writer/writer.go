// Package writer buffers encoded records and flushes them to a sink in batches.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/vmstats/internal/lineproto"
	"github.com/and161185/vmstats/internal/monitoring"
	"github.com/and161185/vmstats/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const minBatchInterval = 50 * time.Millisecond

// ErrDrainTimeout is returned by Run when records were still queued at the shutdown deadline.
var ErrDrainTimeout = errors.New("writer: drain timed out")

// Sink receives flushed batches. Deliver must not return before the batch is resolved.
type Sink interface {
	Deliver(ctx context.Context, batch []string)
}

// Config controls batching.
type Config struct {
	QueueCapacity    int
	MaxBatchSize     int
	MaxBatchInterval time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig matches the collector defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:    20000,
		MaxBatchSize:     2000,
		MaxBatchInterval: time.Second,
		ShutdownTimeout:  5 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MaxBatchSize > c.QueueCapacity {
		c.MaxBatchSize = c.QueueCapacity
	}
	switch {
	case c.MaxBatchInterval <= 0:
		c.MaxBatchInterval = d.MaxBatchInterval
	case c.MaxBatchInterval < minBatchInterval:
		c.MaxBatchInterval = minBatchInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Writer is a bounded FIFO of records. When full, the oldest record is evicted.
type Writer struct {
	cfg     Config
	sink    Sink
	logger  *zap.SugaredLogger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	ring    []string
	head    int
	size    int
	closed  bool
	evicted int
	flushed int

	notify   chan struct{}
	evictLog rate.Sometimes
}

// New creates a Writer. Call Run to start flushing.
func New(cfg Config, sink Sink, logger *zap.SugaredLogger, metrics *monitoring.Metrics) *Writer {
	cfg = cfg.normalized()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Writer{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		metrics:  metrics,
		ring:     make([]string, cfg.QueueCapacity),
		notify:   make(chan struct{}, 1),
		evictLog: rate.Sometimes{First: 1, Interval: cfg.MaxBatchInterval},
	}
}

// Enqueue adds one record. It reports false only after the writer has shut down.
func (w *Writer) Enqueue(record string) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	evicted := false
	if w.size == len(w.ring) {
		w.ring[w.head] = record
		w.head = (w.head + 1) % len(w.ring)
		w.evicted++
		evicted = true
	} else {
		w.ring[(w.head+w.size)%len(w.ring)] = record
		w.size++
	}
	size := w.size
	w.mu.Unlock()

	w.metrics.SetQueueDepth(size)
	if evicted {
		w.metrics.AddEvicted(1)
		w.evictLog.Do(func() {
			w.logger.Warnw("writer queue full, evicting oldest records", "capacity", len(w.ring))
		})
	}
	if size >= w.cfg.MaxBatchSize {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
	return true
}

// EnqueuePoint encodes p and enqueues it.
func (w *Writer) EnqueuePoint(p model.Point) bool {
	return w.Enqueue(lineproto.Encode(p))
}

// Len returns the number of queued records.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Evicted returns how many records were evicted since start.
func (w *Writer) Evicted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.evicted
}

// Flushed returns how many records were handed to the sink since start.
func (w *Writer) Flushed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed
}

// Snapshot returns a copy of the queued records, oldest first.
func (w *Writer) Snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, w.size)
	for i := range out {
		out[i] = w.ring[(w.head+i)%len(w.ring)]
	}
	return out
}

func (w *Writer) take(max int) []string {
	w.mu.Lock()
	n := w.size
	if n > max {
		n = max
	}
	batch := make([]string, n)
	for i := 0; i < n; i++ {
		batch[i] = w.ring[w.head]
		w.ring[w.head] = ""
		w.head = (w.head + 1) % len(w.ring)
	}
	w.size -= n
	left := w.size
	w.mu.Unlock()

	w.metrics.SetQueueDepth(left)
	return batch
}

func (w *Writer) flush(ctx context.Context) int {
	batch := w.take(w.cfg.MaxBatchSize)
	if len(batch) == 0 {
		return 0
	}
	w.sink.Deliver(ctx, batch)
	w.mu.Lock()
	w.flushed += len(batch)
	w.mu.Unlock()
	w.metrics.ObserveFlush(len(batch))
	return len(batch)
}

// Run flushes whenever a full batch is queued or the batch interval elapses.
// Deliveries are not tied to ctx. When ctx is done, Run stops accepting records and
// drains the queue within the shutdown timeout.
func (w *Writer) Run(ctx context.Context) error {
	last := time.Now()
	timer := time.NewTimer(w.cfg.MaxBatchInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return w.drain()
		}
		remaining := w.cfg.MaxBatchInterval - time.Since(last)
		if remaining <= 0 || w.Len() >= w.cfg.MaxBatchSize {
			w.flush(context.Background())
			last = time.Now()
			continue
		}

		timer.Reset(remaining)
		select {
		case <-ctx.Done():
			return w.drain()
		case <-w.notify:
		case <-timer.C:
		}
	}
}

func (w *Writer) drain() error {
	w.mu.Lock()
	w.closed = true
	pending := w.size
	w.mu.Unlock()

	w.logger.Infow("writer draining", "pending", pending)

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()

	for {
		if ctx.Err() != nil {
			left := w.Len()
			if left == 0 {
				return nil
			}
			w.take(left)
			w.metrics.AddDropped(left)
			w.logger.Errorw("writer drain deadline reached, records dropped", "dropped", left)
			return fmt.Errorf("%w: %d records dropped", ErrDrainTimeout, left)
		}
		if w.flush(ctx) == 0 {
			return nil
		}
	}
}
