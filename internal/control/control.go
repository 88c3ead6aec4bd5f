// Package control starts and stops the agent's poll loop at runtime and reports on it.
package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/and161185/vmstats/internal/collector"
	"github.com/and161185/vmstats/model"
	"go.uber.org/zap"
)

// Loop is the poll loop being controlled.
type Loop interface {
	Run(ctx context.Context) error
	Stats() collector.Stats
}

// Lister reads the domain list straight from the hypervisor.
type Lister interface {
	LiveEntities(ctx context.Context) ([]model.Entity, error)
}

// Queue is the write queue between the loop and the store.
type Queue interface {
	Len() int
	Evicted() int
	Flushed() int
}

// Pinger checks that the store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the parts the controller reports on.
type Deps struct {
	Loop   Loop
	Lister Lister
	Queue  Queue
	Pinger Pinger
	// Bulk reports whether the bulk stats API is in use.
	Bulk bool
	// Config is shown as is, secrets must already be masked.
	Config any
}

// Status is the answer of GET /status.
type Status struct {
	Running            bool       `json:"running"`
	StartedAt          *time.Time `json:"started_at"`
	TotalCollections   int64      `json:"total_collections"`
	TotalErrors        int64      `json:"total_errors"`
	LastCollectionTime *time.Time `json:"last_collection_time"`
	LastCollectionSec  float64    `json:"last_collection_duration_sec"`
	LastError          string     `json:"last_error,omitempty"`
	VMsMonitored       int        `json:"vms_monitored"`
	MetricsWritten     int64      `json:"total_metrics_written"`
	QueueSize          int        `json:"influx_queue_size"`
	QueueEvicted       int        `json:"influx_queue_evicted"`
	RecordsFlushed     int        `json:"influx_records_flushed"`
	BulkStats          bool       `json:"bulk_stats"`
	Config             any        `json:"config"`
}

// Check is the outcome of one diagnostic probe.
type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Diagnostic is the answer of GET /diagnostic.
type Diagnostic struct {
	Config  any `json:"config"`
	Libvirt struct {
		Check
		LiveVMs int `json:"live_vms"`
	} `json:"kvm"`
	Influx    Check `json:"influx"`
	Collector struct {
		Running      bool `json:"running"`
		VMsMonitored int  `json:"vms_monitored"`
	} `json:"collector"`
}

const (
	statusConnected = "connected"
	statusError     = "error"
)

// ErrStopTimeout is returned when the loop does not exit before the stop context is done.
var ErrStopTimeout = errors.New("collector did not stop in time")

// Controller owns the lifetime of the poll loop.
type Controller struct {
	deps   Deps
	base   context.Context
	logger *zap.SugaredLogger
	now    func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// New returns a stopped Controller. Loops started later derive from base, so cancelling
// base stops them too.
func New(base context.Context, deps Deps, logger *zap.SugaredLogger) *Controller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Controller{deps: deps, base: base, logger: logger, now: time.Now}
}

// Start runs the loop in the background. It reports false when the loop already runs.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return false
	}

	ctx, cancel := context.WithCancel(c.base)
	done := make(chan struct{})
	c.cancel, c.done, c.startedAt = cancel, done, c.now()

	go func() {
		defer close(done)
		if err := c.deps.Loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Errorw("collector stopped", "error", err)
		}
		c.mu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
		cancel()
	}()
	c.logger.Infow("collector started", "bulk_stats", c.deps.Bulk)
	return true
}

// Stop cancels the loop and waits for it to return. It reports false when nothing ran.
func (c *Controller) Stop(ctx context.Context) (bool, error) {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if done == nil {
		return false, nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return true, ErrStopTimeout
	}
	c.logger.Infow("collector stopped on request")
	return true, nil
}

// Wait blocks until the current loop, if any, has returned.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done != nil
}

// Status reports the loop counters and the write queue.
func (c *Controller) Status() Status {
	c.mu.Lock()
	running, started := c.done != nil, c.startedAt
	c.mu.Unlock()

	st := c.deps.Loop.Stats()
	out := Status{
		Running:           running,
		TotalCollections:  st.Cycles,
		TotalErrors:       st.Errors,
		LastCollectionSec: st.LastDuration.Seconds(),
		LastError:         st.LastError,
		VMsMonitored:      len(st.Entities),
		MetricsWritten:    st.PointsWritten,
		BulkStats:         c.deps.Bulk,
		Config:            c.deps.Config,
	}
	if running {
		out.StartedAt = &started
	}
	if !st.LastCycle.IsZero() {
		out.LastCollectionTime = &st.LastCycle
	}
	if c.deps.Queue != nil {
		out.QueueSize = c.deps.Queue.Len()
		out.QueueEvicted = c.deps.Queue.Evicted()
		out.RecordsFlushed = c.deps.Queue.Flushed()
	}
	return out
}

// Entities returns the domains of the last successful listing.
func (c *Controller) Entities() []model.Entity {
	return c.deps.Loop.Stats().Entities
}

// LiveEntities asks the hypervisor for the current domain list.
func (c *Controller) LiveEntities(ctx context.Context) ([]model.Entity, error) {
	return c.deps.Lister.LiveEntities(ctx)
}

// Config returns the masked configuration.
func (c *Controller) Config() any {
	return c.deps.Config
}

// Diagnostic checks the hypervisor and the store once.
func (c *Controller) Diagnostic(ctx context.Context) Diagnostic {
	var d Diagnostic
	d.Config = c.deps.Config

	d.Libvirt.Status = statusConnected
	if vms, err := c.deps.Lister.LiveEntities(ctx); err != nil {
		d.Libvirt.Status, d.Libvirt.Error = statusError, err.Error()
	} else {
		d.Libvirt.LiveVMs = len(vms)
	}

	d.Influx.Status = statusConnected
	if err := c.deps.Pinger.Ping(ctx); err != nil {
		d.Influx.Status, d.Influx.Error = statusError, err.Error()
	}

	d.Collector.Running = c.Running()
	d.Collector.VMsMonitored = len(c.deps.Loop.Stats().Entities)
	return d
}
