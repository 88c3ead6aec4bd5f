// Package collector polls a Source and turns every sample into line protocol points.
package collector

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/and161185/vmstats/internal/features"
	"github.com/and161185/vmstats/internal/monitoring"
	"github.com/and161185/vmstats/model"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	devicesMeasurement = "vm_devices"
	totalsMeasurement  = "vm_totals"
	latencyMeasurement = "collector_latency"

	deviceCacheSize = 4096
)

// Source is where statistics come from.
type Source interface {
	ListEntities(ctx context.Context) ([]model.Entity, error)
	ReadStats(ctx context.Context, e model.Entity, devs model.Devices) (model.EntityStats, error)
	Devices(ctx context.Context, e model.Entity) (model.Devices, error)
}

// PointWriter takes encoded points.
type PointWriter interface {
	EnqueuePoint(p model.Point) bool
}

// Config of the poll loop.
type Config struct {
	PollInterval   time.Duration
	DeviceCacheTTL time.Duration
}

// Collector runs one poll per interval.
type Collector struct {
	cfg      Config
	source   Source
	out      PointWriter
	features *features.Computer
	devices  *expirable.LRU[string, model.Devices]
	runtime  *runtimeStats
	logger   *zap.SugaredLogger
	metrics  *monitoring.Metrics
	now      func() time.Time

	points atomic.Int64
	mu     sync.Mutex
	stats  Stats
	seen   map[string]string // entity name -> device cache key, from the last listing
}

// Stats describes the poll loop so far.
type Stats struct {
	Cycles        int64
	Errors        int64
	LastCycle     time.Time
	LastDuration  time.Duration
	LastError     string
	PointsWritten int64
	Entities      []model.Entity // from the last successful listing
}

// New returns a Collector. Zero intervals default to 1s polling and a 5m device cache.
func New(cfg Config, source Source, out PointWriter, logger *zap.SugaredLogger, metrics *monitoring.Metrics) *Collector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DeviceCacheTTL <= 0 {
		cfg.DeviceCacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Collector{
		cfg:      cfg,
		source:   source,
		out:      out,
		features: features.NewComputer(),
		devices:  expirable.NewLRU[string, model.Devices](deviceCacheSize, nil, cfg.DeviceCacheTTL),
		runtime:  &runtimeStats{},
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		seen:     map[string]string{},
	}
}

// Stats returns a copy of the loop counters and the entities of the last listing.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Entities = append([]model.Entity(nil), c.stats.Entities...)
	st.PointsWritten = c.points.Load()
	return st
}

func (c *Collector) emit(p model.Point) {
	if c.out.EnqueuePoint(p) {
		c.points.Add(1)
	}
}

func (c *Collector) record(start time.Time, took time.Duration, entities []model.Entity, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Cycles++
	c.stats.LastCycle = start
	c.stats.LastDuration = took
	if err != nil {
		c.stats.Errors++
		c.stats.LastError = err.Error()
		return
	}
	c.stats.LastError = ""
	c.stats.Entities = entities
}

// forgetVanished drops rate snapshots and cached devices of entities that are no longer listed,
// so a domain that comes back starts a fresh rate window.
func (c *Collector) forgetVanished(entities []model.Entity) {
	current := make(map[string]string, len(entities))
	for _, e := range entities {
		current[e.Name] = deviceKey(e)
	}
	for name, key := range c.seen {
		if _, ok := current[name]; ok {
			continue
		}
		c.features.Forget(name)
		c.devices.Remove(key)
		c.logger.Debugw("entity gone", "dom", name)
	}
	c.seen = current
}

// Run polls until ctx is done. A failed cycle is logged and the next one runs on schedule.
func (c *Collector) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		if err := c.Collect(ctx); err != nil && ctx.Err() == nil {
			c.logger.Errorw("collect cycle failed", "error", err)
		}

		remaining := c.cfg.PollInterval - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}
		timer.Reset(remaining)
	}
}

// Collect performs one poll: device, totals and feature points per entity, then the latency
// and runtime points of the cycle.
func (c *Collector) Collect(ctx context.Context) error {
	loopStart := time.Now()
	ts := c.now()

	entities, err := c.source.ListEntities(ctx)
	if err != nil {
		err = fmt.Errorf("list entities: %w", err)
		took := time.Since(loopStart)
		c.metrics.ObserveCollect(took, err)
		c.record(ts, took, nil, err)
		return err
	}
	c.forgetVanished(entities)

	var featureTime time.Duration
	for _, e := range entities {
		if ctx.Err() != nil {
			break
		}
		d, err := c.collectEntity(ctx, e, ts)
		if err != nil {
			c.logger.Warnw("entity skipped", "dom", e.Name, "error", err)
			continue
		}
		featureTime += d
	}

	loop := time.Since(loopStart)
	c.emit(model.Point{
		Measurement: latencyMeasurement,
		Fields: map[string]any{
			"feature_latency_ms": ms(featureTime),
			"loop_latency_ms":    ms(loop),
		},
		Timestamp: c.now().UnixNano(),
	})
	c.emit(c.runtime.point(ts))
	c.metrics.ObserveCollect(loop, nil)
	c.record(ts, loop, entities, nil)
	c.logger.Debugw("collect cycle done", "entities", len(entities), "loop_ms", ms(loop))
	return nil
}

func (c *Collector) collectEntity(ctx context.Context, e model.Entity, ts time.Time) (time.Duration, error) {
	devs := c.deviceList(ctx, e)

	st, err := c.source.ReadStats(ctx, e, devs)
	if err != nil {
		return 0, err
	}

	vmid := strconv.Itoa(int(e.ID))
	base := []model.Tag{{Key: "VMID", Value: vmid}, {Key: "UUID", Value: e.UUID}, {Key: "Dom", Value: e.Name}}
	tsNano := ts.UnixNano()

	for _, n := range st.NICs {
		c.emit(model.Point{
			Measurement: devicesMeasurement,
			Tags:        deviceTags(base, "nic", n.Name),
			Fields: map[string]any{
				"rxbytes":   n.RxBytes,
				"rxpackets": n.RxPackets,
				"rxerrors":  n.RxErrors,
				"rxdrops":   n.RxDrops,
				"txbytes":   n.TxBytes,
				"txpackets": n.TxPackets,
				"txerrors":  n.TxErrors,
				"txdrops":   n.TxDrops,
			},
			Timestamp: tsNano,
		})
	}
	for _, b := range st.Blocks {
		c.emit(model.Point{
			Measurement: devicesMeasurement,
			Tags:        deviceTags(base, "disk", b.Name),
			Fields: map[string]any{
				"rd_req":   b.RdReqs,
				"rd_bytes": b.RdBytes,
				"wr_reqs":  b.WrReqs,
				"wr_bytes": b.WrBytes,
				"errors":   b.Errors,
			},
			Timestamp: tsNano,
		})
	}

	totals := st.Totals()
	fields := make(map[string]any, len(totals))
	for k, v := range totals {
		fields[k] = v
	}
	c.emit(model.Point{Measurement: totalsMeasurement, Tags: base, Fields: fields, Timestamp: tsNano})

	start := time.Now()
	if feats := c.features.Update(e.Name, ts, totals); feats != nil {
		c.emit(features.Point(base, ts, feats))
	}
	took := time.Since(start)
	c.emit(model.Point{
		Measurement: latencyMeasurement,
		Tags:        []model.Tag{{Key: "Dom", Value: e.Name}},
		Fields:      map[string]any{"feature_latency_ms": ms(took)},
		Timestamp:   tsNano,
	})
	return took, nil
}

// deviceList returns the cached devices of e. A lookup failure yields an empty list and is
// retried on the next poll.
func (c *Collector) deviceList(ctx context.Context, e model.Entity) model.Devices {
	key := deviceKey(e)
	if devs, ok := c.devices.Get(key); ok {
		return devs
	}
	devs, err := c.source.Devices(ctx, e)
	if err != nil {
		c.logger.Debugw("device lookup failed", "dom", e.Name, "error", err)
		return model.Devices{}
	}
	c.devices.Add(key, devs)
	return devs
}

func deviceKey(e model.Entity) string {
	if e.UUID != "" {
		return e.UUID
	}
	return e.Name
}

func deviceTags(base []model.Tag, devtype, device string) []model.Tag {
	tags := make([]model.Tag, 0, len(base)+2)
	tags = append(tags, base...)
	return append(tags, model.Tag{Key: "devtype", Value: devtype}, model.Tag{Key: "device", Value: device})
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
