// Package features derives rate and angle signals from successive counter snapshots.
package features

import (
	"math"
	"sync"
	"time"

	"github.com/and161185/vmstats/model"
)

// Measurement is the name of the points built by Point.
const Measurement = "vm_features"

// Epsilon is added to every time delta and replaces non-positive ones.
const Epsilon = 1e-12

// TrackedCounters are the totals that get a rate and an angle.
var TrackedCounters = []string{
	"net_rxbytes", "net_txbytes", "net_rxpackets", "net_txpackets",
	"disk_rd_req", "disk_rd_bytes", "disk_wr_reqs", "disk_wr_bytes",
}

// Feature is the derived signal of one counter.
type Feature struct {
	Rate     float64
	AngleDeg float64
}

type snapshot struct {
	ts       time.Time
	counters map[string]int64
}

// Computer keeps the last snapshot per entity key.
type Computer struct {
	mu      sync.Mutex
	tracked []string
	prev    map[string]snapshot
}

// NewComputer returns a Computer for the given counters, or TrackedCounters when none are given.
func NewComputer(tracked ...string) *Computer {
	if len(tracked) == 0 {
		tracked = TrackedCounters
	}
	return &Computer{
		tracked: append([]string(nil), tracked...),
		prev:    make(map[string]snapshot),
	}
}

// Update stores the snapshot for key and returns the features against the previous one.
// The first call for a key returns nil.
func (c *Computer) Update(key string, ts time.Time, counters map[string]int64) map[string]Feature {
	cur := snapshot{ts: ts, counters: make(map[string]int64, len(c.tracked))}
	for _, name := range c.tracked {
		cur.counters[name] = counters[name]
	}

	c.mu.Lock()
	prev, ok := c.prev[key]
	c.prev[key] = cur
	c.mu.Unlock()

	if !ok {
		return nil
	}

	dt := cur.ts.Sub(prev.ts).Seconds()
	if dt <= 0 {
		dt = Epsilon
	}

	out := make(map[string]Feature, len(c.tracked))
	for _, name := range c.tracked {
		delta := float64(cur.counters[name] - prev.counters[name])
		if delta < 0 {
			delta = 0
		}
		rate := delta / (dt + Epsilon)
		out[name] = Feature{Rate: rate, AngleDeg: math.Atan(rate) * 180 / math.Pi}
	}
	return out
}

// Forget drops the snapshot of key.
func (c *Computer) Forget(key string) {
	c.mu.Lock()
	delete(c.prev, key)
	c.mu.Unlock()
}

// Point builds the vm_features point for one entity.
func Point(tags []model.Tag, ts time.Time, feats map[string]Feature) model.Point {
	fields := make(map[string]any, 2*len(feats))
	for name, f := range feats {
		fields[name+"_rate"] = f.Rate
		fields[name+"_angle_deg"] = f.AngleDeg
	}
	return model.Point{
		Measurement: Measurement,
		Tags:        tags,
		Fields:      fields,
		Timestamp:   ts.UnixNano(),
	}
}
