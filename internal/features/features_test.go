package features

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/and161185/vmstats/model"
	"github.com/stretchr/testify/require"
)

func TestUpdate_FirstObservationHasNoBaseline(t *testing.T) {
	c := NewComputer()
	got := c.Update("web", time.Unix(100, 0), map[string]int64{"net_rxbytes": 10})
	require.Nil(t, got)
}

func TestUpdate_Rate(t *testing.T) {
	tests := []struct {
		name     string
		c1, c2   int64
		dt       time.Duration
		wantRate float64
	}{
		{"steady", 1000, 3000, 2 * time.Second, 1000},
		{"no_change", 500, 500, time.Second, 0},
		{"sub_second", 0, 50, 100 * time.Millisecond, 500},
		{"counter_reset", 9000, 10, time.Second, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewComputer()
			t0 := time.Unix(1700000000, 0)
			c.Update("vm-7", t0, map[string]int64{"disk_rd_bytes": tt.c1})
			got := c.Update("vm-7", t0.Add(tt.dt), map[string]int64{"disk_rd_bytes": tt.c2})

			f := got["disk_rd_bytes"]
			require.InDelta(t, tt.wantRate, f.Rate, 1e-6)
			require.GreaterOrEqual(t, f.Rate, 0.0)
			require.InDelta(t, math.Atan(tt.wantRate)*180/math.Pi, f.AngleDeg, 1e-6)
			require.Greater(t, f.AngleDeg, -90.0)
			require.Less(t, f.AngleDeg, 90.0)
		})
	}
}

func TestUpdate_NonPositiveDeltaUsesEpsilon(t *testing.T) {
	c := NewComputer("net_txbytes")
	ts := time.Unix(50, 0)
	c.Update("a", ts, map[string]int64{"net_txbytes": 1})
	got := c.Update("a", ts, map[string]int64{"net_txbytes": 2})

	f := got["net_txbytes"]
	require.False(t, math.IsInf(f.Rate, 0))
	require.InDelta(t, 1/(2*Epsilon), f.Rate, 1)
	require.Less(t, f.AngleDeg, 90.0)
}

func TestUpdate_SnapshotAlwaysReplaced(t *testing.T) {
	c := NewComputer("net_rxbytes")
	t0 := time.Unix(0, 0)
	c.Update("a", t0, map[string]int64{"net_rxbytes": 100})
	c.Update("a", t0.Add(time.Second), map[string]int64{"net_rxbytes": 50})
	got := c.Update("a", t0.Add(2*time.Second), map[string]int64{"net_rxbytes": 60})

	require.InDelta(t, 10, got["net_rxbytes"].Rate, 1e-6)
}

func TestUpdate_KeysIndependent(t *testing.T) {
	c := NewComputer()
	t0 := time.Unix(0, 0)
	c.Update("a", t0, map[string]int64{"net_rxbytes": 0})
	require.Nil(t, c.Update("b", t0.Add(time.Second), map[string]int64{"net_rxbytes": 10}))

	c.Forget("a")
	require.Nil(t, c.Update("a", t0.Add(time.Second), map[string]int64{"net_rxbytes": 10}))
}

func TestUpdate_AllTrackedCountersReported(t *testing.T) {
	c := NewComputer()
	t0 := time.Unix(0, 0)
	c.Update("a", t0, nil)
	got := c.Update("a", t0.Add(time.Second), map[string]int64{"unrelated": 5})

	require.Len(t, got, len(TrackedCounters))
	for _, name := range TrackedCounters {
		require.Contains(t, got, name)
	}
}

func TestUpdate_Concurrent(t *testing.T) {
	c := NewComputer()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Update("shared", time.Unix(int64(j), 0), map[string]int64{"net_rxbytes": int64(i * j)})
			}
		}(i)
	}
	wg.Wait()
}

func TestPoint(t *testing.T) {
	ts := time.Unix(10, 5)
	tags := []model.Tag{{Key: "Dom", Value: "web"}}
	p := Point(tags, ts, map[string]Feature{"net_rxbytes": {Rate: 2, AngleDeg: 63.4}})

	require.Equal(t, Measurement, p.Measurement)
	require.Equal(t, tags, p.Tags)
	require.Equal(t, ts.UnixNano(), p.Timestamp)
	require.Equal(t, map[string]any{"net_rxbytes_rate": 2.0, "net_rxbytes_angle_deg": 63.4}, p.Fields)
}
