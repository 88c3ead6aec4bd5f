package collector

import (
	"runtime"
	"time"

	"github.com/and161185/vmstats/model"
)

const runtimeMeasurement = "collector_runtime"

// runtimeStats reports the collector's own Go runtime memory stats.
type runtimeStats struct {
	polls int64
}

func (r *runtimeStats) point(ts time.Time) model.Point {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	r.polls++

	return model.Point{
		Measurement: runtimeMeasurement,
		Fields: map[string]any{
			"Alloc":         m.Alloc,
			"BuckHashSys":   m.BuckHashSys,
			"Frees":         m.Frees,
			"GCCPUFraction": m.GCCPUFraction,
			"GCSys":         m.GCSys,
			"HeapAlloc":     m.HeapAlloc,
			"HeapIdle":      m.HeapIdle,
			"HeapInuse":     m.HeapInuse,
			"HeapObjects":   m.HeapObjects,
			"HeapReleased":  m.HeapReleased,
			"HeapSys":       m.HeapSys,
			"LastGC":        m.LastGC,
			"Lookups":       m.Lookups,
			"MCacheInuse":   m.MCacheInuse,
			"MCacheSys":     m.MCacheSys,
			"MSpanInuse":    m.MSpanInuse,
			"MSpanSys":      m.MSpanSys,
			"Mallocs":       m.Mallocs,
			"NextGC":        m.NextGC,
			"NumForcedGC":   m.NumForcedGC,
			"NumGC":         m.NumGC,
			"OtherSys":      m.OtherSys,
			"PauseTotalNs":  m.PauseTotalNs,
			"StackInuse":    m.StackInuse,
			"StackSys":      m.StackSys,
			"Sys":           m.Sys,
			"TotalAlloc":    m.TotalAlloc,
			"Goroutines":    runtime.NumGoroutine(),
			"PollCount":     r.polls,
		},
		Timestamp: ts.UnixNano(),
	}
}
