// Package model holds the data types shared by the collector, the writer and the dump service.
package model

import "time"

// Tag is a single key/value pair of a point. Tags keep the order they were given in.
type Tag struct {
	Key   string
	Value string
}

// Point is one time-series record before encoding.
type Point struct {
	Measurement string
	Tags        []Tag
	Fields      map[string]any // int*/uint*/float*/bool/string
	Timestamp   int64          // ns since epoch
}

// JobState is the lifecycle state of a dump job.
type JobState string

const (
	Queued    JobState = "queued"
	Running   JobState = "running"
	Completed JobState = "completed"
	Failed    JobState = "failed"
)

// Active reports whether a job in this state still blocks new submissions for its key.
func (s JobState) Active() bool {
	return s == Queued || s == Running
}

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == Completed || s == Failed
}

// DumpStatus is what pollers see for a memory dump job.
type DumpStatus struct {
	ID              string     `json:"dump_id"`
	Key             string     `json:"vm"`
	State           JobState   `json:"state"`
	Progress        float64    `json:"progress"`
	Message         string     `json:"message"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	ResultPath      *string    `json:"dump_path"`
	DurationSeconds *float64   `json:"duration_sec"`
}

// Entity identifies a monitored domain.
type Entity struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// NICStats are the counters of one network interface.
type NICStats struct {
	Name      string
	RxBytes   int64
	RxPackets int64
	RxErrors  int64
	RxDrops   int64
	TxBytes   int64
	TxPackets int64
	TxErrors  int64
	TxDrops   int64
}

// BlockStats are the counters of one block device.
type BlockStats struct {
	Name    string
	RdReqs  int64
	RdBytes int64
	WrReqs  int64
	WrBytes int64
	Errors  int64
}

// CPUStats holds vcpu count and consumed time in ns.
type CPUStats struct {
	State  int64
	VCPUs  int64
	Time   int64
	User   int64
	System int64
}

// MemoryStats mirrors the balloon driver view, all values in KiB.
type MemoryStats struct {
	Actual     int64
	RSS        int64
	Available  int64
	Usable     int64
	SwapIn     int64
	SwapOut    int64
	MajorFault int64
	MinorFault int64
	DiskCaches int64
}

// EntityStats is one sample of a domain.
type EntityStats struct {
	Entity Entity
	NICs   []NICStats
	Blocks []BlockStats
	CPU    CPUStats
	Memory MemoryStats
}

// Devices lists the interface and disk target names of a domain.
type Devices struct {
	Interfaces []string
	Disks      []string
}

// Totals sums per-device counters and flattens cpu and memory into one map.
func (s EntityStats) Totals() map[string]int64 {
	t := map[string]int64{
		"state":          s.CPU.State,
		"cpus":           s.CPU.VCPUs,
		"cputime":        s.CPU.Time,
		"timeusr":        s.CPU.User,
		"timesys":        s.CPU.System,
		"memactual":      s.Memory.Actual,
		"memrss":         s.Memory.RSS,
		"memavailable":   s.Memory.Available,
		"memusable":      s.Memory.Usable,
		"memswap_in":     s.Memory.SwapIn,
		"memswap_out":    s.Memory.SwapOut,
		"memmajor_fault": s.Memory.MajorFault,
		"memminor_fault": s.Memory.MinorFault,
		"memdisk_cache":  s.Memory.DiskCaches,
	}
	var rxB, rxP, rxE, rxD, txB, txP, txE, txD int64
	for _, n := range s.NICs {
		rxB += n.RxBytes
		rxP += n.RxPackets
		rxE += n.RxErrors
		rxD += n.RxDrops
		txB += n.TxBytes
		txP += n.TxPackets
		txE += n.TxErrors
		txD += n.TxDrops
	}
	t["net_rxbytes"], t["net_rxpackets"], t["net_rxerrors"], t["net_rxdrops"] = rxB, rxP, rxE, rxD
	t["net_txbytes"], t["net_txpackets"], t["net_txerrors"], t["net_txdrops"] = txB, txP, txE, txD

	var rdR, rdB, wrR, wrB int64
	for _, b := range s.Blocks {
		rdR += b.RdReqs
		rdB += b.RdBytes
		wrR += b.WrReqs
		wrB += b.WrBytes
	}
	t["disk_rd_req"], t["disk_rd_bytes"], t["disk_wr_reqs"], t["disk_wr_bytes"] = rdR, rdB, wrR, wrB
	return t
}
