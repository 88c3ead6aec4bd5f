package source

import (
	"strconv"

	"github.com/and161185/vmstats/model"
	"github.com/digitalocean/go-libvirt"
)

// params is a flat view of one bulk stats record.
type params map[string]any

func paramsOf(rec []libvirt.TypedParam) params {
	p := make(params, len(rec))
	for _, tp := range rec {
		p[tp.Field] = tp.Value.I
	}
	return p
}

func (p params) int(key string) int64 {
	switch v := p[key].(type) {
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func (p params) str(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func (p params) has(key string) bool {
	_, ok := p[key]
	return ok
}

// deviceName prefers the XML device at index i, then the name libvirt reported.
func deviceName(names []string, i int, reported, prefix string) string {
	if i < len(names) && names[i] != "" {
		return names[i]
	}
	if reported != "" {
		return reported
	}
	return prefix + strconv.Itoa(i)
}

func (p params) first(keys ...string) int64 {
	for _, k := range keys {
		if v := p.int(k); v != 0 {
			return v
		}
	}
	return 0
}

// mapDomainStats turns the field names of virConnectGetAllDomainStats into typed stats.
func mapDomainStats(e model.Entity, p params, devs model.Devices) model.EntityStats {
	s := model.EntityStats{Entity: e}

	netPrefix := ""
	switch {
	case p.has("net.count"):
		netPrefix = "net"
	case p.has("interface.count"):
		netPrefix = "interface"
	}
	if netPrefix != "" {
		n := int(p.int(netPrefix + ".count"))
		for i := 0; i < n; i++ {
			k := netPrefix + "." + strconv.Itoa(i) + "."
			name := deviceName(devs.Interfaces, i, p.str(k+"name"), "net")
			s.NICs = append(s.NICs, model.NICStats{
				Name:      name,
				RxBytes:   p.int(k + "rx.bytes"),
				RxPackets: p.int(k + "rx.pkts"),
				RxErrors:  p.int(k + "rx.errs"),
				RxDrops:   p.int(k + "rx.drop"),
				TxBytes:   p.int(k + "tx.bytes"),
				TxPackets: p.int(k + "tx.pkts"),
				TxErrors:  p.int(k + "tx.errs"),
				TxDrops:   p.int(k + "tx.drop"),
			})
		}
	}

	blocks := int(p.int("block.count"))
	for i := 0; i < blocks; i++ {
		k := "block." + strconv.Itoa(i) + "."
		name := deviceName(devs.Disks, i, p.str(k+"name"), "vd")
		s.Blocks = append(s.Blocks, model.BlockStats{
			Name:    name,
			RdReqs:  p.int(k + "rd.reqs"),
			RdBytes: p.int(k + "rd.bytes"),
			WrReqs:  p.int(k + "wr.reqs"),
			WrBytes: p.int(k + "wr.bytes"),
			Errors:  p.first(k+"errs", k+"errors"),
		})
	}

	s.CPU = model.CPUStats{
		State:  p.int("state.state"),
		VCPUs:  p.int("vcpu.current"),
		Time:   p.int("cpu.time"),
		User:   p.int("cpu.user"),
		System: p.int("cpu.system"),
	}
	s.Memory = model.MemoryStats{
		Actual:     p.int("balloon.current"),
		RSS:        p.int("balloon.rss"),
		Available:  p.first("balloon.available", "balloon.maximum", "balloon.max"),
		Usable:     p.int("balloon.usable"),
		SwapIn:     p.int("balloon.swap_in"),
		SwapOut:    p.int("balloon.swap_out"),
		MajorFault: p.int("balloon.major_fault"),
		MinorFault: p.int("balloon.minor_fault"),
		DiskCaches: p.int("balloon.disk_caches"),
	}
	return s
}

// virDomainMemoryStatTags
const (
	memStatSwapIn        = 0
	memStatSwapOut       = 1
	memStatMajorFault    = 2
	memStatMinorFault    = 3
	memStatAvailable     = 5
	memStatActualBalloon = 6
	memStatRSS           = 7
	memStatUsable        = 8
	memStatDiskCaches    = 10
	memStatNr            = 16
)

func mapMemoryStats(stats []libvirt.DomainMemoryStat) model.MemoryStats {
	var m model.MemoryStats
	for _, st := range stats {
		v := int64(st.Val)
		switch st.Tag {
		case memStatSwapIn:
			m.SwapIn = v
		case memStatSwapOut:
			m.SwapOut = v
		case memStatMajorFault:
			m.MajorFault = v
		case memStatMinorFault:
			m.MinorFault = v
		case memStatAvailable:
			m.Available = v
		case memStatActualBalloon:
			m.Actual = v
		case memStatRSS:
			m.RSS = v
		case memStatUsable:
			m.Usable = v
		case memStatDiskCaches:
			m.DiskCaches = v
		}
	}
	return m
}

