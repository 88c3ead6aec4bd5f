package source

import (
	"github.com/and161185/vmstats/model"
	"github.com/digitalocean/go-libvirt"
)

const bulkStats = uint32(libvirt.DomainStatsState |
	libvirt.DomainStatsCPUTotal |
	libvirt.DomainStatsBalloon |
	libvirt.DomainStatsVCPU |
	libvirt.DomainStatsInterface |
	libvirt.DomainStatsBlock)

// rpc adapts *libvirt.Libvirt to hypervisor.
type rpc struct {
	l *libvirt.Libvirt
}

func (r *rpc) Domains() ([]libvirt.Domain, error) {
	doms, _, err := r.l.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive)
	return doms, err
}

func (r *rpc) BulkStats(doms []libvirt.Domain) ([]libvirt.DomainStatsRecord, error) {
	return r.l.ConnectGetAllDomainStats(doms, bulkStats, 0)
}

func (r *rpc) XML(dom libvirt.Domain) (string, error) {
	return r.l.DomainGetXMLDesc(dom, 0)
}

func (r *rpc) InterfaceStats(dom libvirt.Domain, dev string) (model.NICStats, error) {
	rxB, rxP, rxE, rxD, txB, txP, txE, txD, err := r.l.DomainInterfaceStats(dom, dev)
	if err != nil {
		return model.NICStats{}, err
	}
	return model.NICStats{
		Name:      dev,
		RxBytes:   rxB,
		RxPackets: rxP,
		RxErrors:  rxE,
		RxDrops:   rxD,
		TxBytes:   txB,
		TxPackets: txP,
		TxErrors:  txE,
		TxDrops:   txD,
	}, nil
}

func (r *rpc) BlockStats(dom libvirt.Domain, dev string) (model.BlockStats, error) {
	rdReq, rdBytes, wrReq, wrBytes, errs, err := r.l.DomainBlockStats(dom, dev)
	if err != nil {
		return model.BlockStats{}, err
	}
	return model.BlockStats{
		Name:    dev,
		RdReqs:  rdReq,
		RdBytes: rdBytes,
		WrReqs:  wrReq,
		WrBytes: wrBytes,
		Errors:  errs,
	}, nil
}

func (r *rpc) Info(dom libvirt.Domain) (uint8, uint16, uint64, error) {
	state, _, _, vcpus, cpuTime, err := r.l.DomainGetInfo(dom)
	return state, vcpus, cpuTime, err
}

func (r *rpc) MemoryStats(dom libvirt.Domain) ([]libvirt.DomainMemoryStat, error) {
	return r.l.DomainMemoryStats(dom, memStatNr, 0)
}

func (r *rpc) LookupByName(name string) (libvirt.Domain, error) {
	return r.l.DomainLookupByName(name)
}

func (r *rpc) LookupByID(id int32) (libvirt.Domain, error) {
	return r.l.DomainLookupByID(id)
}

func (r *rpc) MaxMemory(dom libvirt.Domain) (uint64, error) {
	return r.l.DomainGetMaxMemory(dom)
}

func (r *rpc) CoreDump(dom libvirt.Domain, dest string) error {
	return r.l.DomainCoreDumpWithFormat(dom, dest, uint32(libvirt.DomainCoreDumpFormatRaw), libvirt.DumpMemoryOnly|libvirt.DumpLive)
}

func (r *rpc) Close() error {
	return r.l.Disconnect()
}
