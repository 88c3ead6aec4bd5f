// Package source reads domain statistics from libvirt and captures memory dumps.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/and161185/vmstats/internal/jobs"
	"github.com/and161185/vmstats/internal/utils"
	"github.com/and161185/vmstats/model"
	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultSocket  = "/var/run/libvirt/libvirt-sock"
	defaultTCPPort = "16509"
)

var (
	// ErrUnsupportedURI is returned for connection URIs other than qemu:///system and qemu+tcp.
	ErrUnsupportedURI = errors.New("unsupported libvirt uri")
	// ErrDomainNotFound is returned when a key matches neither a domain id nor a name.
	ErrDomainNotFound = errors.New("domain not found")
)

// hypervisor is the part of the libvirt RPC client the adapter uses.
type hypervisor interface {
	Domains() ([]libvirt.Domain, error)
	BulkStats(doms []libvirt.Domain) ([]libvirt.DomainStatsRecord, error)
	XML(dom libvirt.Domain) (string, error)
	InterfaceStats(dom libvirt.Domain, dev string) (model.NICStats, error)
	BlockStats(dom libvirt.Domain, dev string) (model.BlockStats, error)
	Info(dom libvirt.Domain) (state uint8, vcpus uint16, cpuTime uint64, err error)
	MemoryStats(dom libvirt.Domain) ([]libvirt.DomainMemoryStat, error)
	LookupByName(name string) (libvirt.Domain, error)
	LookupByID(id int32) (libvirt.Domain, error)
	MaxMemory(dom libvirt.Domain) (uint64, error)
	CoreDump(dom libvirt.Domain, dest string) error
	Close() error
}

// Libvirt implements collector.Source, jobs.Capturer and jobs.Inspector.
type Libvirt struct {
	hv     hypervisor
	logger *zap.SugaredLogger
	bulk   bool

	mu       sync.Mutex
	domains  map[string]libvirt.Domain
	snapshot map[string]params
}

var (
	_ jobs.Capturer  = (*Libvirt)(nil)
	_ jobs.Inspector = (*Libvirt)(nil)
)

// Dial connects to uri and negotiates the stats API once.
func Dial(ctx context.Context, uri string, timeout time.Duration, logger *zap.SugaredLogger) (*Libvirt, error) {
	network, address, err := endpoint(uri)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	err = utils.WithRetry(ctx, func() error {
		d := net.Dialer{Timeout: timeout}
		c, err := d.DialContext(ctx, network, address)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial libvirt %s: %w", uri, err)
	}

	l := libvirt.New(conn)
	if err := l.ConnectToURI(libvirt.QEMUSystem); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect libvirt %s: %w", uri, err)
	}
	return newLibvirt(&rpc{l: l}, logger), nil
}

func newLibvirt(hv hypervisor, logger *zap.SugaredLogger) *Libvirt {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Libvirt{hv: hv, logger: logger}
	s.bulk = s.probeBulk()
	logger.Infow("libvirt connected", "bulk_stats", s.bulk)
	return s
}

func (s *Libvirt) probeBulk() bool {
	if _, err := s.hv.BulkStats(nil); err != nil {
		s.logger.Infow("bulk domain stats unavailable, using per-domain calls", "error", err)
		return false
	}
	return true
}

// endpoint maps a connection URI to a dial target.
func endpoint(uri string) (network, address string, err error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
	}
	if u.Path != "/system" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
	}
	switch u.Scheme {
	case "qemu", "qemu+unix":
		if u.Host != "" {
			return "", "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
		}
		sock := u.Query().Get("socket")
		if sock == "" {
			sock = defaultSocket
		}
		return "unix", sock, nil
	case "qemu+tcp":
		if u.Hostname() == "" {
			return "", "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
		}
		port := u.Port()
		if port == "" {
			port = defaultTCPPort
		}
		return "tcp", net.JoinHostPort(u.Hostname(), port), nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
}

// Close disconnects from libvirt.
func (s *Libvirt) Close() error {
	return s.hv.Close()
}

// Bulk reports whether the bulk stats API was negotiated.
func (s *Libvirt) Bulk() bool {
	return s.bulk
}

func entityOf(d libvirt.Domain) model.Entity {
	return model.Entity{ID: d.ID, Name: d.Name, UUID: uuid.UUID(d.UUID).String()}
}

// ListEntities returns the running domains. With bulk stats it also takes the
// stats snapshot that ReadStats serves for this cycle.
func (s *Libvirt) ListEntities(ctx context.Context) ([]model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doms, err := s.hv.Domains()
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	byName := make(map[string]libvirt.Domain, len(doms))
	out := make([]model.Entity, 0, len(doms))
	for _, d := range doms {
		byName[d.Name] = d
		out = append(out, entityOf(d))
	}

	var snap map[string]params
	if s.bulk && len(doms) > 0 {
		recs, err := s.hv.BulkStats(doms)
		if err != nil {
			return nil, fmt.Errorf("bulk domain stats: %w", err)
		}
		snap = make(map[string]params, len(recs))
		for _, r := range recs {
			snap[r.Dom.Name] = paramsOf(r.Params)
		}
	}

	s.mu.Lock()
	s.domains = byName
	s.snapshot = snap
	s.mu.Unlock()
	return out, nil
}

// LiveEntities lists the running domains without replacing the snapshot of the current cycle.
func (s *Libvirt) LiveEntities(ctx context.Context) ([]model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doms, err := s.hv.Domains()
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	out := make([]model.Entity, 0, len(doms))
	for _, d := range doms {
		out = append(out, entityOf(d))
	}
	return out, nil
}

func (s *Libvirt) domain(e model.Entity) (libvirt.Domain, error) {
	s.mu.Lock()
	d, ok := s.domains[e.Name]
	s.mu.Unlock()
	if ok {
		return d, nil
	}
	d, err := s.hv.LookupByName(e.Name)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("%w: %s: %v", ErrDomainNotFound, e.Name, err)
	}
	return d, nil
}

// ReadStats returns typed counters for e. devs names the devices when libvirt does not.
func (s *Libvirt) ReadStats(ctx context.Context, e model.Entity, devs model.Devices) (model.EntityStats, error) {
	if err := ctx.Err(); err != nil {
		return model.EntityStats{}, err
	}
	if s.bulk {
		s.mu.Lock()
		p, ok := s.snapshot[e.Name]
		s.mu.Unlock()
		if !ok {
			return model.EntityStats{}, fmt.Errorf("%w: %s: no stats in snapshot", ErrDomainNotFound, e.Name)
		}
		return mapDomainStats(e, p, devs), nil
	}
	return s.readDomain(e, devs)
}

func (s *Libvirt) readDomain(e model.Entity, devs model.Devices) (model.EntityStats, error) {
	d, err := s.domain(e)
	if err != nil {
		return model.EntityStats{}, err
	}

	state, vcpus, cpuTime, err := s.hv.Info(d)
	if err != nil {
		return model.EntityStats{}, fmt.Errorf("domain info %s: %w", e.Name, err)
	}
	st := model.EntityStats{
		Entity: e,
		CPU:    model.CPUStats{State: int64(state), VCPUs: int64(vcpus), Time: int64(cpuTime)},
	}

	if mem, err := s.hv.MemoryStats(d); err != nil {
		s.logger.Debugw("memory stats unavailable", "dom", e.Name, "error", err)
	} else {
		st.Memory = mapMemoryStats(mem)
	}

	for _, dev := range devs.Interfaces {
		nic, err := s.hv.InterfaceStats(d, dev)
		if err != nil {
			s.logger.Debugw("interface stats unavailable", "dom", e.Name, "device", dev, "error", err)
			nic = model.NICStats{}
		}
		nic.Name = dev
		st.NICs = append(st.NICs, nic)
	}
	for _, dev := range devs.Disks {
		blk, err := s.hv.BlockStats(d, dev)
		if err != nil {
			s.logger.Debugw("block stats unavailable", "dom", e.Name, "device", dev, "error", err)
			blk = model.BlockStats{}
		}
		blk.Name = dev
		st.Blocks = append(st.Blocks, blk)
	}
	return st, nil
}

// Devices lists interface and disk target names from the domain XML.
func (s *Libvirt) Devices(ctx context.Context, e model.Entity) (model.Devices, error) {
	if err := ctx.Err(); err != nil {
		return model.Devices{}, err
	}
	d, err := s.domain(e)
	if err != nil {
		return model.Devices{}, err
	}
	doc, err := s.hv.XML(d)
	if err != nil {
		return model.Devices{}, fmt.Errorf("domain xml %s: %w", e.Name, err)
	}
	return parseDevices(doc)
}

// resolve looks key up as a numeric id first, then as a name.
func (s *Libvirt) resolve(key string) (libvirt.Domain, error) {
	if id, err := strconv.ParseInt(key, 10, 32); err == nil {
		if d, err := s.hv.LookupByID(int32(id)); err == nil {
			return d, nil
		}
	}
	d, err := s.hv.LookupByName(key)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("%w: %s", ErrDomainNotFound, key)
	}
	return d, nil
}

// Inspect returns the name, id and expected raw dump size of the domain behind key.
func (s *Libvirt) Inspect(ctx context.Context, key string) (jobs.Target, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Target{}, err
	}
	d, err := s.resolve(key)
	if err != nil {
		return jobs.Target{}, err
	}
	t := jobs.Target{Name: d.Name, ID: strconv.Itoa(int(d.ID))}
	if d.ID < 0 {
		t.ID = d.Name
	}
	if kib, err := s.hv.MaxMemory(d); err != nil {
		s.logger.Warnw("max memory unavailable, progress disabled", "dom", d.Name, "error", err)
	} else {
		t.ExpectedSize = int64(kib) * 1024
	}
	return t, nil
}

// Capture writes a raw, memory-only, live core dump of key to dest.
func (s *Libvirt) Capture(ctx context.Context, key, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := s.hv.CoreDump(d, dest); err != nil {
		return fmt.Errorf("core dump %s: %w", d.Name, err)
	}
	return nil
}
