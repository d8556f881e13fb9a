// Package topology holds the in-memory structural picture of the
// machine — sockets, the energy domains attached to each socket, and the
// logical CPUs belonging to each socket — together with the time-series
// ring buffers attached to each node. Only the Sampler mutates these
// buffers; every other component observes them through the Attribution
// Engine's snapshot contract.
package topology

import (
	"sync"
	"time"

	"github.com/joulemeter/joulemeter/internal/counter"
)

// EnergyRecord is one monotonic reading of a Domain's counter.
type EnergyRecord struct {
	Value     uint64 // microjoules
	MaxValue  uint64 // inclusive maximum representable value before wrap
	WidthBits int
	Timestamp time.Time
}

func energyRecordSize(EnergyRecord) int {
	// 8 (value) + 8 (max) + 4 (width) + 24 (time.Time) rounded to a fixed
	// estimate; exact serialization format is irrelevant to the eviction
	// policy, only a stable per-record cost is required.
	return 64
}

// CPUActivitySnapshot mirrors the kernel's aggregate or per-socket activity
// counters for one sampling pass. All fields are cumulative since boot, in
// whatever unit the OS activity source reports (seconds, in this
// implementation — see internal/procinfo).
type CPUActivitySnapshot struct {
	User      float64
	Nice      float64
	System    float64
	Idle      float64
	IOWait    float64
	IRQ       float64
	SoftIRQ   float64
	Steal     float64
	Guest     float64
	GuestNice float64
	Timestamp time.Time
}

// Busy returns the portion of CPU time considered "busy" per the glossary:
// user + nice + system + softirq + hardirq, excluding idle, iowait and
// virtualization-steal time.
func (s CPUActivitySnapshot) Busy() float64 {
	return s.User + s.Nice + s.System + s.SoftIRQ + s.IRQ
}

func cpuActivitySnapshotSize(CPUActivitySnapshot) int {
	return 96
}

// ProcessActivitySnapshot is one process's cumulative busy-time reading
// together with a lightweight metadata cache.
type ProcessActivitySnapshot struct {
	PID       int
	BusyTime  float64 // cumulative user+system seconds
	Comm      string
	Exe       string
	CmdLine   string // NUL separators sanitized to ASCII space
	Cgroups   []string
	StartTime time.Time
	Timestamp time.Time
}

func processActivitySnapshotSize(p ProcessActivitySnapshot) int {
	size := 56 + len(p.Comm) + len(p.Exe) + len(p.CmdLine)
	for _, cg := range p.Cgroups {
		size += len(cg)
	}
	return size
}

// Domain is one energy-measurement region attached to a Socket (or, for
// DomainPlatform, to the Topology root).
type Domain struct {
	Name    counter.Domain
	Handle  counter.Handle
	Records *RingBuffer[EnergyRecord]
}

func newDomain(name counter.Domain, handle counter.Handle, budgetBytes int) *Domain {
	return &Domain{
		Name:    name,
		Handle:  handle,
		Records: NewRingBuffer[EnergyRecord](budgetBytes, energyRecordSize),
	}
}

// Socket is a physical CPU package, identified by the OS-assigned integer.
type Socket struct {
	ID       int
	CPUs     []int
	Domains  []*Domain
	Activity *RingBuffer[CPUActivitySnapshot]
}

// DomainByName returns the Socket's Domain with the given canonical name,
// or nil if the socket does not expose it.
func (s *Socket) DomainByName(name counter.Domain) *Domain {
	for _, d := range s.Domains {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Bounds configures the byte budgets applied to every ring buffer the
// Topology creates. Defaults are conservative: several hundred to a few
// thousand samples at typical record sizes.
type Bounds struct {
	SocketEnergyBudgetBytes   int
	DomainEnergyBudgetBytes   int
	HostActivityBudgetBytes   int
	SocketActivityBudgetBytes int
	ProcessBudgetBytes        int
	PlatformEnergyBudgetBytes int

	// ProcessRetentionHorizon bounds how long, after its last appended
	// snapshot, a process that has stopped appearing in the process table
	// may still occupy an entry in the process-indexed map before it is
	// dropped, independent of ring-buffer eviction. Default: ten minutes.
	ProcessRetentionHorizon time.Duration
}

// DefaultBounds returns sane defaults: 64 KiB per domain/socket buffer, 256
// KiB for the host activity buffer, 128 KiB per process, and a ten-minute
// process retention horizon.
func DefaultBounds() Bounds {
	return Bounds{
		SocketEnergyBudgetBytes:   64 * 1024,
		DomainEnergyBudgetBytes:   64 * 1024,
		HostActivityBudgetBytes:   256 * 1024,
		SocketActivityBudgetBytes: 64 * 1024,
		ProcessBudgetBytes:        128 * 1024,
		PlatformEnergyBudgetBytes: 64 * 1024,
		ProcessRetentionHorizon:   10 * time.Minute,
	}
}

// Topology is the root of the structural picture: an ordered list of
// Sockets, the host-level activity buffer, the process-indexed map of
// activity buffers, and an optional platform-wide domain attached to the
// root rather than to any one Socket.
type Topology struct {
	Sockets  []*Socket
	Platform *Domain // nil if the platform has no platform-wide domain

	HostActivity *RingBuffer[CPUActivitySnapshot]

	bounds Bounds

	processesMu sync.RWMutex
	processes   map[int]*RingBuffer[ProcessActivitySnapshot]
	lastSeen    map[int]time.Time
}
