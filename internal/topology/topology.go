package topology

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joulemeter/joulemeter/internal/counter"
)

// Build constructs a Topology from a Counter Source's discovery list and the
// logical-CPU-to-socket membership reported by an OS activity source.
// Sockets are created only from discovered domains; a CPU in cpuToSocket
// whose socket has no discovered domain is a configuration fault and is
// logged and left out, not swallowed. CPUs missing from cpuToSocket are not
// detected here.
func Build(discovered []counter.Discovered, cpuToSocket map[int]int, bounds Bounds, logger *slog.Logger) (*Topology, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sockets := map[int]*Socket{}
	socketOrder := []int{}
	var platform *Domain

	for _, d := range discovered {
		if d.SocketID == counter.HostLevel {
			if platform != nil {
				logger.Warn("duplicate platform-wide domain discovered, keeping first", "domain", d.Domain)
				continue
			}
			platform = newDomain(d.Domain, d.Handle, bounds.PlatformEnergyBudgetBytes)
			continue
		}

		sock, ok := sockets[d.SocketID]
		if !ok {
			sock = &Socket{
				ID:       d.SocketID,
				Activity: NewRingBuffer[CPUActivitySnapshot](bounds.SocketActivityBudgetBytes, cpuActivitySnapshotSize),
			}
			sockets[d.SocketID] = sock
			socketOrder = append(socketOrder, d.SocketID)
		}
		sock.Domains = append(sock.Domains, newDomain(d.Domain, d.Handle, bounds.DomainEnergyBudgetBytes))
	}

	if len(sockets) == 0 && platform == nil {
		return nil, fmt.Errorf("topology: counter discovery produced no sockets and no platform domain")
	}

	for cpu, socketID := range cpuToSocket {
		sock, ok := sockets[socketID]
		if !ok {
			logger.Error("logical CPU assigned to unknown socket, configuration fault",
				"cpu", cpu, "socket", socketID)
			continue
		}
		sock.CPUs = append(sock.CPUs, cpu)
	}

	for socketID, sock := range sockets {
		if len(sock.Domains) == 0 {
			return nil, fmt.Errorf("topology: socket %d has no Domain", socketID)
		}
	}

	ordered := make([]*Socket, 0, len(socketOrder))
	for _, id := range socketOrder {
		ordered = append(ordered, sockets[id])
	}

	return &Topology{
		Sockets:      ordered,
		Platform:     platform,
		HostActivity: NewRingBuffer[CPUActivitySnapshot](bounds.HostActivityBudgetBytes, cpuActivitySnapshotSize),
		bounds:       bounds,
		processes:    make(map[int]*RingBuffer[ProcessActivitySnapshot]),
		lastSeen:     make(map[int]time.Time),
	}, nil
}

// AllDomains returns every Domain in the topology: the platform domain (if
// present) followed by each socket's domains in socket order.
func (t *Topology) AllDomains() []*Domain {
	domains := []*Domain{}
	if t.Platform != nil {
		domains = append(domains, t.Platform)
	}
	for _, s := range t.Sockets {
		domains = append(domains, s.Domains...)
	}
	return domains
}

// AppendProcess records one process's activity snapshot, creating its
// per-process ring buffer on first appearance.
func (t *Topology) AppendProcess(pid int, snap ProcessActivitySnapshot, now time.Time) {
	t.processesMu.Lock()
	defer t.processesMu.Unlock()

	buf, ok := t.processes[pid]
	if !ok {
		buf = NewRingBuffer[ProcessActivitySnapshot](t.bounds.ProcessBudgetBytes, processActivitySnapshotSize)
		t.processes[pid] = buf
	}
	buf.Append(snap)
	t.lastSeen[pid] = now
}

// ProcessBuffer returns the ring buffer for pid, or nil if the process has
// never been observed (or has since been evicted by the retention horizon).
func (t *Topology) ProcessBuffer(pid int) *RingBuffer[ProcessActivitySnapshot] {
	t.processesMu.RLock()
	defer t.processesMu.RUnlock()
	return t.processes[pid]
}

// ProcessPIDs returns every process identifier currently tracked.
func (t *Topology) ProcessPIDs() []int {
	t.processesMu.RLock()
	defer t.processesMu.RUnlock()

	pids := make([]int, 0, len(t.processes))
	for pid := range t.processes {
		pids = append(pids, pid)
	}
	return pids
}

// EvictStaleProcesses drops process-indexed buffers whose newest record is
// older than the configured retention horizon, so the sparse process map
// does not leak entries for processes that have long since exited.
func (t *Topology) EvictStaleProcesses(now time.Time) int {
	t.processesMu.Lock()
	defer t.processesMu.Unlock()

	evicted := 0
	for pid, last := range t.lastSeen {
		if now.Sub(last) > t.bounds.ProcessRetentionHorizon {
			delete(t.processes, pid)
			delete(t.lastSeen, pid)
			evicted++
		}
	}
	return evicted
}

// ProcessMetadata returns the cached executable name and command line for a
// process observed at least once, and whether it is known at all.
func (t *Topology) ProcessMetadata(pid int) (comm, exe, cmdline string, ok bool) {
	buf := t.ProcessBuffer(pid)
	if buf == nil {
		return "", "", "", false
	}
	latest, has := buf.Latest()
	if !has {
		return "", "", "", false
	}
	return latest.Comm, latest.Exe, latest.CmdLine, true
}

// LastDomainRecord returns the most recent EnergyRecord of a Domain, used
// by exporters that emit monotonic counters unchanged.
func LastDomainRecord(d *Domain) (EnergyRecord, bool) {
	return d.Records.Latest()
}
