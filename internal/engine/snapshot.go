package engine

import (
	"time"

	"github.com/joulemeter/joulemeter/internal/attribution"
	"github.com/joulemeter/joulemeter/internal/counter"
	"github.com/joulemeter/joulemeter/internal/topology"
)

// Snapshot is the immutable result of one refresh: the canonical
// host-level power/energy, every domain's raw interval reading, and every
// process's attributed share, all as of Timestamp. Exporters and the
// bridge only ever observe a Snapshot, never the live Topology.
type Snapshot struct {
	Timestamp time.Time

	Host    attribution.HostResult
	Sockets map[int]SocketSnapshot
	Process []attribution.ProcessResult
}

// SocketSnapshot is one socket's interval energy/power.
type SocketSnapshot struct {
	Energy attribution.Energy
	Power  attribution.Power
	Err    error
}

// Clone returns a shallow copy safe for a caller to hold onto across the
// next refresh; the maps and slice headers are copied but their elements
// are treated as immutable once published.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Sockets = make(map[int]SocketSnapshot, len(s.Sockets))
	for k, v := range s.Sockets {
		clone.Sockets[k] = v
	}
	clone.Process = append([]attribution.ProcessResult(nil), s.Process...)
	return &clone
}

// DomainRecord returns the most recently sampled raw record for a domain
// name, searching the platform domain and every socket's domains, plus
// the id of the socket it was found on (counter.HostLevel for the
// platform domain).
func DomainRecord(topo *topology.Topology, name counter.Domain) (topology.EnergyRecord, int, bool) {
	if topo.Platform != nil && topo.Platform.Name == name {
		rec, ok := topology.LastDomainRecord(topo.Platform)
		return rec, counter.HostLevel, ok
	}
	for _, sock := range topo.Sockets {
		if d := sock.DomainByName(name); d != nil {
			rec, ok := topology.LastDomainRecord(d)
			return rec, sock.ID, ok
		}
	}
	return topology.EnergyRecord{}, 0, false
}
