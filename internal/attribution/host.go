package attribution

import (
	"fmt"

	"github.com/joulemeter/joulemeter/internal/counter"
	"github.com/joulemeter/joulemeter/internal/topology"
)

// HostStrategy names which domain combination produced the canonical host
// power metric, per the preference order of §4.4: platform domain, then
// package+dram, then package alone.
type HostStrategy string

const (
	HostStrategyPlatform HostStrategy = "platform"
	HostStrategyPkgDRAM  HostStrategy = "package+dram"
	HostStrategyPkgOnly  HostStrategy = "package"
)

// HostResult is the canonical host-level power/energy reading together
// with the per-domain breakdown that fed it, so callers can still export
// every domain's raw counter unchanged.
type HostResult struct {
	Strategy HostStrategy
	Energy   Energy
	Power    Power
	Domains  map[counter.Domain]DomainResult
}

// DomainResult is one Domain's interval energy/power, or the error that
// suppressed it (ErrNoSample / ErrImplausibleReading).
type DomainResult struct {
	SocketID int
	Energy   Energy
	Power    Power
	Err      error
}

// HostPower computes the canonical host-level power metric, preferring the
// platform-wide domain when present, then the sum of package+dram across
// all sockets, then package alone. The raw counter underlying whichever
// source is chosen is also available unchanged via the Domains map.
func HostPower(topo *topology.Topology) (HostResult, error) {
	domains := allDomainResults(topo)

	if topo.Platform != nil {
		if r, ok := domains[topo.Platform.Name]; ok && r.Err == nil {
			return HostResult{Strategy: HostStrategyPlatform, Energy: r.Energy, Power: r.Power, Domains: domains}, nil
		}
	}

	pkgDRAM, pkgDRAMErr := sumDomains(topo, domains, counter.DomainPackage, counter.DomainDRAM)
	if pkgDRAMErr == nil {
		return HostResult{Strategy: HostStrategyPkgDRAM, Energy: pkgDRAM.Energy, Power: pkgDRAM.Power, Domains: domains}, nil
	}

	pkgOnly, pkgOnlyErr := sumDomains(topo, domains, counter.DomainPackage)
	if pkgOnlyErr == nil {
		return HostResult{Strategy: HostStrategyPkgOnly, Energy: pkgOnly.Energy, Power: pkgOnly.Power, Domains: domains}, nil
	}

	return HostResult{}, fmt.Errorf("%w: no usable host power source (platform=%v, pkg+dram=%v, pkg=%v)",
		ErrNoSample, topo.Platform != nil, pkgDRAMErr, pkgOnlyErr)
}

// allDomainResults computes DomainPower for every Domain in the topology.
func allDomainResults(topo *topology.Topology) map[counter.Domain]DomainResult {
	results := make(map[counter.Domain]DomainResult)

	if topo.Platform != nil {
		e, p, _, err := DomainPower(topo.Platform)
		results[topo.Platform.Name] = DomainResult{SocketID: counter.HostLevel, Energy: e, Power: p, Err: err}
	}

	for _, sock := range topo.Sockets {
		for _, d := range sock.Domains {
			e, p, _, err := DomainPower(d)
			// last socket wins on name collisions across sockets; callers
			// that need per-socket detail should use SocketPower instead.
			results[d.Name] = DomainResult{SocketID: sock.ID, Energy: e, Power: p, Err: err}
		}
	}

	return results
}

// sumDomains sums the energy/power of the named domains across every
// socket, skipping any domain that is absent or unreadable. It fails only
// if none of the named domains is readable on any socket.
func sumDomains(topo *topology.Topology, _ map[counter.Domain]DomainResult, names ...counter.Domain) (DomainResult, error) {
	var totalEnergy Energy
	var totalPower Power
	found := false

	for _, sock := range topo.Sockets {
		for _, name := range names {
			d := sock.DomainByName(name)
			if d == nil {
				continue
			}
			e, p, _, err := DomainPower(d)
			if err != nil {
				continue
			}
			totalEnergy += e
			totalPower += p
			found = true
		}
	}

	if !found {
		return DomainResult{}, fmt.Errorf("%w: none of %v readable on any socket", ErrNoSample, names)
	}
	return DomainResult{Energy: totalEnergy, Power: totalPower}, nil
}

// SocketPower sums the interval power/energy of every domain attached
// directly to one socket.
func SocketPower(sock *topology.Socket) (Energy, Power, error) {
	var totalEnergy Energy
	var totalPower Power
	found := false

	for _, d := range sock.Domains {
		e, p, _, err := DomainPower(d)
		if err != nil {
			continue
		}
		totalEnergy += e
		totalPower += p
		found = true
	}

	if !found {
		return 0, 0, fmt.Errorf("%w: socket %d has no readable domain", ErrNoSample, sock.ID)
	}
	return totalEnergy, totalPower, nil
}
