// Package sampler implements the Sampler: a stateless operation that, on
// demand, reads every domain counter, the host and per-socket activity
// counters, and every process's activity counters, appending all of it
// (tagged with one shared timestamp) into the Topology's ring buffers.
package sampler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/joulemeter/joulemeter/internal/counter"
	"github.com/joulemeter/joulemeter/internal/procinfo"
	"github.com/joulemeter/joulemeter/internal/topology"
)

// ErrTransientSampleFailure is returned when a host or socket activity read
// fails.
// Per the failure policy, this aborts the whole pass; the caller is
// expected to retry on the next scheduled tick.
var ErrTransientSampleFailure = errors.New("sampler: transient sample failure")

// Sampler runs one measurement pass over a Counter Source and a process
// information Source, appending records into a Topology.
type Sampler struct {
	source counter.Source
	topo   *topology.Topology
	procs  procinfo.Source
	clock  clock.Clock
	logger *slog.Logger
}

// New constructs a Sampler. clk is injectable so tests can control the
// timestamp shared by every record of a pass.
func New(source counter.Source, topo *topology.Topology, procs procinfo.Source, clk clock.Clock, logger *slog.Logger) *Sampler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{source: source, topo: topo, procs: procs, clock: clk, logger: logger.With("component", "sampler")}
}

// Sample runs one measurement pass: domain energy, then host/socket
// activity, then per-process activity, then byte-budget eviction (which
// happens inline on every RingBuffer.Append). All records appended by this
// call share the single timestamp taken at its start.
func (s *Sampler) Sample() error {
	t := s.clock.Now()

	s.sampleDomains(t)

	if err := s.sampleHostActivity(t); err != nil {
		return err
	}

	if err := s.sampleSocketActivity(t); err != nil {
		return err
	}

	s.sampleProcesses(t)

	evicted := s.topo.EvictStaleProcesses(t)
	if evicted > 0 {
		s.logger.Debug("evicted stale process buffers", "count", evicted)
	}

	return nil
}

// sampleDomains reads every Domain's counter. A failed read is recorded as
// a gap (no entry appended for that Domain this pass) and logged;
// subsequent passes try again.
func (s *Sampler) sampleDomains(t time.Time) {
	for _, d := range s.topo.AllDomains() {
		reading, err := s.source.Read(d.Handle)
		if err != nil {
			s.logger.Warn("domain read failed, recording gap", "domain", d.Name, "error", err)
			continue
		}
		d.Records.Append(topology.EnergyRecord{
			Value:     reading.Value,
			MaxValue:  reading.MaxValue,
			Timestamp: t,
		})
	}
}

func (s *Sampler) sampleHostActivity(t time.Time) error {
	activity, err := s.procs.HostActivity()
	if err != nil {
		return fmt.Errorf("%w: host activity read failed: %v", ErrTransientSampleFailure, err)
	}
	activity.Timestamp = t
	s.topo.HostActivity.Append(activity)
	return nil
}

func (s *Sampler) sampleSocketActivity(t time.Time) error {
	for _, sock := range s.topo.Sockets {
		activity, err := s.procs.SocketActivity(sock.CPUs)
		if err != nil {
			return fmt.Errorf("%w: socket %d activity read failed: %v", ErrTransientSampleFailure, sock.ID, err)
		}
		activity.Timestamp = t
		sock.Activity.Append(activity)
	}
	return nil
}

// sampleProcesses enumerates processes and appends one snapshot per
// process. A process that vanished between enumeration and read is simply
// absent from procinfo's result (see procinfo.Source.Processes) and is
// silently skipped for this pass, matching the "vanished process" failure
// policy without any special-casing here.
func (s *Sampler) sampleProcesses(t time.Time) {
	procs, err := s.procs.Processes()
	if err != nil {
		s.logger.Warn("process enumeration failed, skipping this pass' process snapshots", "error", err)
		return
	}

	for _, p := range procs {
		s.topo.AppendProcess(p.PID, topology.ProcessActivitySnapshot{
			PID:       p.PID,
			BusyTime:  p.BusyTime,
			Comm:      p.Comm,
			Exe:       p.Exe,
			CmdLine:   p.Sanitized(),
			Cgroups:   p.Cgroups,
			StartTime: p.StartTime,
			Timestamp: t,
		}, t)
	}
}
