package attribution

import (
	"fmt"
	"time"

	"github.com/joulemeter/joulemeter/internal/topology"
)

// Classifier is the optional pluggable side-module that tags per-process
// metrics with virtual-machine or container/pod identity. It is invoked
// once per process per pass.
type Classifier interface {
	Classify(comm, cmdline string, cgroups []string) (labels map[string]string, ok bool)
}

// PIDAwareClassifier is an optional richer Classifier that caches its
// result by PID and invalidates the cache when a process's start time
// changes, rather than reclassifying every process on every pass (see
// internal/classifier.Caching). ProcessPowers prefers this method via a
// type assertion when the supplied Classifier implements it.
type PIDAwareClassifier interface {
	ClassifyProcess(pid int, startTime time.Time, comm, cmdline string, cgroups []string) (labels map[string]string, ok bool)
}

// ProcessResult is one process's attributed power for one interval.
type ProcessResult struct {
	PID       int
	Comm      string
	Exe       string
	CmdLine   string
	Power     Power
	Energy    Energy
	Labels    map[string]string
	HasLabels bool
}

// busyDelta returns the host's busy-CPU-time delta over the interval
// spanned by its two most recent activity snapshots.
func busyDelta(buf *topology.RingBuffer[topology.CPUActivitySnapshot]) (delta float64, t1, t2 time.Time, err error) {
	curr, ok := buf.Latest()
	if !ok {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: no activity snapshot", ErrNoSample)
	}
	prev, ok := buf.Previous()
	if !ok {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: only one activity snapshot", ErrNoSample)
	}
	return curr.Busy() - prev.Busy(), prev.Timestamp, curr.Timestamp, nil
}

// ProcessPowers computes the per-process power gauge for every process
// with at least two recorded snapshots, given the interval's canonical
// host power. Busy CPU time is defined as user + nice + system + softirq +
// irq (excluding idle, iowait and steal).
//
// busy_host == 0 yields no per-process metrics at all (not a divide
// error). A process whose only recorded snapshot is the current pass
// yields no metric this interval; it will appear starting next pass.
func ProcessPowers(topo *topology.Topology, host HostResult, classifier Classifier) ([]ProcessResult, error) {
	busyHost, _, _, err := busyDelta(topo.HostActivity)
	if err != nil {
		return nil, err
	}
	if busyHost <= 0 {
		return nil, fmt.Errorf("%w: host busy delta is non-positive", ErrNoSample)
	}

	var results []ProcessResult
	for _, pid := range topo.ProcessPIDs() {
		buf := topo.ProcessBuffer(pid)
		if buf == nil || buf.Len() < 2 {
			continue // first-ever snapshot this pass; no metric until next
		}

		curr, _ := buf.Latest()
		prev, _ := buf.Previous()

		busyProc := curr.BusyTime - prev.BusyTime
		if busyProc < 0 {
			busyProc = 0 // clamp against counter resets
		}

		share := busyProc / busyHost
		power := Power(share * host.Power.MicroWatts())

		result := ProcessResult{
			PID:     pid,
			Comm:    curr.Comm,
			Exe:     curr.Exe,
			CmdLine: curr.CmdLine,
			Power:   power,
			Energy:  Energy(share * float64(host.Energy)),
		}

		if classifier != nil {
			var labels map[string]string
			var ok bool
			if aware, isAware := classifier.(PIDAwareClassifier); isAware {
				labels, ok = aware.ClassifyProcess(pid, curr.StartTime, curr.Comm, curr.CmdLine, curr.Cgroups)
			} else {
				labels, ok = classifier.Classify(curr.Comm, curr.CmdLine, curr.Cgroups)
			}
			if ok {
				result.Labels = labels
				result.HasLabels = true
			}
		}

		results = append(results, result)
	}

	return results, nil
}
