// Package procinfo is the OS activity and process information source: it
// reads the kernel-provided aggregate and per-logical-CPU activity
// counters and enumerates running processes, per the "process information
// source" pseudo-filesystem contract of the core's external interfaces.
package procinfo

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/procfs"

	"github.com/joulemeter/joulemeter/internal/topology"
)

// userHZ is the kernel clock-tick rate assumed when procfs does not already
// normalize a value to seconds. prometheus/procfs normalizes CPU stat
// fields to seconds itself; this constant is only needed when converting a
// process's raw stat ticks (busy time and start time) to seconds.
const userHZ = 100

// ProcessInfo is one process's metadata and cumulative busy-time reading,
// as read directly from the kernel pseudo-filesystem for this pass.
type ProcessInfo struct {
	PID       int
	Comm      string
	Exe       string
	CmdLine   []string
	BusyTime  float64 // cumulative user+system seconds
	Cgroups   []string
	Environ   []string
	StartTime time.Time
}

// Sanitized returns the command line joined with single ASCII spaces, per
// the "NUL separators sanitized to ASCII space" contract.
func (p ProcessInfo) Sanitized() string {
	return strings.Join(p.CmdLine, " ")
}

// Source is the process-information-source capability set: it tolerates
// missing entries for any individual process (a process that exits between
// enumeration and read is simply absent from the next call's result, not an
// error).
type Source interface {
	// HostActivity returns the aggregate host CPU-activity snapshot.
	HostActivity() (topology.CPUActivitySnapshot, error)

	// SocketActivity returns the CPU-activity snapshot summed over the
	// given logical CPUs (one socket's membership).
	SocketActivity(cpus []int) (topology.CPUActivitySnapshot, error)

	// Processes enumerates every process currently visible. A process
	// that vanishes between enumeration and read is silently omitted,
	// never reported as an error for the whole call.
	Processes() ([]ProcessInfo, error)
}

// procFS is the default Source implementation, backed by
// github.com/prometheus/procfs.
type procFS struct {
	fs procfs.FS
}

// New opens the process pseudo-filesystem rooted at procPath (normally
// "/proc").
func New(procPath string) (Source, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("procinfo: failed to open procfs at %q: %w", procPath, err)
	}
	return &procFS{fs: fs}, nil
}

func (p *procFS) HostActivity() (topology.CPUActivitySnapshot, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return topology.CPUActivitySnapshot{}, fmt.Errorf("procinfo: failed to read host activity: %w", err)
	}
	return cpuStatToSnapshot(stat.CPUTotal), nil
}

func (p *procFS) SocketActivity(cpus []int) (topology.CPUActivitySnapshot, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return topology.CPUActivitySnapshot{}, fmt.Errorf("procinfo: failed to read per-cpu activity: %w", err)
	}

	var total procfs.CPUStat
	for _, cpu := range cpus {
		cs, ok := stat.CPU[int64(cpu)]
		if !ok {
			continue
		}
		total.User += cs.User
		total.Nice += cs.Nice
		total.System += cs.System
		total.Idle += cs.Idle
		total.Iowait += cs.Iowait
		total.IRQ += cs.IRQ
		total.SoftIRQ += cs.SoftIRQ
		total.Steal += cs.Steal
		total.Guest += cs.Guest
		total.GuestNice += cs.GuestNice
	}
	return cpuStatToSnapshot(total), nil
}

func cpuStatToSnapshot(cs procfs.CPUStat) topology.CPUActivitySnapshot {
	return topology.CPUActivitySnapshot{
		User:      cs.User,
		Nice:      cs.Nice,
		System:    cs.System,
		Idle:      cs.Idle,
		IOWait:    cs.Iowait,
		IRQ:       cs.IRQ,
		SoftIRQ:   cs.SoftIRQ,
		Steal:     cs.Steal,
		Guest:     cs.Guest,
		GuestNice: cs.GuestNice,
	}
}

func (p *procFS) Processes() ([]ProcessInfo, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("procinfo: failed to read boot time: %w", err)
	}
	bootTime := time.Unix(int64(stat.BootTime), 0)

	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("procinfo: failed to enumerate processes: %w", err)
	}

	infos := make([]ProcessInfo, 0, len(procs))
	for _, proc := range procs {
		info, ok := readProcess(proc, bootTime)
		if !ok {
			continue // process vanished between enumeration and read; skip, not an error
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func readProcess(proc procfs.Proc, bootTime time.Time) (ProcessInfo, bool) {
	st, err := proc.Stat()
	if err != nil {
		return ProcessInfo{}, false
	}

	comm, _ := proc.Comm()
	exe, _ := proc.Executable()
	cmdline, _ := proc.CmdLine()
	environ, _ := proc.Environ()

	var cgroupPaths []string
	if cgroups, err := proc.Cgroups(); err == nil {
		cgroupPaths = make([]string, len(cgroups))
		for i, cg := range cgroups {
			cgroupPaths[i] = cg.Path
		}
	}

	startTime := bootTime.Add(time.Duration(float64(st.Starttime)/userHZ) * time.Second)

	return ProcessInfo{
		PID:       proc.PID,
		Comm:      comm,
		Exe:       exe,
		CmdLine:   cmdline,
		BusyTime:  float64(st.UTime+st.STime) / userHZ,
		Cgroups:   cgroupPaths,
		Environ:   environ,
		StartTime: startTime,
	}, true
}
