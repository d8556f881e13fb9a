// Package bridge implements the Hypervisor-to-Guest Bridge: it takes the
// per-process power attributed to a hypervisor's VM worker processes and
// republishes it as a mirror directory tree that internal/counter.Mirror
// can read from inside the guest, giving a virtual machine the same
// energy_uj/max_energy_range_uj file contract a bare-metal host exposes
// via powercap.
package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joulemeter/joulemeter/internal/attribution"
)

const (
	mirrorEnergyFile    = "energy_uj"
	mirrorMaxEnergyFile = "max_energy_range_uj"

	// mirrorDomain is the single domain name the bridge publishes under
	// each VM directory. The guest has no notion of package/dram/uncore
	// split; it only ever sees the one number attributed to it as a whole.
	mirrorDomain = "package"

	// mirrorMaxEnergy bounds the published counter's representable range.
	// It is set high enough that a real deployment never wraps it; the
	// guest's Mirror source only needs a plausible ceiling to compute
	// wrap-safe deltas, not a byte-accurate hardware width.
	mirrorMaxEnergy = uint64(1) << 60
)

// vmState is the cumulative energy attributed to one VM so far.
type vmState struct {
	cumulativeMicrojoules uint64
}

// Bridge accumulates per-process power attributed to VM worker processes
// into cumulative per-VM energy counters and publishes them, one directory
// per VM, under basePath.
type Bridge struct {
	basePath string

	mu    sync.Mutex
	state map[string]*vmState
}

// New returns a Bridge that publishes mirror directories under basePath
// (conventionally /var/lib/joulemeter/bridge, bind-mounted read-only into
// each guest at the path it sets SCAPHANDRE_POWERCAP_PATH to).
func New(basePath string) *Bridge {
	return &Bridge{basePath: basePath, state: make(map[string]*vmState)}
}

// Publish integrates one interval's worth of per-process power into each
// labeled VM's cumulative energy counter and writes the result to disk.
// Only results carrying a "vm_name" label (produced by
// internal/classifier.VM) are considered; every other process is ignored.
// intervalSeconds is the wall-clock length, in seconds, of the interval the
// batch of results covers.
func (b *Bridge) Publish(results []attribution.ProcessResult, intervalSeconds float64) error {
	if intervalSeconds <= 0 {
		return fmt.Errorf("bridge: non-positive interval %v", intervalSeconds)
	}

	perVM := map[string]float64{}
	for _, r := range results {
		if !r.HasLabels {
			continue
		}
		vmName, ok := r.Labels["vm_name"]
		if !ok || vmName == "" {
			continue
		}
		perVM[vmName] += r.Power.MicroWatts() * intervalSeconds
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for vmName, addedMicrojoules := range perVM {
		st, ok := b.state[vmName]
		if !ok {
			st = &vmState{}
			b.state[vmName] = st
		}
		st.cumulativeMicrojoules += uint64(addedMicrojoules)
		if st.cumulativeMicrojoules > mirrorMaxEnergy {
			st.cumulativeMicrojoules %= mirrorMaxEnergy
		}

		if err := b.writeVM(vmName, st.cumulativeMicrojoules); err != nil {
			return fmt.Errorf("bridge: publish %s: %w", vmName, err)
		}
	}

	return nil
}

// writeVM atomically replaces the energy_uj and max_energy_range_uj files
// for one VM, writing to a temporary sibling and renaming into place so a
// concurrent reader inside the guest never observes a partial write.
func (b *Bridge) writeVM(vmName string, cumulativeMicrojoules uint64) error {
	dir := filepath.Join(b.basePath, vmName, mirrorDomain)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	if err := atomicWriteDecimal(filepath.Join(dir, mirrorEnergyFile), cumulativeMicrojoules); err != nil {
		return err
	}
	return atomicWriteDecimal(filepath.Join(dir, mirrorMaxEnergyFile), mirrorMaxEnergy)
}

// atomicWriteDecimal writes value as a decimal string to path via a
// temporary sibling file followed by an atomic rename, rather than the
// original read-modify-write-in-place approach.
func atomicWriteDecimal(path string, value uint64) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(strconv.FormatUint(value, 10)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file into %s: %w", path, err)
	}
	return nil
}
