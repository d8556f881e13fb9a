package counter

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// mirrorEnergyFile is the canonical per-domain leaf file name, matching the
// layout the bridge (internal/bridge) writes on the host side.
const mirrorEnergyFile = "energy_uj"

// mirrorMaxEnergyFile carries the wrap ceiling. Its absence means "use the
// native uint64 range", since the bridge never exceeds its own counter's
// reported width.
const mirrorMaxEnergyFile = "max_energy_range_uj"

// Mirror is the Counter Source variant used inside a virtual machine: it
// reads plain files written by a peer Hypervisor-to-Guest Bridge instead of
// talking to hardware directly. The peer is trusted; Mirror performs no
// authentication of the directory contents.
type Mirror struct {
	basePath string
	domains  []Domain
}

type mirrorHandle struct {
	domain Domain
}

// NewMirror discovers domains by listing sub-directories of basePath that
// contain an energy_uj file. basePath is normally the value of
// SCAPHANDRE_POWERCAP_PATH, pointing at a read-only mount of the host's
// per-VM mirror directory.
func NewMirror(basePath string) (*Mirror, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, &NoCounterAvailableError{
			Diagnostic: fmt.Sprintf("cannot list mirror directory %q: %v (is it mounted?)", basePath, err),
		}
	}

	var domains []Domain
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		energyPath := filepath.Join(basePath, e.Name(), mirrorEnergyFile)
		if _, err := os.Stat(energyPath); err == nil {
			domains = append(domains, Domain(e.Name()))
		}
	}

	if len(domains) == 0 {
		return nil, &NoCounterAvailableError{
			Diagnostic: fmt.Sprintf("mirror directory %q contains no domain with an energy_uj file", basePath),
		}
	}

	return &Mirror{basePath: basePath, domains: domains}, nil
}

func (m *Mirror) Name() string { return "mirror" }

// Discover reports every mirrored domain at HostLevel: the guest has no
// concept of its own socket topology, it only observes the share the host
// attributed to it.
func (m *Mirror) Discover() ([]Discovered, error) {
	discovered := make([]Discovered, 0, len(m.domains))
	for _, domain := range m.domains {
		maxValue, err := m.readMaxEnergy(domain)
		if err != nil {
			maxValue = math.MaxUint64
		}
		discovered = append(discovered, Discovered{
			SocketID: HostLevel,
			Domain:   domain,
			Handle:   mirrorHandle{domain: domain},
			MaxValue: maxValue,
		})
	}
	return discovered, nil
}

func (m *Mirror) Read(h Handle) (Reading, error) {
	key, ok := h.(mirrorHandle)
	if !ok {
		return Reading{}, fmt.Errorf("%w: handle type %T", ErrUnsupported, h)
	}

	value, err := m.readDecimalFile(filepath.Join(m.basePath, string(key.domain), mirrorEnergyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Reading{}, fmt.Errorf("%w: domain %s mirror file removed", ErrUnsupported, key.domain)
		}
		if os.IsPermission(err) {
			return Reading{}, &PermissionDeniedError{
				Path:        filepath.Join(m.basePath, string(key.domain), mirrorEnergyFile),
				Remediation: "check the mount permissions of the mirror volume",
			}
		}
		return Reading{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	maxValue, err := m.readMaxEnergy(key.domain)
	if err != nil {
		maxValue = math.MaxUint64
	}

	return Reading{Value: value, MaxValue: maxValue}, nil
}

func (m *Mirror) Close() error { return nil }

func (m *Mirror) readMaxEnergy(domain Domain) (uint64, error) {
	return m.readDecimalFile(filepath.Join(m.basePath, string(domain), mirrorMaxEnergyFile))
}

func (m *Mirror) readDecimalFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("empty counter file %q", path)
	}

	return strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 64)
}
