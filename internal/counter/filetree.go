package counter

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/procfs/sysfs"
)

// rapl zone names as exposed by the kernel's powercap sysfs tree.
const (
	sysfsZonePackage = "package"
	sysfsZoneCore    = "core"
	sysfsZoneUncore  = "uncore"
	sysfsZoneDRAM    = "dram"
	sysfsZonePSys    = "psys"
)

var sysfsZoneToDomain = map[string]Domain{
	sysfsZonePackage: DomainPackage,
	sysfsZoneCore:    DomainCores,
	sysfsZoneUncore:  DomainUncore,
	sysfsZoneDRAM:    DomainDRAM,
	sysfsZonePSys:    DomainPlatform,
}

// FileTree is the Counter Source variant that reads the kernel's powercap
// pseudo-filesystem (one ASCII decimal per leaf file, no assumed fixed
// width). Each discovered counter's handle is a filetreeHandle (zone name
// and zone index) that keys the discovered sysfs zone.
type FileTree struct {
	fs    sysfs.FS
	zones map[Handle]sysfs.RaplZone
}

type filetreeHandle struct {
	name  string
	index int
}

// NewFileTree opens the powercap sysfs tree rooted at sysfsPath (normally
// "/sys", overridable for tests).
func NewFileTree(sysfsPath string) (*FileTree, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("counter: failed to open sysfs at %q: %w", sysfsPath, err)
	}
	return &FileTree{fs: fs, zones: make(map[Handle]sysfs.RaplZone)}, nil
}

func (f *FileTree) Name() string { return "filetree" }

// Discover enumerates the powercap RAPL zones. A zone named "psys" is
// reported at HostLevel since it spans the whole platform, not one socket.
func (f *FileTree) Discover() ([]Discovered, error) {
	zones, err := sysfs.GetRaplZones(f.fs)
	if err != nil || len(zones) == 0 {
		return nil, &NoCounterAvailableError{
			Diagnostic: "powercap sysfs tree is empty or unreadable; check that the intel_rapl kernel module is loaded and /sys/class/powercap is mounted",
		}
	}

	discovered := make([]Discovered, 0, len(zones))
	for _, z := range zones {
		domain, ok := sysfsZoneToDomain[z.Name]
		if !ok {
			// unknown zone name; still expose it under its own name so
			// operators can reconcile, but skip domain-specific handling
			domain = Domain(z.Name)
		}

		socketID := z.Index
		if domain == DomainPlatform {
			socketID = HostLevel
		}

		h := filetreeHandle{name: z.Name, index: z.Index}
		f.zones[h] = z

		discovered = append(discovered, Discovered{
			SocketID:  socketID,
			Domain:    domain,
			Handle:    h,
			WidthBits: 0, // file-tree counters carry no fixed width
			MaxValue:  z.MaxMicrojoules,
		})
	}

	return discovered, nil
}

func (f *FileTree) Read(h Handle) (Reading, error) {
	key, ok := h.(filetreeHandle)
	if !ok {
		return Reading{}, fmt.Errorf("%w: handle type %T", ErrUnsupported, h)
	}

	zone, ok := f.zones[key]
	if !ok {
		return Reading{}, fmt.Errorf("%w: zone %s/%d not found", ErrUnsupported, key.name, key.index)
	}

	uj, err := zone.GetEnergyMicrojoules()
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return Reading{}, &PermissionDeniedError{
				Path:        zone.Path,
				Remediation: "file permission fix (chmod/udev rule) or run with CAP_DAC_READ_SEARCH",
			}
		}
		return Reading{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return Reading{Value: uj, MaxValue: zone.MaxMicrojoules}, nil
}

func (f *FileTree) Close() error { return nil }
