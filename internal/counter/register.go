package counter

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Model-specific register offsets for Intel RAPL energy counters. These are
// fixed by the CPU architecture, not discovered at runtime.
const (
	msrPowerUnit        = 0x606
	msrPkgEnergyStatus  = 0x611
	msrPP0EnergyStatus  = 0x639
	msrPP1EnergyStatus  = 0x641
	msrDRAMEnergyStatus = 0x619
)

var registerDomainOffsets = map[Domain]uint32{
	DomainPackage: msrPkgEnergyStatus,
	DomainCores:   msrPP0EnergyStatus,
	DomainUncore:  msrPP1EnergyStatus,
	DomainDRAM:    msrDRAMEnergyStatus,
}

// Register is the Counter Source variant that issues privileged reads to
// model-specific registers through the OS's per-CPU MSR device handle. The
// raw integer units read from hardware are scaled to microjoules using an
// energy-unit factor discovered once at startup.
type Register struct {
	devPath    string // e.g. "/dev/cpu" — overridable for tests
	cpus       []int  // one representative logical CPU per socket, index == socket id
	files      map[int]*os.File
	energyUnit float64
}

type registerHandle struct {
	socketID int
	offset   uint32
}

// NewRegister opens the MSR device for each given representative CPU (one
// per socket) under devPath and reads the shared energy-unit scaling
// factor from the first one.
func NewRegister(devPath string, socketRepresentativeCPUs []int) (*Register, error) {
	r := &Register{
		devPath: devPath,
		cpus:    socketRepresentativeCPUs,
		files:   make(map[int]*os.File),
	}

	for socketID, cpu := range socketRepresentativeCPUs {
		path := filepath.Join(devPath, fmt.Sprintf("%d", cpu), "msr")
		f, err := os.Open(path)
		if err != nil {
			if os.IsPermission(err) {
				return nil, &PermissionDeniedError{
					Path:        path,
					Remediation: "grant CAP_SYS_RAWIO or load the msr kernel module with appropriate permissions",
				}
			}
			return nil, fmt.Errorf("counter: failed to open msr device %q: %w", path, err)
		}
		r.files[socketID] = f
	}

	if len(r.files) == 0 {
		return nil, &NoCounterAvailableError{
			Diagnostic: "no MSR device files opened; likely missing msr kernel module or unsupported CPU generation",
		}
	}

	unit, err := r.readEnergyUnit(r.files[0])
	if err != nil {
		return nil, fmt.Errorf("counter: failed to read RAPL energy unit: %w", err)
	}
	r.energyUnit = unit

	return r, nil
}

func (r *Register) Name() string { return "register" }

// Discover returns one counter per (socket, domain) combination that the
// CPU architecture defines registers for. Availability of cores/uncore/dram
// registers is not probed here; Read surfaces ErrTransient if a register
// offset is not implemented on the running CPU.
func (r *Register) Discover() ([]Discovered, error) {
	maxMicrojoules := uint64(float64(math.MaxUint32) * r.energyUnit)

	discovered := make([]Discovered, 0, len(r.files)*len(registerDomainOffsets))
	for socketID := range r.files {
		for _, domain := range []Domain{DomainPackage, DomainCores, DomainUncore, DomainDRAM} {
			offset := registerDomainOffsets[domain]
			discovered = append(discovered, Discovered{
				SocketID:  socketID,
				Domain:    domain,
				Handle:    registerHandle{socketID: socketID, offset: offset},
				WidthBits: 32,
				MaxValue:  maxMicrojoules,
			})
		}
	}
	if len(discovered) == 0 {
		return nil, &NoCounterAvailableError{Diagnostic: "no RAPL MSR registers discovered"}
	}
	return discovered, nil
}

func (r *Register) Read(h Handle) (Reading, error) {
	key, ok := h.(registerHandle)
	if !ok {
		return Reading{}, fmt.Errorf("%w: handle type %T", ErrUnsupported, h)
	}

	f, ok := r.files[key.socketID]
	if !ok {
		return Reading{}, fmt.Errorf("%w: socket %d has no msr file", ErrUnsupported, key.socketID)
	}

	raw, err := readMSR(f, key.offset)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// RAPL energy status registers carry the counter in the lower 32 bits.
	counter := uint32(raw & 0xFFFFFFFF)
	microjoules := uint64(float64(counter) * r.energyUnit)
	maxMicrojoules := uint64(float64(math.MaxUint32) * r.energyUnit)

	return Reading{Value: microjoules, MaxValue: maxMicrojoules}, nil
}

func (r *Register) Close() error {
	var firstErr error
	for _, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func readMSR(f *os.File, offset uint32) (uint64, error) {
	if _, err := f.Seek(int64(offset), 0); err != nil {
		return 0, fmt.Errorf("failed to seek to MSR offset 0x%x: %w", offset, err)
	}
	var value uint64
	if err := binary.Read(f, binary.LittleEndian, &value); err != nil {
		return 0, fmt.Errorf("failed to read MSR 0x%x: %w", offset, err)
	}
	return value, nil
}

// readEnergyUnit reads the shared energy-unit scaling factor from the
// IA32_RAPL_POWER_UNIT MSR: bits 12:8 give the unit as 1/2^n joules.
func (r *Register) readEnergyUnit(f *os.File) (float64, error) {
	raw, err := readMSR(f, msrPowerUnit)
	if err != nil {
		return 0, err
	}
	energyUnitBits := (raw >> 8) & 0x1F
	return 1_000_000.0 / float64(uint64(1)<<energyUnitBits), nil
}
