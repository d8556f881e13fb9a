// Package counter provides the Counter Source abstraction: a uniform
// interface over energy counters regardless of whether the backing
// mechanism is a pseudo-filesystem, a privileged register read, or a
// mirror directory produced by a peer agent.
package counter

import (
	"errors"
	"fmt"
	"time"
)

// Domain is a canonical energy-measurement region name.
type Domain string

const (
	DomainPackage  Domain = "package"
	DomainCores    Domain = "cores"
	DomainUncore   Domain = "uncore"
	DomainDRAM     Domain = "dram"
	DomainPlatform Domain = "psys"
)

// HostLevel is the socket-id sentinel used for domains that are not
// attached to any particular socket (currently only DomainPlatform).
const HostLevel = -1

var (
	// ErrNoCounterAvailable is returned by Discover when no counters are
	// reachable at all. It is fatal at startup.
	ErrNoCounterAvailable = errors.New("counter: no counter available")

	// ErrPermissionDenied is returned when a counter file or register
	// exists but cannot be read with the process's current privileges.
	ErrPermissionDenied = errors.New("counter: permission denied")

	// ErrTransient marks a read failure that is expected to be retried
	// on the next Sampler pass.
	ErrTransient = errors.New("counter: transient read failure")

	// ErrUnsupported means the handle was valid at discovery time but the
	// counter has since disappeared.
	ErrUnsupported = errors.New("counter: unsupported")
)

// Handle is an opaque reference to a discovered counter. Its lifetime is
// tied to the Domain it was discovered for; it is only meaningful to the
// Source that produced it.
type Handle interface{}

// Reading is one sample of a counter: an unsigned microjoule value together
// with the wrap ceiling that was in effect for it and the wall-clock time
// it was taken.
type Reading struct {
	Value     uint64
	MaxValue  uint64 // inclusive maximum representable value before wrap
	Timestamp time.Time
}

// Discovered describes one counter found during discovery.
type Discovered struct {
	SocketID  int // HostLevel for domains not attached to a socket
	Domain    Domain
	Handle    Handle
	WidthBits int
	MaxValue  uint64
}

// Source is the capability set every Counter Source variant implements:
// discover, read, release. There is no runtime inheritance between
// variants; a concrete Source is selected once at startup.
type Source interface {
	// Name identifies the source variant for logging, e.g. "filetree",
	// "register", "mirror".
	Name() string

	// Discover returns the ordered list of counters this source can read.
	// Discovery is idempotent and safe to call more than once, though
	// implementations are expected to call it exactly once at startup.
	Discover() ([]Discovered, error)

	// Read produces one Reading for the given handle.
	Read(h Handle) (Reading, error)

	// Close releases any resources (open files, device handles) acquired
	// during discovery.
	Close() error
}

// NoCounterAvailableError wraps ErrNoCounterAvailable with a diagnostic
// naming the most likely cause, per the discovery-failure contract.
type NoCounterAvailableError struct {
	Diagnostic string
}

func (e *NoCounterAvailableError) Error() string {
	return fmt.Sprintf("counter: no counter available: %s", e.Diagnostic)
}

func (e *NoCounterAvailableError) Unwrap() error { return ErrNoCounterAvailable }

// PermissionDeniedError names the offending path and a remediation class.
type PermissionDeniedError struct {
	Path        string
	Remediation string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("counter: permission denied on %q: %s", e.Path, e.Remediation)
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }
