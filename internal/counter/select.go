package counter

import (
	"fmt"
	"log/slog"
	"os"
)

// MirrorPathEnv overrides the root of the mirror Counter Source when
// running as a guest.
const MirrorPathEnv = "SCAPHANDRE_POWERCAP_PATH"

// SelectOptions configures startup dispatch of a Counter Source.
type SelectOptions struct {
	Logger *slog.Logger

	// RunAsGuest forces selection of the Mirror source, reading from
	// MirrorPath (or the MirrorPathEnv override).
	RunAsGuest bool
	MirrorPath string

	SysfsPath string

	// RegisterEnabled allows falling back to the MSR Register source when
	// the file-tree source is unavailable.
	RegisterEnabled          bool
	RegisterForce            bool
	RegisterDevicePath       string
	SocketRepresentativeCPUs []int
}

// Select dispatches to exactly one Counter Source variant at startup,
// per the "dispatch is selected once, stored in the Topology" design rule.
// It never probes more than one variant once one succeeds.
func Select(opts SelectOptions) (Source, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.RunAsGuest {
		path := opts.MirrorPath
		if env := os.Getenv(MirrorPathEnv); env != "" {
			path = env
		}
		logger.Info("selecting mirror counter source", "path", path)
		return NewMirror(path)
	}

	if opts.RegisterForce {
		logger.Warn("register counter source forced via configuration; be aware of MSR-based side-channel attack vectors")
		reg, err := NewRegister(opts.RegisterDevicePath, opts.SocketRepresentativeCPUs)
		if err != nil {
			return nil, fmt.Errorf("register source forced but unavailable: %w", err)
		}
		return reg, nil
	}

	ft, err := NewFileTree(opts.SysfsPath)
	if err == nil {
		_, discoverErr := ft.Discover()
		if discoverErr == nil {
			logger.Debug("using filetree counter source")
			return ft, nil
		}
		logger.Debug("filetree counter source discovery failed", "error", discoverErr)
	} else {
		logger.Debug("filetree counter source unavailable", "error", err)
	}

	if !opts.RegisterEnabled {
		return nil, &NoCounterAvailableError{
			Diagnostic: "powercap unavailable and register fallback disabled; load the intel_rapl kernel module or enable register fallback",
		}
	}

	logger.Info("attempting register fallback as filetree source unavailable")
	logger.Warn("register fallback enabled - be aware of PLATYPUS attack vectors (CVE-2020-8694/8695)")

	reg, err := NewRegister(opts.RegisterDevicePath, opts.SocketRepresentativeCPUs)
	if err != nil {
		return nil, fmt.Errorf("neither filetree nor register counter sources are available: %w", err)
	}

	logger.Info("register fallback activated successfully")
	return reg, nil
}
