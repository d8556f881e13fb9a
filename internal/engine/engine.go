// Package engine wires the Counter Source, Topology Model, Sampler and
// Attribution Engine together behind three operations: SnapshotMetrics
// (spec's snapshot-metrics), LastRecord and ProcessMetadata. It is the
// single facade every exporter and the bridge are expected to call;
// nothing outside this package touches the live Topology directly.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/joulemeter/joulemeter/internal/attribution"
	"github.com/joulemeter/joulemeter/internal/classifier"
	"github.com/joulemeter/joulemeter/internal/counter"
	"github.com/joulemeter/joulemeter/internal/procinfo"
	"github.com/joulemeter/joulemeter/internal/sampler"
	"github.com/joulemeter/joulemeter/internal/topology"
)

// Engine is the default implementation of the metrics-serving facade.
type Engine struct {
	logger     *slog.Logger
	topo       *topology.Topology
	sampler    *sampler.Sampler
	classifier classifier.Classifier

	interval     time.Duration
	clock        clock.WithTicker
	maxStaleness time.Duration

	dataCh chan struct{}

	computeGroup singleflight.Group
	snapshot     atomic.Pointer[Snapshot]

	collectionCtx    context.Context
	collectionCancel context.CancelFunc
}

// New constructs an Engine over an already-built Topology and the Counter
// Source / process information Source the Sampler reads from.
func New(topo *topology.Topology, source counter.Source, procs procinfo.Source, applyOpts ...OptionFn) *Engine {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		logger:           opts.logger.With("component", "engine"),
		topo:             topo,
		sampler:          sampler.New(source, topo, procs, opts.clock, opts.logger),
		classifier:       opts.classifier,
		interval:         opts.interval,
		clock:            opts.clock,
		maxStaleness:     opts.maxStaleness,
		dataCh:           make(chan struct{}, 1),
		collectionCtx:    ctx,
		collectionCancel: cancel,
	}
}

func (e *Engine) Name() string { return "engine" }

func (e *Engine) Init() error {
	if err := e.refresh(); err != nil {
		e.logger.Warn("initial sample failed, will retry on next collection", "error", err)
	}
	e.signalNewData()
	return nil
}

func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine is running")
	e.collectionLoop()
	<-ctx.Done()
	e.collectionCancel()
	e.logger.Info("engine has terminated")
	return nil
}

func (e *Engine) Shutdown() error {
	e.logger.Info("shutting down engine")
	e.collectionCancel()
	return nil
}

// DataChannel signals every time a new Snapshot has been published.
func (e *Engine) DataChannel() <-chan struct{} { return e.dataCh }

func (e *Engine) signalNewData() {
	select {
	case e.dataCh <- struct{}{}:
	default:
	}
}

func (e *Engine) collectionLoop() {
	if err := e.synchronizedRefresh(); err != nil {
		e.logger.Error("failed to collect initial sample", "error", err)
	}
	if e.interval > 0 {
		e.scheduleNextCollection()
	}
}

func (e *Engine) scheduleNextCollection() {
	timer := e.clock.After(e.interval)
	go func() {
		select {
		case <-timer:
			if err := e.synchronizedRefresh(); err != nil {
				e.logger.Error("failed to collect sample", "error", err)
			}
			e.scheduleNextCollection()
		case <-e.collectionCtx.Done():
			return
		}
	}()
}

// SnapshotMetrics is the spec's snapshot-metrics(now) operation: it
// returns the most recent Snapshot, triggering a synchronous refresh
// first if the cached one is older than maxStaleness.
func (e *Engine) SnapshotMetrics() (*Snapshot, error) {
	if err := e.ensureFreshData(); err != nil {
		return nil, err
	}
	snap := e.snapshot.Load()
	if snap == nil {
		return nil, fmt.Errorf("engine: no snapshot available")
	}
	return snap.Clone(), nil
}

// LastRecord is the spec's last-record operation: the most recent raw
// reading for a named Domain, unfiltered by attribution.
func (e *Engine) LastRecord(name counter.Domain) (topology.EnergyRecord, int, bool) {
	return DomainRecord(e.topo, name)
}

// ProcessMetadata is the spec's process-metadata operation: the cached
// executable name and command line for a known process.
func (e *Engine) ProcessMetadata(pid int) (comm, exe, cmdline string, ok bool) {
	return e.topo.ProcessMetadata(pid)
}

func (e *Engine) ensureFreshData() error {
	if e.isFresh() {
		return nil
	}
	return e.synchronizedRefresh()
}

func (e *Engine) isFresh() bool {
	snap := e.snapshot.Load()
	if snap == nil || snap.Timestamp.IsZero() {
		return false
	}
	return e.clock.Now().Sub(snap.Timestamp) <= e.maxStaleness
}

// synchronizedRefresh ensures only one goroutine samples and attributes
// at a time; concurrent callers share the same refresh.
func (e *Engine) synchronizedRefresh() error {
	_, err, _ := e.computeGroup.Do("refresh", func() (any, error) {
		if e.isFresh() {
			return nil, nil
		}
		return nil, e.refresh()
	})
	return err
}

// refresh runs one Sampler pass and computes host/socket/process
// attribution from the two most recent samples, publishing the result as
// the new Snapshot.
func (e *Engine) refresh() error {
	if err := e.sampler.Sample(); err != nil {
		return fmt.Errorf("engine: sample failed: %w", err)
	}

	snap := &Snapshot{Timestamp: e.clock.Now(), Sockets: make(map[int]SocketSnapshot)}

	host, err := attribution.HostPower(e.topo)
	if err != nil {
		e.logger.Debug("host power unavailable this pass", "error", err)
	} else {
		snap.Host = host
	}

	for _, sock := range e.topo.Sockets {
		energy, power, sockErr := attribution.SocketPower(sock)
		snap.Sockets[sock.ID] = SocketSnapshot{Energy: energy, Power: power, Err: sockErr}
	}

	if host.Power != 0 {
		procs, procErr := attribution.ProcessPowers(e.topo, host, e.classifier)
		if procErr != nil {
			e.logger.Debug("process attribution unavailable this pass", "error", procErr)
		} else {
			snap.Process = procs
		}
	}

	e.snapshot.Store(snap)
	e.signalNewData()
	e.logger.Debug("refreshed snapshot", "processes", len(snap.Process), "sockets", len(snap.Sockets))
	return nil
}
