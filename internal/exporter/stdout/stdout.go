// Package stdout implements the reference stdout exporter: it reads
// engine.Snapshot on a fixed interval and renders the host power reading
// and every attributed process as a table, without reordering or
// reinterpreting anything the Attribution Engine produced.
package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/joulemeter/joulemeter/internal/engine"
	"github.com/joulemeter/joulemeter/internal/service"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner

	// Metrics is the subset of engine.Engine the exporter depends on.
	Metrics interface {
		SnapshotMetrics() (*engine.Snapshot, error)
	}
)

// Exporter exports power data to stdout.
type Exporter struct {
	logger   *slog.Logger
	metrics  Metrics
	out      io.WriteCloser
	ticker   time.Ticker
	interval time.Duration
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	interval time.Duration
}

// DefaultOpts returns a new Opts with defaults set.
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default().With("service", "stdout"),
		out:      os.Stdout,
		interval: 2 * time.Second,
	}
}

// OptionFn sets one or more options in an Opts.
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) { o.logger = logger }
}

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) { o.out = out }
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) { o.interval = interval }
}

func NewExporter(metrics Metrics, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		metrics:  metrics,
		out:      opts.out,
		interval: opts.interval,
	}
}

func (e *Exporter) Init() error {
	e.ticker = *time.NewTicker(e.interval)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case <-e.ticker.C:
			snapshot, err := e.metrics.SnapshotMetrics()
			if err != nil {
				e.logger.Error("failed to collect power data", "error", err)
				continue
			}
			write(e.out, snapshot)
		case <-ctx.Done():
			e.logger.Info("exiting ticker")
			return nil
		}
	}
}

func write(out io.Writer, snapshot *engine.Snapshot) {
	fmt.Fprintf(out, "host power: %.2fW (strategy=%s)\n", snapshot.Host.Power.MicroWatts()/1_000_000, snapshot.Host.Strategy)
	writeProcesses(out, snapshot)
}

func writeProcesses(out io.Writer, snapshot *engine.Snapshot) {
	rows := make([][]string, 0, len(snapshot.Process))
	for _, p := range snapshot.Process {
		rows = append(rows, []string{
			fmt.Sprintf("%d", p.PID),
			p.Comm,
			fmt.Sprintf("%.4f", p.Power.MicroWatts()/1_000_000),
		})
	}
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"PID", "Comm", "Power(W)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func (e *Exporter) Shutdown() error {
	return e.out.Close()
}

// Name implements service.Name.
func (e *Exporter) Name() string {
	return "stdout"
}
