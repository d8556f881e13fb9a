package engine

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/joulemeter/joulemeter/internal/classifier"
)

// Opts configures an Engine.
type Opts struct {
	logger       *slog.Logger
	interval     time.Duration
	clock        clock.WithTicker
	maxStaleness time.Duration
	classifier   classifier.Classifier
}

// DefaultOpts returns an Opts with defaults set: no periodic collection
// (refresh only on demand), real clock, half-second staleness tolerance.
func DefaultOpts() Opts {
	return Opts{
		logger:       slog.Default(),
		interval:     0,
		clock:        clock.RealClock{},
		maxStaleness: 500 * time.Millisecond,
	}
}

// OptionFn sets one or more options in an Opts.
type OptionFn func(*Opts)

// WithInterval sets the background collection interval; zero disables
// periodic collection and every call to SnapshotMetrics refreshes on
// demand instead.
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) { o.interval = d }
}

// WithLogger sets the Engine's logger.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) { o.logger = logger }
}

// WithClock overrides the Engine's clock, for deterministic tests.
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) { o.clock = c }
}

// WithMaxStaleness sets how old a cached snapshot may be before
// SnapshotMetrics triggers a synchronous refresh.
func WithMaxStaleness(d time.Duration) OptionFn {
	return func(o *Opts) { o.maxStaleness = d }
}

// WithClassifier attaches the optional VM/container/pod Classifier used
// when attributing per-process power.
func WithClassifier(c classifier.Classifier) OptionFn {
	return func(o *Opts) { o.classifier = c }
}
