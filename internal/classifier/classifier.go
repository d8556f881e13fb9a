// Package classifier implements the optional pluggable side-module that
// tags per-process metrics with virtual-machine or container/pod identity.
// A classifier is invoked once per process per pass by the Attribution
// Engine; Caching wraps any Classifier with a per-PID cache invalidated
// when the process's start time changes.
package classifier

import (
	"sync"
	"time"
)

// Classifier matches internal/attribution.Classifier: given a process's
// command line and cgroup membership, it returns an optional label set.
type Classifier interface {
	Classify(comm, cmdline string, cgroups []string) (labels map[string]string, ok bool)
}

// Chain tries each Classifier in order and returns the first match.
type Chain []Classifier

func (c Chain) Classify(comm, cmdline string, cgroups []string) (map[string]string, bool) {
	for _, classifier := range c {
		if labels, ok := classifier.Classify(comm, cmdline, cgroups); ok {
			return labels, true
		}
	}
	return nil, false
}

type cacheEntry struct {
	startTime time.Time
	labels    map[string]string
	ok        bool
}

// Caching wraps a Classifier with a cache keyed by process identifier. The
// cached result is invalidated whenever the process's start time differs
// from the time it was cached under — a new process reusing the same PID
// never observes a stale classification.
type Caching struct {
	inner Classifier

	mu    sync.Mutex
	cache map[int]cacheEntry
}

// NewCaching wraps inner with a PID-indexed cache.
func NewCaching(inner Classifier) *Caching {
	return &Caching{inner: inner, cache: make(map[int]cacheEntry)}
}

// ClassifyProcess is the PID/start-time-aware entry point used by the
// attribution pipeline; it is distinct from Classify so Caching itself
// still satisfies the plain Classifier interface for uncached use (e.g.
// tests), while the pipeline calls this richer method for real caching.
func (c *Caching) ClassifyProcess(pid int, startTime time.Time, comm, cmdline string, cgroups []string) (map[string]string, bool) {
	c.mu.Lock()
	entry, ok := c.cache[pid]
	c.mu.Unlock()

	if ok && entry.startTime.Equal(startTime) {
		return entry.labels, entry.ok
	}

	labels, matched := c.inner.Classify(comm, cmdline, cgroups)

	c.mu.Lock()
	c.cache[pid] = cacheEntry{startTime: startTime, labels: labels, ok: matched}
	c.mu.Unlock()

	return labels, matched
}

// Classify satisfies the plain Classifier interface without caching; it
// delegates straight through to the wrapped classifier.
func (c *Caching) Classify(comm, cmdline string, cgroups []string) (map[string]string, bool) {
	return c.inner.Classify(comm, cmdline, cgroups)
}
