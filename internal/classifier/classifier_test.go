package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubClassifier struct {
	labels map[string]string
	ok     bool
	calls  int
}

func (s *stubClassifier) Classify(_ string, _ string, _ []string) (map[string]string, bool) {
	s.calls++
	return s.labels, s.ok
}

func TestChain_FirstMatchWins(t *testing.T) {
	noMatch := &stubClassifier{ok: false}
	match := &stubClassifier{labels: map[string]string{"k": "v"}, ok: true}
	neverReached := &stubClassifier{labels: map[string]string{"k": "wrong"}, ok: true}

	chain := Chain{noMatch, match, neverReached}
	labels, ok := chain.Classify("comm", "cmdline", nil)

	assert.True(t, ok)
	assert.Equal(t, map[string]string{"k": "v"}, labels)
	assert.Equal(t, 0, neverReached.calls)
}

func TestChain_NoMatch(t *testing.T) {
	chain := Chain{&stubClassifier{ok: false}, &stubClassifier{ok: false}}
	labels, ok := chain.Classify("comm", "cmdline", nil)

	assert.False(t, ok)
	assert.Nil(t, labels)
}

func TestCaching_ClassifyProcess_CachesUntilStartTimeChanges(t *testing.T) {
	inner := &stubClassifier{labels: map[string]string{"pod_name": "a"}, ok: true}
	c := NewCaching(inner)

	start := time.Unix(1000, 0)
	labels, ok := c.ClassifyProcess(42, start, "comm", "cmdline", nil)
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"pod_name": "a"}, labels)
	assert.Equal(t, 1, inner.calls)

	// second call with the same start time hits the cache
	_, _ = c.ClassifyProcess(42, start, "comm", "cmdline", nil)
	assert.Equal(t, 1, inner.calls)

	// a PID reused by a new process (different start time) invalidates it
	inner.labels = map[string]string{"pod_name": "b"}
	newLabels, ok := c.ClassifyProcess(42, start.Add(time.Second), "comm", "cmdline", nil)
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"pod_name": "b"}, newLabels)
	assert.Equal(t, 2, inner.calls)
}

func TestCaching_Classify_BypassesCache(t *testing.T) {
	inner := &stubClassifier{labels: map[string]string{"k": "v"}, ok: true}
	c := NewCaching(inner)

	_, _ = c.Classify("comm", "cmdline", nil)
	_, _ = c.Classify("comm", "cmdline", nil)
	assert.Equal(t, 2, inner.calls)
}
