package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/joulemeter/joulemeter/internal/counter"
	"github.com/joulemeter/joulemeter/internal/procinfo"
	"github.com/joulemeter/joulemeter/internal/topology"
)

// fakeCounterSource is a Counter Source with one package domain whose
// value a test can drive directly.
type fakeCounterSource struct {
	value uint64
}

func (f *fakeCounterSource) Name() string { return "fake" }

func (f *fakeCounterSource) Discover() ([]counter.Discovered, error) {
	return []counter.Discovered{
		{SocketID: 0, Domain: counter.DomainPackage, Handle: "pkg", MaxValue: 1 << 40},
	}, nil
}

func (f *fakeCounterSource) Read(h counter.Handle) (counter.Reading, error) {
	return counter.Reading{Value: f.value, MaxValue: 1 << 40}, nil
}

func (f *fakeCounterSource) Close() error { return nil }

// fakeProcSource is a procinfo.Source with one host activity reading and
// one process whose busy time a test can drive directly.
type fakeProcSource struct {
	hostBusy   float64
	procBusy   float64
	processPID int
}

func (f *fakeProcSource) HostActivity() (topology.CPUActivitySnapshot, error) {
	return topology.CPUActivitySnapshot{User: f.hostBusy}, nil
}

func (f *fakeProcSource) SocketActivity(cpus []int) (topology.CPUActivitySnapshot, error) {
	return topology.CPUActivitySnapshot{User: f.hostBusy}, nil
}

func (f *fakeProcSource) Processes() ([]procinfo.ProcessInfo, error) {
	return []procinfo.ProcessInfo{
		{PID: f.processPID, Comm: "worker", BusyTime: f.procBusy, StartTime: time.Unix(0, 0)},
	}, nil
}

func newTestEngine(t *testing.T, src *fakeCounterSource, procs *fakeProcSource, clk *testingclock.FakeClock) *Engine {
	t.Helper()
	topo, err := topology.Build(mustDiscover(t, src), map[int]int{0: 0}, topology.DefaultBounds(), nil)
	require.NoError(t, err)
	return New(topo, src, procs, WithClock(clk), WithInterval(0))
}

func mustDiscover(t *testing.T, src counter.Source) []counter.Discovered {
	t.Helper()
	d, err := src.Discover()
	require.NoError(t, err)
	return d
}

func TestSnapshotMetrics_NoDataBeforeSecondSample(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	src := &fakeCounterSource{value: 1000}
	procs := &fakeProcSource{hostBusy: 10, procBusy: 1, processPID: 42}

	e := newTestEngine(t, src, procs, clk)
	require.NoError(t, e.Init())

	snap, err := e.SnapshotMetrics()
	require.NoError(t, err)
	assert.Empty(t, snap.Process, "no process metrics until a second sample exists")
}

func TestSnapshotMetrics_AttributesAfterSecondSample(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	src := &fakeCounterSource{value: 1000}
	procs := &fakeProcSource{hostBusy: 10, procBusy: 1, processPID: 42}

	e := newTestEngine(t, src, procs, clk)
	require.NoError(t, e.Init())

	// advance time and counters, force a refresh past maxStaleness
	clk.Step(time.Second)
	src.value = 2000
	procs.hostBusy = 20
	procs.procBusy = 3

	snap, err := e.SnapshotMetrics()
	require.NoError(t, err)
	require.Len(t, snap.Process, 1)
	assert.Equal(t, 42, snap.Process[0].PID)
	assert.Greater(t, float64(snap.Process[0].Power), 0.0)
}

func TestLastRecord_ReturnsRawReading(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	src := &fakeCounterSource{value: 1000}
	procs := &fakeProcSource{hostBusy: 10, procBusy: 1, processPID: 42}

	e := newTestEngine(t, src, procs, clk)
	require.NoError(t, e.Init())

	rec, socketID, ok := e.LastRecord(counter.DomainPackage)
	require.True(t, ok)
	assert.Equal(t, 0, socketID)
	assert.Equal(t, uint64(1000), rec.Value)
}

func TestProcessMetadata_UnknownPID(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	src := &fakeCounterSource{value: 1000}
	procs := &fakeProcSource{hostBusy: 10, procBusy: 1, processPID: 42}

	e := newTestEngine(t, src, procs, clk)
	require.NoError(t, e.Init())

	_, _, _, ok := e.ProcessMetadata(99999)
	assert.False(t, ok)
}
