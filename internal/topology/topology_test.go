package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joulemeter/joulemeter/internal/counter"
)

func testBounds() Bounds {
	b := DefaultBounds()
	b.ProcessRetentionHorizon = time.Minute
	return b
}

func TestBuild_TwoSocketsWithPlatformDomain(t *testing.T) {
	discovered := []counter.Discovered{
		{SocketID: 0, Domain: counter.DomainPackage, Handle: "s0pkg"},
		{SocketID: 0, Domain: counter.DomainDRAM, Handle: "s0dram"},
		{SocketID: 1, Domain: counter.DomainPackage, Handle: "s1pkg"},
		{SocketID: counter.HostLevel, Domain: counter.DomainPlatform, Handle: "platform"},
	}
	cpuToSocket := map[int]int{0: 0, 1: 0, 2: 1, 3: 1}

	topo, err := Build(discovered, cpuToSocket, testBounds(), nil)
	require.NoError(t, err)

	require.Len(t, topo.Sockets, 2)
	require.NotNil(t, topo.Platform)
	assert.Equal(t, counter.DomainPlatform, topo.Platform.Name)

	sock0 := topo.Sockets[0]
	assert.Equal(t, 0, sock0.ID)
	assert.ElementsMatch(t, []int{0, 1}, sock0.CPUs)
	assert.NotNil(t, sock0.DomainByName(counter.DomainPackage))
	assert.NotNil(t, sock0.DomainByName(counter.DomainDRAM))
	assert.Nil(t, sock0.DomainByName(counter.DomainCores))

	sock1 := topo.Sockets[1]
	assert.ElementsMatch(t, []int{2, 3}, sock1.CPUs)

	domains := topo.AllDomains()
	assert.Len(t, domains, 4) // platform + 2 (socket0) + 1 (socket1)
}

func TestBuild_NoSocketsAndNoPlatformIsError(t *testing.T) {
	_, err := Build(nil, nil, testBounds(), nil)
	assert.Error(t, err)
}

func TestBuild_CPUOnSocketWithNoDomainsCreatesNoSocket(t *testing.T) {
	discovered := []counter.Discovered{
		{SocketID: 0, Domain: counter.DomainPackage, Handle: "s0pkg"},
	}
	cpuToSocket := map[int]int{0: 0, 1: 1}

	topo, err := Build(discovered, cpuToSocket, testBounds(), nil)
	require.NoError(t, err)
	assert.Len(t, topo.Sockets, 1)
}

func TestBuild_UnknownSocketCPUIsSkippedNotFatal(t *testing.T) {
	discovered := []counter.Discovered{
		{SocketID: 0, Domain: counter.DomainPackage, Handle: "s0pkg"},
	}
	cpuToSocket := map[int]int{0: 0, 5: 99}

	topo, err := Build(discovered, cpuToSocket, testBounds(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, topo.Sockets[0].CPUs)
}

func TestBuild_DuplicatePlatformDomainKeepsFirst(t *testing.T) {
	discovered := []counter.Discovered{
		{SocketID: counter.HostLevel, Domain: counter.DomainPlatform, Handle: "first"},
		{SocketID: counter.HostLevel, Domain: counter.DomainPlatform, Handle: "second"},
	}

	topo, err := Build(discovered, nil, testBounds(), nil)
	require.NoError(t, err)
	assert.Equal(t, counter.Handle("first"), topo.Platform.Handle)
}

func TestTopology_AppendAndRetrieveProcess(t *testing.T) {
	discovered := []counter.Discovered{{SocketID: 0, Domain: counter.DomainPackage, Handle: "s0"}}
	topo, err := Build(discovered, nil, testBounds(), nil)
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	topo.AppendProcess(42, ProcessActivitySnapshot{PID: 42, Comm: "app", Exe: "/bin/app", CmdLine: "app --flag"}, now)

	buf := topo.ProcessBuffer(42)
	require.NotNil(t, buf)
	latest, ok := buf.Latest()
	require.True(t, ok)
	assert.Equal(t, "app", latest.Comm)

	comm, exe, cmdline, ok := topo.ProcessMetadata(42)
	assert.True(t, ok)
	assert.Equal(t, "app", comm)
	assert.Equal(t, "/bin/app", exe)
	assert.Equal(t, "app --flag", cmdline)

	assert.Equal(t, []int{42}, topo.ProcessPIDs())
}

func TestTopology_ProcessMetadata_UnknownPID(t *testing.T) {
	discovered := []counter.Discovered{{SocketID: 0, Domain: counter.DomainPackage, Handle: "s0"}}
	topo, err := Build(discovered, nil, testBounds(), nil)
	require.NoError(t, err)

	_, _, _, ok := topo.ProcessMetadata(999)
	assert.False(t, ok)
	assert.Nil(t, topo.ProcessBuffer(999))
}

func TestTopology_EvictStaleProcesses(t *testing.T) {
	discovered := []counter.Discovered{{SocketID: 0, Domain: counter.DomainPackage, Handle: "s0"}}
	bounds := testBounds()
	bounds.ProcessRetentionHorizon = time.Minute
	topo, err := Build(discovered, nil, bounds, nil)
	require.NoError(t, err)

	start := time.Unix(1000, 0)
	topo.AppendProcess(1, ProcessActivitySnapshot{PID: 1}, start)
	topo.AppendProcess(2, ProcessActivitySnapshot{PID: 2}, start.Add(2*time.Minute))

	evicted := topo.EvictStaleProcesses(start.Add(2 * time.Minute))
	assert.Equal(t, 1, evicted)
	assert.Nil(t, topo.ProcessBuffer(1))
	assert.NotNil(t, topo.ProcessBuffer(2))
}

func TestLastDomainRecord(t *testing.T) {
	d := newDomain(counter.DomainPackage, "h", 1024)
	_, ok := LastDomainRecord(d)
	assert.False(t, ok)

	now := time.Unix(500, 0)
	d.Records.Append(EnergyRecord{Value: 10, Timestamp: now})

	rec, ok := LastDomainRecord(d)
	require.True(t, ok)
	assert.Equal(t, uint64(10), rec.Value)
}

func TestCPUActivitySnapshot_Busy(t *testing.T) {
	s := CPUActivitySnapshot{
		User: 1, Nice: 2, System: 3, SoftIRQ: 4, IRQ: 5,
		Idle: 100, IOWait: 50, Steal: 10,
	}
	assert.Equal(t, 15.0, s.Busy())
}
