package counter

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMirrorDomain(t *testing.T, base, domain, energy, maxEnergy string) {
	t.Helper()
	dir := filepath.Join(base, domain)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, mirrorEnergyFile), []byte(energy+"\n"), 0o644))
	if maxEnergy != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, mirrorMaxEnergyFile), []byte(maxEnergy+"\n"), 0o644))
	}
}

func TestNewMirror_DiscoversDomainsWithEnergyFile(t *testing.T) {
	base := t.TempDir()
	writeMirrorDomain(t, base, "vm1", "1000", "1000000")
	// a directory without an energy_uj file is not a domain
	require.NoError(t, os.MkdirAll(filepath.Join(base, "not-a-domain"), 0o755))

	m, err := NewMirror(base)
	require.NoError(t, err)

	discovered, err := m.Discover()
	require.NoError(t, err)
	require.Len(t, discovered, 1)
	assert.Equal(t, Domain("vm1"), discovered[0].Domain)
	assert.Equal(t, HostLevel, discovered[0].SocketID)
	assert.Equal(t, uint64(1000000), discovered[0].MaxValue)
}

func TestNewMirror_NoDomainsReturnsNoCounterAvailable(t *testing.T) {
	base := t.TempDir()

	_, err := NewMirror(base)
	require.Error(t, err)
	var noCounter *NoCounterAvailableError
	assert.ErrorAs(t, err, &noCounter)
}

func TestNewMirror_MissingDirectory(t *testing.T) {
	_, err := NewMirror(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
	var noCounter *NoCounterAvailableError
	assert.ErrorAs(t, err, &noCounter)
}

func TestMirror_Read(t *testing.T) {
	base := t.TempDir()
	writeMirrorDomain(t, base, "vm1", "42000", "999999")

	m, err := NewMirror(base)
	require.NoError(t, err)
	discovered, err := m.Discover()
	require.NoError(t, err)

	reading, err := m.Read(discovered[0].Handle)
	require.NoError(t, err)
	assert.Equal(t, uint64(42000), reading.Value)
	assert.Equal(t, uint64(999999), reading.MaxValue)
}

func TestMirror_Read_MissingMaxEnergyFallsBackToMaxUint64(t *testing.T) {
	base := t.TempDir()
	writeMirrorDomain(t, base, "vm1", "42000", "")

	m, err := NewMirror(base)
	require.NoError(t, err)
	discovered, err := m.Discover()
	require.NoError(t, err)

	reading, err := m.Read(discovered[0].Handle)
	require.NoError(t, err)
	assert.Equal(t, uint64(42000), reading.Value)
	assert.Equal(t, uint64(math.MaxUint64), reading.MaxValue)
}

func TestMirror_Read_FileRemovedAfterDiscovery(t *testing.T) {
	base := t.TempDir()
	writeMirrorDomain(t, base, "vm1", "42000", "999999")

	m, err := NewMirror(base)
	require.NoError(t, err)
	discovered, err := m.Discover()
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(base, "vm1")))

	_, err = m.Read(discovered[0].Handle)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMirror_Read_UnknownHandleType(t *testing.T) {
	m := &Mirror{basePath: t.TempDir()}
	_, err := m.Read("not-a-handle")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMirror_NameAndClose(t *testing.T) {
	m := &Mirror{}
	assert.Equal(t, "mirror", m.Name())
	assert.NoError(t, m.Close())
}
