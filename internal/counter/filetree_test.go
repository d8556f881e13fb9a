package counter

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs/sysfs"
	"github.com/stretchr/testify/assert"
)

// sysfs.NewFS stats its argument, so NewFileTree fails for a path that
// doesn't exist. The zone walk in Discover() depends on the kernel's real
// powercap layout, which isn't something this package can safely fabricate
// a fixture for, so these tests stick to the construction and
// handle-dispatch logic around it.

func TestNewFileTree_NonexistentPathFails(t *testing.T) {
	f, err := NewFileTree(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
	assert.Nil(t, f)
}

func TestFileTree_NameAndClose(t *testing.T) {
	f := &FileTree{zones: make(map[Handle]sysfs.RaplZone)}
	assert.Equal(t, "filetree", f.Name())
	assert.NoError(t, f.Close())
}

func TestFileTree_Read_UnknownHandleType(t *testing.T) {
	f := &FileTree{zones: make(map[Handle]sysfs.RaplZone)}
	_, err := f.Read("not-a-handle")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestFileTree_Read_UnknownZone(t *testing.T) {
	f := &FileTree{zones: make(map[Handle]sysfs.RaplZone)}
	_, err := f.Read(filetreeHandle{name: "package", index: 0})
	assert.ErrorIs(t, err, ErrUnsupported)
}
