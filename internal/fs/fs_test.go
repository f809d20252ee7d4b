package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "ac", "nested")
	require.NoError(t, lfs.MkdirAll(dir, 0o755))
	// Idempotent.
	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	fpath := filepath.Join(dir, "blob.tmp")
	f, err := lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	_, err = f.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.NoError(t, f.Sync())

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
	assert.NoError(t, AdviseSequential(f))
	require.NoError(t, f.Close())

	newPath := filepath.Join(dir, "blob")
	require.NoError(t, lfs.Rename(fpath, newPath))

	info, err = lfs.Stat(newPath)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())

	require.NoError(t, lfs.Remove(newPath))
	_, err = lfs.Stat(newPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFaultyFS_WriteLimit(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(LocalFS{})
	ffs.AddRule("limited", Fault{FailAfterBytes: 5})

	f, err := ffs.OpenFile(filepath.Join(tmp, "limited.bin"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	n, err := f.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = f.Write([]byte("!"))
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, f.Close())
}

func TestFaultyFS_PathFaults(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)
	boom := errors.New("boom")

	ffs.FailMkdir(boom)
	err := ffs.MkdirAll(filepath.Join(tmp, "x"), 0o755)
	assert.ErrorIs(t, err, boom)
	ffs.FailMkdir(nil)
	assert.NoError(t, ffs.MkdirAll(filepath.Join(tmp, "x"), 0o755))

	src := filepath.Join(tmp, "x", "a")
	f, err := ffs.OpenFile(src, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ffs.FailRename(boom)
	err = ffs.Rename(src, src+".b")
	assert.ErrorIs(t, err, boom)

	ffs.FailOpen(boom)
	_, err = ffs.OpenFile(src, os.O_RDONLY, 0)
	assert.ErrorIs(t, err, boom)
}

func TestFaultyFS_HandleAccounting(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("bad-close", Fault{FailAfterBytes: -1, FailOnClose: true})

	a, err := ffs.OpenFile(filepath.Join(tmp, "a"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	b, err := ffs.OpenFile(filepath.Join(tmp, "bad-close"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	assert.Equal(t, 2, ffs.OpenFiles())

	require.NoError(t, a.Close())
	assert.Error(t, b.Close())
	assert.Equal(t, 0, ffs.OpenFiles())
	assert.Equal(t, 0, ffs.DoubleCloses())

	_ = a.Close()
	assert.Equal(t, 1, ffs.DoubleCloses())
	assert.Equal(t, 0, ffs.OpenFiles())
}
