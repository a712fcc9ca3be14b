package digest

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_KnownContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o666))

	sum, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, Sum("900150983cd24fb0d6963f7d28e17f72"), sum)
}

func TestFile_Empty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, nil, 0o666))

	sum, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, Sum("d41d8cd98f00b204e9800998ecf8427e"), sum)
}

func TestFile_Missing(t *testing.T) {
	sum, err := File(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Equal(t, Absent, sum)
}

func TestFile_Directory(t *testing.T) {
	sum, err := File(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Absent, sum)
}

func TestSum_Valid(t *testing.T) {
	assert.True(t, Absent.Valid())
	assert.True(t, Modified.Valid())
	assert.True(t, Sum("900150983cd24fb0d6963f7d28e17f72").Valid())
	assert.False(t, Sum("").Valid())
	assert.False(t, Sum("short").Valid())
	assert.False(t, Sum("zz0150983cd24fb0d6963f7d28e17f72").Valid())
}

func TestCache_Memoizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o666))

	c := NewCache()
	first, err := c.File(path)
	require.NoError(t, err)

	// A cached entry survives the file changing underneath.
	require.NoError(t, os.WriteFile(path, []byte("xyz"), 0o666))
	second, err := c.File(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	c.Invalidate(path)
	third, err := c.File(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestCache_MarkModified(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o666))

	c := NewCache()
	c.MarkModified(path)

	sum, err := c.File(path)
	require.NoError(t, err)
	assert.Equal(t, Modified, sum)
	assert.NotEqual(t, Absent, sum)
}

func TestCache_Reset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o666))

	c := NewCache()
	c.MarkModified(path)
	c.Reset()

	sum, err := c.File(path)
	require.NoError(t, err)
	assert.Equal(t, Sum("900150983cd24fb0d6963f7d28e17f72"), sum)
}

func TestCache_Concurrent(t *testing.T) {
	dir := t.TempDir()
	paths := make([]string, 8)
	for i := range paths {
		paths[i] = filepath.Join(dir, string(rune('a'+i)))
		require.NoError(t, os.WriteFile(paths[i], []byte{byte(i)}, 0o666))
	}

	c := NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, p := range paths {
				_, err := c.File(p)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}
