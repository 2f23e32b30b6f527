package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kitchencache "github.com/mixmoji/kitchen-cache"
	"github.com/stretchr/testify/require"
)

const testKey = kitchencache.PairKey("1f437_1f600")

func TestImagesPutAtomicAndGet(t *testing.T) {
	images, err := NewImages(t.TempDir())
	require.NoError(t, err)

	require.Empty(t, images.Get(testKey))

	data := []byte("\x89PNG\r\n\x1a\nrest-of-image")
	path, err := images.PutAtomic(testKey, data)
	require.NoError(t, err)
	require.Equal(t, images.Path(testKey), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.Equal(t, path, images.Get(testKey))
}

func TestImagesPutAtomicLeavesNoTempFile(t *testing.T) {
	images, err := NewImages(t.TempDir())
	require.NoError(t, err)

	_, err = images.PutAtomic(testKey, []byte("\x89PNGdata"))
	require.NoError(t, err)

	entries, err := os.ReadDir(images.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
	require.Len(t, entries, 1)
}

func TestImagesKeysAndDelete(t *testing.T) {
	images, err := NewImages(t.TempDir())
	require.NoError(t, err)

	_, err = images.PutAtomic(testKey, []byte("\x89PNG1"))
	require.NoError(t, err)
	_, err = images.PutAtomic("2764-fe0f_1f600", []byte("\x89PNG2"))
	require.NoError(t, err)

	keys, err := images.Keys()
	require.NoError(t, err)
	require.ElementsMatch(t, []kitchencache.PairKey{testKey, "2764-fe0f_1f600"}, keys)

	require.NoError(t, images.Delete(testKey))
	require.Empty(t, images.Get(testKey))
	require.NoError(t, images.Delete(testKey)) // idempotent
}

func newTestNotFound(t *testing.T, fp *string, now *time.Time) *NotFound {
	t.Helper()
	nf, err := NewNotFound(t.TempDir(), func() string { return *fp },
		WithNow(func() time.Time { return *now }))
	require.NoError(t, err)
	return nf
}

func TestNotFoundRoundTrip(t *testing.T) {
	fp := "aabbccdd"
	now := time.Now()
	nf := newTestNotFound(t, &fp, &now)

	require.False(t, nf.IsNotFound(testKey))

	nf.Put(testKey, 34)
	require.True(t, nf.IsNotFound(testKey))
}

func TestNotFoundFingerprintInvalidation(t *testing.T) {
	fp := "aabbccdd"
	now := time.Now()
	nf := newTestNotFound(t, &fp, &now)

	nf.Put(testKey, 34)
	require.True(t, nf.IsNotFound(testKey))

	// Registry growth changes the fingerprint; the record must be dropped
	// and its file removed.
	fp = "11223344"
	require.False(t, nf.IsNotFound(testKey))
	_, err := os.Stat(nf.path(testKey))
	require.True(t, os.IsNotExist(err))
}

func TestNotFoundTTLExpiry(t *testing.T) {
	fp := "aabbccdd"
	now := time.Now()
	nf := newTestNotFound(t, &fp, &now)

	nf.Put(testKey, 34)

	now = now.Add(8 * 24 * time.Hour)
	require.False(t, nf.IsNotFound(testKey))
	_, err := os.Stat(nf.path(testKey))
	require.True(t, os.IsNotExist(err))
}

func TestNotFoundCorruptRecordDropped(t *testing.T) {
	fp := "aabbccdd"
	now := time.Now()
	nf := newTestNotFound(t, &fp, &now)

	require.NoError(t, os.WriteFile(nf.path(testKey), []byte("{nope"), 0644))
	require.False(t, nf.IsNotFound(testKey))
	_, err := os.Stat(nf.path(testKey))
	require.True(t, os.IsNotExist(err))
}

func TestNotFoundCustomTTL(t *testing.T) {
	fp := "aabbccdd"
	now := time.Now()
	nf, err := NewNotFound(t.TempDir(), func() string { return fp },
		WithTTL(24*time.Hour),
		WithNow(func() time.Time { return now }))
	require.NoError(t, err)

	nf.Put(testKey, 10)
	require.True(t, nf.IsNotFound(testKey))

	now = now.Add(25 * time.Hour)
	require.False(t, nf.IsNotFound(testKey))
}

func TestNotFoundSweep(t *testing.T) {
	fp := "aabbccdd"
	now := time.Now()
	nf := newTestNotFound(t, &fp, &now)

	nf.Put(testKey, 5)
	nf.Put("1f600_1f60d", 5)
	require.NoError(t, os.WriteFile(filepath.Join(nf.dir, "corrupt.json"), []byte("x"), 0644))

	// Nothing expired yet: only the corrupt file goes.
	require.Equal(t, 1, nf.Sweep())

	now = now.Add(8 * 24 * time.Hour)
	require.Equal(t, 2, nf.Sweep())
}
