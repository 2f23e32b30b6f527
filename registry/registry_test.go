package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, extra string) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "dates_cache.json"), extra)
}

func TestNewSeedsBaseline(t *testing.T) {
	r := newTestRegistry(t, "")
	dates := r.Dates()
	require.Len(t, dates, len(baselineDates))
	require.True(t, sort.SliceIsSorted(dates, func(i, j int) bool {
		return dates[i] > dates[j]
	}))
	require.Equal(t, "20251029", dates[0])
	require.Equal(t, "20201001", dates[len(dates)-1])
}

func TestNewMergesExtraDates(t *testing.T) {
	r := newTestRegistry(t, "20990101\n\nnot-a-date\n123\n20990102\n")
	dates := r.Dates()
	require.Equal(t, "20990102", dates[0])
	require.Equal(t, "20990101", dates[1])
	require.Len(t, dates, len(baselineDates)+2)
}

func TestNewLoadsCacheFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dates_cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`["20980101"]`), 0644))

	r := New(path, "")
	require.Contains(t, r.Dates(), "20980101")
}

func TestNewIgnoresMalformedCacheFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dates_cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0644))

	r := New(path, "")
	require.Len(t, r.Dates(), len(baselineDates))
}

func TestMergePersistsAndDeduplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dates_cache.json")
	r := New(path, "")

	before := r.Len()
	r.Merge([]string{"20970101", "20970101", "20201001", "bogus"})
	require.Equal(t, before+1, r.Len())

	// Persisted file holds the merged list.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var persisted []string
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Contains(t, persisted, "20970101")
	require.Len(t, persisted, r.Len())

	// A fresh registry picks the merge back up.
	r2 := New(path, "")
	require.Contains(t, r2.Dates(), "20970101")
}

func TestMergeNoNewDatesSkipsPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dates_cache.json")
	r := New(path, "")

	r.Merge([]string{"20201001"}) // already in baseline
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestFingerprintChangesOnGrowth(t *testing.T) {
	r := newTestRegistry(t, "")
	fp1 := r.Fingerprint()
	require.Len(t, fp1, 8)

	// Stable while the set is unchanged.
	require.Equal(t, fp1, r.Fingerprint())

	r.Merge([]string{"20960101"})
	require.NotEqual(t, fp1, r.Fingerprint())
}

func TestValidDate(t *testing.T) {
	require.True(t, ValidDate("20201001"))
	require.False(t, ValidDate("2020100"))
	require.False(t, ValidDate("202010011"))
	require.False(t, ValidDate("2020100a"))
	require.False(t, ValidDate(""))
}
