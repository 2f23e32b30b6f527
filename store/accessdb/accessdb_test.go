package accessdb

import (
	"path/filepath"
	"testing"
	"time"

	kitchencache "github.com/mixmoji/kitchen-cache"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, now *time.Time) *DB {
	t.Helper()
	d := New(WithNow(func() time.Time { return *now }))
	require.NoError(t, d.Open(filepath.Join(t.TempDir(), "access.db")))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestTouchAndGet(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := openTestDB(t, &now)

	key := kitchencache.PairKey("1f437_1f600")

	_, found, err := d.Get(key)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, d.Touch(key))
	now = now.Add(time.Hour)
	require.NoError(t, d.Touch(key))

	rec, found, err := d.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2), rec.Count)
	require.Equal(t, now.Unix(), rec.LastAccess)
}

func TestIdleBefore(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := openTestDB(t, &now)

	require.NoError(t, d.Touch("old_pair"))
	now = now.Add(40 * 24 * time.Hour)
	require.NoError(t, d.Touch("fresh_pair"))

	idle, err := d.IdleBefore(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, []kitchencache.PairKey{"old_pair"}, idle)
}

func TestDeleteAndLen(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := openTestDB(t, &now)

	require.NoError(t, d.Touch("a_b"))
	require.NoError(t, d.Touch("c_d"))

	n, err := d.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, d.Delete("a_b"))
	n, err = d.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, found, err := d.Get("a_b")
	require.NoError(t, err)
	require.False(t, found)
}
