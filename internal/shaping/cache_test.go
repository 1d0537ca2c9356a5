package shaping

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFileCacheStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := &fileCacheStore{}

	require.NoError(t, store.Put("file://"+filepath.Join(dir, "resp.bin"), time.Minute, []byte("payload")))

	data, fresh, err := store.Get("file://" + filepath.Join(dir, "resp.bin"))
	require.NoError(t, err)
	require.True(t, fresh)
	require.Equal(t, "payload", string(data))
}

func TestFileCacheStoreExpires(t *testing.T) {
	dir := t.TempDir()
	store := &fileCacheStore{}
	path := "file://" + filepath.Join(dir, "resp.bin")

	require.NoError(t, store.Put(path, time.Nanosecond, []byte("payload")))
	time.Sleep(time.Millisecond)

	_, fresh, err := store.Get(path)
	require.NoError(t, err)
	require.False(t, fresh)
}

func TestBoltCacheStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltCacheStore(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("cache://foo", time.Minute, []byte("payload")))

	data, fresh, err := store.Get("cache://foo")
	require.NoError(t, err)
	require.True(t, fresh)
	require.Equal(t, "payload", string(data))
}

func TestBoltCacheStoreExpires(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltCacheStore(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("cache://bar", time.Nanosecond, []byte("payload")))
	time.Sleep(time.Millisecond)

	_, fresh, err := store.Get("cache://bar")
	require.NoError(t, err)
	require.False(t, fresh)
}

func TestBoltCacheStoreStartGCSweepsExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltCacheStore(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("cache://stale", time.Nanosecond, []byte("old")))
	require.NoError(t, store.Put("cache://fresh", time.Hour, []byte("new")))
	time.Sleep(time.Millisecond)

	n, err := store.sweepExpired()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, _, err = store.Get("cache://stale")
	require.Error(t, err)

	data, fresh, err := store.Get("cache://fresh")
	require.NoError(t, err)
	require.True(t, fresh)
	require.Equal(t, "new", string(data))
}

func TestBoltCacheStoreStartGCRejectsMalformedSchedule(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltCacheStore(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	log := zerolog.New(ioutil.Discard)
	stop := make(chan struct{})
	defer close(stop)
	require.Error(t, store.StartGC("not a schedule", &log, stop))
}

func TestDeflateInflateRoundTrip(t *testing.T) {
	original := []byte(`{"hello":"world","n":1}`)
	compressed, err := Deflate(original, 6)
	require.NoError(t, err)
	require.NotEqual(t, original, compressed)

	restored, err := Inflate(compressed)
	require.NoError(t, err)
	require.Equal(t, original, restored)
}
