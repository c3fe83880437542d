package offcache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMemStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := OpenMemoryStorage(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(url, body string) CacheEntry {
	return CacheEntry{URL: url, Status: 200, Body: []byte(body), Type: ResponseBasic}
}

func TestStoragePutAndMatch(t *testing.T) {
	ctx := context.Background()
	s := newMemStorage(t)

	b, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "/a.css", entry("/a.css", "a")))

	got, ok := b.Match("/a.css")
	require.True(t, ok)
	assert.Equal(t, []byte("a"), got.Body)

	got, ok = s.Match("/a.css")
	require.True(t, ok)
	assert.Equal(t, "/a.css", got.URL)

	_, ok = s.Match("/b.css")
	assert.False(t, ok)
	_, ok = s.Bucket("other").Match("/a.css")
	assert.False(t, ok)
}

func TestStorageKeysInCreationOrder(t *testing.T) {
	ctx := context.Background()
	s := newMemStorage(t)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := s.Open(ctx, name)
		require.NoError(t, err)
	}
	_, err := s.Open(ctx, "zeta")
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, s.Keys())
}

func TestStorageMatchPrefersOldestBucket(t *testing.T) {
	ctx := context.Background()
	s := newMemStorage(t)

	require.NoError(t, s.Bucket("old").Put(ctx, "/x", entry("/x", "old")))
	require.NoError(t, s.Bucket("new").Put(ctx, "/x", entry("/x", "new")))

	got, ok := s.Match("/x")
	require.True(t, ok)
	assert.Equal(t, "old", string(got.Body))
}

func TestStorageDelete(t *testing.T) {
	ctx := context.Background()
	s := newMemStorage(t)

	b := s.Bucket("dyn")
	require.NoError(t, b.Put(ctx, "/1", entry("/1", "1")))
	require.NoError(t, b.Put(ctx, "/2", entry("/2", "2")))
	require.NoError(t, s.Bucket("dynamo").Put(ctx, "/1", entry("/1", "other")))

	existed, err := s.Delete(ctx, "dyn")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, s.Has("dyn"))

	n, err := b.Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	// A bucket whose name extends the deleted one is untouched.
	got, ok := s.Match("/1")
	require.True(t, ok)
	assert.Equal(t, "other", string(got.Body))

	existed, err = s.Delete(ctx, "dyn")
	require.NoError(t, err)
	assert.False(t, existed)

	// Writing through a stale handle recreates the bucket.
	require.NoError(t, b.Put(ctx, "/3", entry("/3", "3")))
	assert.Equal(t, []string{"dynamo", "dyn"}, s.Keys())
}

func TestStoragePutAllIsKeyedByURL(t *testing.T) {
	ctx := context.Background()
	s := newMemStorage(t)

	b := s.Bucket("static")
	require.NoError(t, b.PutAll(ctx, []CacheEntry{
		entry("/index.html", "i"),
		entry("/", "r"),
		entry("/css/main.css", "c"),
	}))

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/css/main.css", "/index.html"}, keys)
}

func TestStorageDeleteIsOrderedAfterQueuedWrites(t *testing.T) {
	ctx := context.Background()
	s := newMemStorage(t)

	b := s.Bucket("dyn")
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("/img/%d.png", i)
		b.PutAsync(key, entry(key, "x"))
	}
	_, err := s.Delete(ctx, "dyn")
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	assert.False(t, s.Has("dyn"))
	n, err := b.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoragePutAsyncAppliedOnFlush(t *testing.T) {
	ctx := context.Background()
	s := newMemStorage(t)

	b := s.Bucket("dyn")
	b.PutAsync("/a.png", entry("/a.png", "a"))
	require.NoError(t, s.Flush(ctx))

	_, ok := b.Match("/a.png")
	assert.True(t, ok)
	assert.True(t, s.Has("dyn"))
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	s, err := OpenStorage(path, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Bucket("b1").Put(ctx, "/x", entry("/x", "x")))
	require.NoError(t, s.Bucket("b2").Put(ctx, "/y", entry("/y", "y")))
	require.NoError(t, s.Close())

	s, err = OpenStorage(path, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"b1", "b2"}, s.Keys())
	got, ok := s.Match("/y")
	require.True(t, ok)
	assert.Equal(t, "y", string(got.Body))

	_, err = s.Open(ctx, "b0")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2", "b0"}, s.Keys())
}

func TestStorageClosed(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemoryStorage(zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Bucket("b").Put(ctx, "/x", entry("/x", "x")), ErrStorageClosed)
	assert.ErrorIs(t, s.Flush(ctx), ErrStorageClosed)
	_, err = s.Delete(ctx, "b")
	assert.ErrorIs(t, err, ErrStorageClosed)
	s.Bucket("b").PutAsync("/x", entry("/x", "x"))
}
