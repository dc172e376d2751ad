package cache

import (
	"context"
	"testing"
	"time"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := Open(t.TempDir(), Options{HotCacheSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k1", NamespaceFiler)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), NamespaceFiler, TTLDefault))

	got, ok, err := s.Get(ctx, "k1", NamespaceFiler)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	exists, err := s.Exists(ctx, "k1", NamespaceFiler)
	require.NoError(t, err)
	assert.True(t, exists)

	// same key, different namespace
	_, ok, err = s.Get(ctx, "k1", NamespaceGenomics)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreTTLExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), NamespaceRoot, TTLShort))

	_, ok, err := s.Get(ctx, "k", NamespaceRoot)
	require.NoError(t, err)
	assert.True(t, ok)

	s.now = func() time.Time { return base.Add(TTLShort + time.Second) }

	_, ok, err = s.Get(ctx, "k", NamespaceRoot)
	require.NoError(t, err)
	assert.False(t, ok)

	// the lazy delete means a later read under the original clock still misses
	s.now = func() time.Time { return base }
	_, ok, err = s.Get(ctx, "k", NamespaceRoot)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreNoExpiryWithZeroTTL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.Set(ctx, "k", []byte("v"), NamespaceRoot, 0))

	s.now = func() time.Time { return base.Add(100 * 24 * time.Hour) }
	_, ok, err := s.Get(ctx, "k", NamespaceRoot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreInvalidateNamespace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "f1", []byte("a"), NamespaceFiler, 0))
	require.NoError(t, s.Set(ctx, "f2", []byte("b"), NamespaceFiler, 0))
	require.NoError(t, s.Set(ctx, "g1", []byte("c"), NamespaceGenomics, 0))

	require.NoError(t, s.Invalidate(ctx, NamespaceFiler))

	_, ok, err := s.Get(ctx, "f1", NamespaceFiler)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Get(ctx, "f2", NamespaceFiler)
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := s.Get(ctx, "g1", NamespaceGenomics)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("c"), got)
}

func TestStoreKeysListing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "aa", []byte("1"), NamespaceView, 0))
	require.NoError(t, s.Set(ctx, "bb", []byte("2"), NamespaceView, 0))

	keys, err := s.Keys(ctx, NamespaceView, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb"}, keys)

	keys, err = s.Keys(ctx, NamespaceView, 1)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestStoreClosed(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, _, err := s.Get(context.Background(), "k", NamespaceRoot)
	assert.ErrorIs(t, err, niagads_errors.ErrStoreClosed)
	err = s.Set(context.Background(), "k", []byte("v"), NamespaceRoot, 0)
	assert.ErrorIs(t, err, niagads_errors.ErrStoreClosed)
}

func TestCodecRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cursors := []string{"0:0", "0:300", "2:50"}
	require.NoError(t, SetAs(ctx, s, MsgpackCodec{}, "cur", cursors, NamespaceFiler, TTLDefault))

	got, ok, err := GetAs[[]string](ctx, s, MsgpackCodec{}, "cur", NamespaceFiler)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cursors, got)

	require.NoError(t, SetAs(ctx, s, JSONCodec{}, "size", int64(1450), NamespaceFiler, TTLDefault))
	size, ok, err := GetAs[int64](ctx, s, JSONCodec{}, "size", NamespaceFiler)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1450), size)
}
