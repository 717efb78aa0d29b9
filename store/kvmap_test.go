package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sirgallo/nyada/storeerr"
	"github.com/sirgallo/nyada/storeopts"
)

func TestKeyValueMapUnbucketedSetGetDelete(t *testing.T) {
	env := newTestEnvironment(t)

	m, err := OpenKeyValueMap(env, []byte("kv_unbucketed"), storeopts.DefaultBatchingConfig, false)
	require.NoError(t, err)

	require.NoError(t, m.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, m.Set([]byte("k2"), []byte("v2")))
	require.NoError(t, m.Flush(false))

	v, err := m.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, m.Delete([]byte("k1")))
	require.NoError(t, m.Flush(false))

	_, err = m.Get([]byte("k1"))
	require.True(t, errors.Is(err, storeerr.ErrNotFound))

	ok, err := m.Contains([]byte("k2"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Contains([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeyValueMapBucketedSameBucket(t *testing.T) {
	env := newTestEnvironment(t)

	batching := storeopts.BatchingConfig{On: true, BatchSize: 8}
	m, err := OpenKeyValueMap(env, []byte("kv_bucketed"), batching, false)
	require.NoError(t, err)

	k1, v1 := []byte("alpha"), []byte("v1")
	k2, v2 := []byte("gamma"), []byte("v2")
	require.Equal(t, Bucket(k1, 8), Bucket(k2, 8))

	require.NoError(t, m.Set(k1, v1))
	require.NoError(t, m.Set(k2, v2))
	require.NoError(t, m.Flush(false))

	require.NoError(t, m.Delete(k1))
	require.NoError(t, m.Flush(false))

	ok, err := m.Contains(k1)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := m.Get(k2)
	require.NoError(t, err)
	require.Equal(t, v2, got)

	var entries map[string][]byte
	require.NoError(t, m.Iterate(func(key, value []byte) error {
		if entries == nil {
			entries = make(map[string][]byte)
		}
		entries[string(key)] = append([]byte{}, value...)
		return nil
	}))
	require.Equal(t, map[string][]byte{string(k2): v2}, entries)
}

func TestKeyValueMapNegativeCache(t *testing.T) {
	env := newTestEnvironment(t)

	m, err := OpenKeyValueMap(env, []byte("kv_negcache"), storeopts.DefaultBatchingConfig, false)
	require.NoError(t, err)

	ok, err := m.Contains([]byte("never-set"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = m.Get([]byte("never-set"))
	require.True(t, errors.Is(err, storeerr.ErrNotFound))
}

func TestKeyValueMapSetDefault(t *testing.T) {
	env := newTestEnvironment(t)

	m, err := OpenKeyValueMap(env, []byte("kv_setdefault"), storeopts.DefaultBatchingConfig, false)
	require.NoError(t, err)

	v, err := m.SetDefault([]byte("k"), []byte("first"))
	require.NoError(t, err)
	require.Equal(t, []byte("first"), v)

	v, err = m.SetDefault([]byte("k"), []byte("second"))
	require.NoError(t, err)
	require.Equal(t, []byte("first"), v)
}

func TestKeyValueMapIterateRefusesWithPendingBucketBuffers(t *testing.T) {
	env := newTestEnvironment(t)

	batching := storeopts.BatchingConfig{On: true, BatchSize: 8}
	m, err := OpenKeyValueMap(env, []byte("kv_iter_pending"), batching, false)
	require.NoError(t, err)

	require.NoError(t, m.Set([]byte("k"), []byte("v")))

	err = m.Iterate(func(_, _ []byte) error { return nil })
	require.Error(t, err)
}

func TestKeyValueMapReopenStability(t *testing.T) {
	env := newTestEnvironment(t)

	m, err := OpenKeyValueMap(env, []byte("kv_reopen"), storeopts.DefaultBatchingConfig, false)
	require.NoError(t, err)
	require.NoError(t, m.Set([]byte("k"), []byte("v")))
	require.NoError(t, m.Flush(false))

	reopened, err := OpenKeyValueMap(env, []byte("kv_reopen"), storeopts.DefaultBatchingConfig, false)
	require.NoError(t, err)

	got, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}
