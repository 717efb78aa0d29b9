package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sirgallo/nyada/storeopts"
)

func TestSequenceUnbatchedAppendAndGet(t *testing.T) {
	env := newTestEnvironment(t)

	seq, err := OpenSequence(env, []byte("seq_unbatched"), storeopts.DefaultBatchingConfig, false)
	require.NoError(t, err)

	values := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, v := range values {
		require.NoError(t, seq.Append(v))
	}
	require.NoError(t, seq.Flush(false))

	require.EqualValues(t, len(values), seq.Length())
	for i, want := range values {
		got, err := seq.Get(int64(i))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// negative index folds from the end
	last, err := seq.Get(-1)
	require.NoError(t, err)
	require.Equal(t, values[len(values)-1], last)
}

func TestSequenceOverwriteAfterFlush(t *testing.T) {
	env := newTestEnvironment(t)

	seq, err := OpenSequence(env, []byte("seq_overwrite"), storeopts.DefaultBatchingConfig, false)
	require.NoError(t, err)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, seq.Append([]byte(v)))
	}
	require.NoError(t, seq.Flush(false))

	require.NoError(t, seq.Set(1, []byte("B")))
	require.NoError(t, seq.Flush(false))

	got, err := seq.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("B"), got)

	untouched, err := seq.Get(0)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), untouched)
}

func TestSequenceConstantLength(t *testing.T) {
	env := newTestEnvironment(t)

	batching := storeopts.BatchingConfig{On: true, BatchSize: 4, ConstantLength: true, MaxItemLength: 6}
	seq, err := OpenSequence(env, []byte("seq_const"), batching, false)
	require.NoError(t, err)

	values := []string{"aaaaaa", "bbbbbb", "cccccc", "dddddd", "eeeeee"}
	for _, v := range values {
		require.NoError(t, seq.Append([]byte(v)))
	}
	require.NoError(t, seq.Flush(false))

	require.EqualValues(t, 5, seq.Length())

	got3, err := seq.Get(3)
	require.NoError(t, err)
	require.Equal(t, "dddddd", string(got3))

	got4, err := seq.Get(4)
	require.NoError(t, err)
	require.Equal(t, "eeeeee", string(got4))
}

func TestSequenceConstantLengthOverwriteAfterFlush(t *testing.T) {
	env := newTestEnvironment(t)

	batching := storeopts.BatchingConfig{On: true, BatchSize: 4, ConstantLength: true, MaxItemLength: 6}
	seq, err := OpenSequence(env, []byte("seq_const_overwrite"), batching, false)
	require.NoError(t, err)

	values := []string{"aaaaaa", "bbbbbb", "cccccc", "dddddd", "eeeeee"}
	for _, v := range values {
		require.NoError(t, seq.Append([]byte(v)))
	}
	require.NoError(t, seq.Flush(false))

	// Overwrite an index within the first (full) page and one within the
	// tail page, exercising applyOverwritesConstant across a page boundary.
	require.NoError(t, seq.Set(1, []byte("BBBBBB")))
	require.NoError(t, seq.Set(4, []byte("EEEEEE")))
	require.NoError(t, seq.Flush(false))

	got1, err := seq.Get(1)
	require.NoError(t, err)
	require.Equal(t, "BBBBBB", string(got1))

	got4, err := seq.Get(4)
	require.NoError(t, err)
	require.Equal(t, "EEEEEE", string(got4))

	untouched, err := seq.Get(0)
	require.NoError(t, err)
	require.Equal(t, "aaaaaa", string(untouched))
}

func TestSequenceConstantLengthRejectsBadSize(t *testing.T) {
	env := newTestEnvironment(t)

	batching := storeopts.BatchingConfig{On: true, BatchSize: 4, ConstantLength: true, MaxItemLength: 6}
	seq, err := OpenSequence(env, []byte("seq_const_bad"), batching, false)
	require.NoError(t, err)

	err = seq.Append([]byte("short"))
	require.Error(t, err)
}

func TestSequenceVariableLength(t *testing.T) {
	env := newTestEnvironment(t)

	batching := storeopts.BatchingConfig{On: true, BatchSize: 2}
	seq, err := OpenSequence(env, []byte("seq_var"), batching, false)
	require.NoError(t, err)

	for _, v := range []string{"x", "yy", "zzz"} {
		require.NoError(t, seq.Append([]byte(v)))
	}
	require.NoError(t, seq.Flush(false))

	require.EqualValues(t, 3, seq.Length())

	v0, err := seq.Get(0)
	require.NoError(t, err)
	require.Equal(t, "x", string(v0))

	v1, err := seq.Get(1)
	require.NoError(t, err)
	require.Equal(t, "yy", string(v1))

	v2, err := seq.Get(2)
	require.NoError(t, err)
	require.Equal(t, "zzz", string(v2))
}

func TestSequenceVariableLengthOverwriteAfterFlush(t *testing.T) {
	env := newTestEnvironment(t)

	batching := storeopts.BatchingConfig{On: true, BatchSize: 2}
	seq, err := OpenSequence(env, []byte("seq_var_overwrite"), batching, false)
	require.NoError(t, err)

	for _, v := range []string{"x", "yy", "zzz"} {
		require.NoError(t, seq.Append([]byte(v)))
	}
	require.NoError(t, seq.Flush(false))

	// Index 1 sits in the first (full, 2-item) page; index 2 sits alone in
	// the tail page, exercising applyOverwritesVariable's offset rewrite in
	// both a shrinking and a growing direction.
	require.NoError(t, seq.Set(1, []byte("Y")))
	require.NoError(t, seq.Set(2, []byte("ZZZZZZ")))
	require.NoError(t, seq.Flush(false))

	got0, err := seq.Get(0)
	require.NoError(t, err)
	require.Equal(t, "x", string(got0))

	got1, err := seq.Get(1)
	require.NoError(t, err)
	require.Equal(t, "Y", string(got1))

	got2, err := seq.Get(2)
	require.NoError(t, err)
	require.Equal(t, "ZZZZZZ", string(got2))
}

func TestSequenceReopenStability(t *testing.T) {
	env := newTestEnvironment(t)

	seq, err := OpenSequence(env, []byte("seq_reopen"), storeopts.DefaultBatchingConfig, false)
	require.NoError(t, err)

	for _, v := range []string{"p", "q", "r"} {
		require.NoError(t, seq.Append([]byte(v)))
	}
	require.NoError(t, seq.Flush(false))

	reopened, err := OpenSequence(env, []byte("seq_reopen"), storeopts.DefaultBatchingConfig, false)
	require.NoError(t, err)

	require.Equal(t, seq.Length(), reopened.Length())
	for i := int64(0); i < seq.Length(); i++ {
		a, err := seq.Get(i)
		require.NoError(t, err)
		b, err := reopened.Get(i)
		require.NoError(t, err)
		require.Equal(t, a, b)
	}
}

func TestSequenceOutOfRange(t *testing.T) {
	env := newTestEnvironment(t)

	seq, err := OpenSequence(env, []byte("seq_range"), storeopts.DefaultBatchingConfig, false)
	require.NoError(t, err)
	require.NoError(t, seq.Append([]byte("only")))

	_, err = seq.Get(5)
	require.Error(t, err)
}

func TestSequenceIterate(t *testing.T) {
	env := newTestEnvironment(t)

	batching := storeopts.BatchingConfig{On: true, BatchSize: 2}
	seq, err := OpenSequence(env, []byte("seq_iter"), batching, false)
	require.NoError(t, err)

	values := []string{"one", "two", "three", "four", "five"}
	for _, v := range values {
		require.NoError(t, seq.Append([]byte(v)))
	}
	require.NoError(t, seq.Flush(false))
	require.NoError(t, seq.Append([]byte("six")))

	var got []string
	require.NoError(t, seq.Iterate(func(_ int64, value []byte) error {
		got = append(got, string(value))
		return nil
	}))

	require.Equal(t, append(append([]string{}, values...), "six"), got)
}
