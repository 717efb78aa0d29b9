package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		VNull(),
		VInt(0),
		VInt(-1),
		VInt(1<<40 + 7),
		VString(""),
		VString("hello"),
		VBytes([]byte{0x00, 0xff, 0x10}),
	}

	for _, v := range cases {
		encoded, err := Encode(v)
		require.NoError(t, err)

		decoded, err := Decode(encoded, nil)
		require.NoError(t, err)
		require.Equal(t, v, decoded)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte("x"), nil)
	require.Error(t, err)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{byte(TagInt), 0x01, 0x02}, nil)
	require.Error(t, err)
}

func TestBucketDeterministic(t *testing.T) {
	b1 := Bucket([]byte("some-key"), 16)
	b2 := Bucket([]byte("some-key"), 16)
	require.Equal(t, b1, b2)
	require.GreaterOrEqual(t, b1, 0)
	require.Less(t, b1, 16)
}

func TestSubmapRoundTrip(t *testing.T) {
	entries := map[string][]byte{
		"k1": []byte("v1"),
		"k2": []byte(""),
		"":   []byte("empty-key"),
	}

	raw := SerializeSubmap(entries)
	decoded, err := DeserializeSubmap(raw)
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}

func TestSubmapEmpty(t *testing.T) {
	raw := SerializeSubmap(map[string][]byte{})
	decoded, err := DeserializeSubmap(raw)
	require.NoError(t, err)
	require.Empty(t, decoded)
}
