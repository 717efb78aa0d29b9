package mmr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyRejectsStatusZero(t *testing.T) {
	require.False(t, Verify(Bundle{Status: 0}))
}

func TestVerifyRejectsBadHex(t *testing.T) {
	require.False(t, Verify(Bundle{Status: 1, Leaf: "not-hex", GlobalRoot: hexEncode(H([]byte("x")))}))
}

func TestVerifySimpleTwoLeafTree(t *testing.T) {
	l0 := H([]byte("0"))
	l1 := H([]byte("1"))
	root := H(l0[:], l1[:])

	bundle := Bundle{
		Status:     1,
		Leaf:       hexEncode(l1),
		Proof:      []ProofStep{{Sibling: hexEncode(l0), WasLeft: true}},
		GlobalRoot: hexEncode(root),
	}

	require.True(t, Verify(bundle))
}

func TestVerifyTamperedSiblingFails(t *testing.T) {
	l0 := H([]byte("0"))
	l1 := H([]byte("1"))
	other := H([]byte("tampered"))
	root := H(l0[:], l1[:])

	bundle := Bundle{
		Status:     1,
		Leaf:       hexEncode(l1),
		Proof:      []ProofStep{{Sibling: hexEncode(other), WasLeft: true}},
		GlobalRoot: hexEncode(root),
	}

	require.False(t, Verify(bundle))
}
