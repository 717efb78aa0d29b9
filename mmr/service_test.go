package mmr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sirgallo/nyada/store"
	"github.com/sirgallo/nyada/storeopts"
)

func newTestService(t *testing.T, name string) *MMR {
	t.Helper()

	dir := t.TempDir()
	env, err := store.OpenEnvironment(storeopts.DefaultEnvironmentOptions(filepath.Join(dir, name+".db")), nil)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })

	svc, err := Open(env, name)
	require.NoError(t, err)
	return svc
}

// TestDemoServiceScenario reproduces scenario S1/S2/S3: three leaves
// H("0"), H("1"), H("2") appended to a fresh service.
func TestDemoServiceScenario(t *testing.T) {
	svc := newTestService(t, "demo")

	l0, l1, l2 := H([]byte("0")), H([]byte("1")), H([]byte("2"))

	require.NoError(t, svc.Append(l0))
	require.NoError(t, svc.Append(l1))
	require.NoError(t, svc.Append(l2))
	require.NoError(t, svc.Flush())

	require.EqualValues(t, 3, svc.nodeHashes.Length())

	peak1 := H(l0[:], l1[:])
	peak0 := l2
	wantRoot := H(peak1[:], peak0[:])

	gotRoot, err := svc.GlobalRoot()
	require.NoError(t, err)
	require.Equal(t, wantRoot, gotRoot)

	// S2: inclusion for H("1")
	bundle, err := svc.ServerInclusion(l1)
	require.NoError(t, err)
	require.Equal(t, 1, bundle.Status)
	require.Len(t, bundle.Proof, 1)
	require.Equal(t, hexEncode(l0), bundle.Proof[0].Sibling)
	require.True(t, bundle.Proof[0].WasLeft)
	require.Empty(t, bundle.LeftRoots)
	require.Equal(t, []string{hexEncode(l2)}, bundle.RightRoots)
	require.Equal(t, hexEncode(wantRoot), bundle.GlobalRoot)
	require.True(t, Verify(bundle))

	// S3: inclusion for a digest never appended
	missing, err := svc.ServerInclusion(H([]byte("nope")))
	require.NoError(t, err)
	require.Equal(t, 0, missing.Status)
}

func TestAppendDedupIsNoOpForRootAndProofs(t *testing.T) {
	svc := newTestService(t, "dedup")

	leaf := H([]byte("leaf"))
	require.NoError(t, svc.Append(leaf))
	require.NoError(t, svc.Flush())

	rootBefore, err := svc.GlobalRoot()
	require.NoError(t, err)

	require.NoError(t, svc.Append(leaf))
	require.NoError(t, svc.Flush())

	rootAfter, err := svc.GlobalRoot()
	require.NoError(t, err)
	require.Equal(t, rootBefore, rootAfter)

	// node_hashes absorbs the duplicate append even though peaks don't move,
	// reproducing the source's dedup-timing behavior exactly.
	require.EqualValues(t, 2, svc.nodeHashes.Length())
}

func TestPeaksMatchBinaryRepresentation(t *testing.T) {
	svc := newTestService(t, "peaks")

	for i := 0; i < 7; i++ {
		require.NoError(t, svc.Append(H([]byte{byte('a' + i)})))
	}
	require.NoError(t, svc.Flush())

	occupied := map[int]bool{}
	for l := 0; int64(l) < svc.peaks.Length(); l++ {
		_, _, ok, err := svc.readPeak(l)
		require.NoError(t, err)
		if ok {
			occupied[l] = true
		}
	}

	// 7 == 0b111: peaks at levels 0, 1, 2.
	require.Equal(t, map[int]bool{0: true, 1: true, 2: true}, occupied)
}

func TestServiceManagerLifecycle(t *testing.T) {
	dir := t.TempDir()
	mgr, err := OpenManager(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	exists, err := mgr.Exists("svc-a")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, mgr.SetMeta("svc-a", map[string][]byte{"owner": []byte("team-x")}))

	exists, err = mgr.Exists("svc-a")
	require.NoError(t, err)
	require.True(t, exists)

	meta, err := mgr.GetMeta("svc-a")
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"owner": []byte("team-x")}, meta)

	svc, err := mgr.Open("svc-a")
	require.NoError(t, err)
	require.NoError(t, svc.Append(H([]byte("x"))))
	require.NoError(t, svc.Flush())

	require.NoError(t, mgr.DeleteService("svc-a"))

	exists, err = mgr.Exists("svc-a")
	require.NoError(t, err)
	require.False(t, exists)
}
