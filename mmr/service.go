package mmr

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/sirgallo/nyada/store"
	"github.com/sirgallo/nyada/storeerr"
	"github.com/sirgallo/nyada/storeopts"
)

//============================================= MMR Service


// nodeHashesBatchSize and hashIndexBuckets are unspecified by the
// language-neutral contract (spec §3.6 fixes only node_hashes' item length,
// L=16); batching the leaf log and bucketing the digest index are free
// performance choices within that contract.
const (
	nodeHashesBatchSize = 256
	hashIndexBuckets    = 256
)

// MMR is a single service's Merkle Mountain Range: one constant-length
// OrderedSequence of leaf digests, a digest->index map, a lazily-created
// KeyValueMap per internal-node level, and the peak/peak-start sequences
// that together let append and server_inclusion run in O(log n) container
// touches (spec §3.6).
type MMR struct {
	env  *store.Environment
	name string

	nodeHashes  *store.OrderedSequence
	hashToIndex *store.KeyValueMap
	levelsIndex *store.KeyValueMap
	peaks       *store.OrderedSequence
	peaksStart  *store.OrderedSequence

	mu        sync.Mutex
	levelMaps map[int]*store.KeyValueMap
	dirty     map[int]bool
}

// Open constructs (or reattaches to) the five containers backing service
// name within env, which per spec §5 is that service's own sub-environment.
func Open(env *store.Environment, name string) (*MMR, error) {
	nodeHashes, err := store.OpenSequence(env, []byte(name+"__nodes"), storeopts.BatchingConfig{
		On: true, BatchSize: nodeHashesBatchSize, ConstantLength: true, MaxItemLength: DigestSize,
	}, false)
	if err != nil {
		return nil, err
	}

	hashToIndex, err := store.OpenKeyValueMap(env, []byte(name+"__h2i"), storeopts.BatchingConfig{
		On: true, BatchSize: hashIndexBuckets,
	}, false)
	if err != nil {
		return nil, err
	}

	levelsIndex, err := store.OpenKeyValueMap(env, []byte(name+"__levels"), storeopts.DefaultBatchingConfig, false)
	if err != nil {
		return nil, err
	}

	peaks, err := store.OpenSequence(env, []byte(name+"__peaks"), storeopts.DefaultBatchingConfig, false)
	if err != nil {
		return nil, err
	}

	peaksStart, err := store.OpenSequence(env, []byte(name+"__peaksstart"), storeopts.DefaultBatchingConfig, false)
	if err != nil {
		return nil, err
	}

	return &MMR{
		env:         env,
		name:        name,
		nodeHashes:  nodeHashes,
		hashToIndex: hashToIndex,
		levelsIndex: levelsIndex,
		peaks:       peaks,
		peaksStart:  peaksStart,
		levelMaps:   make(map[int]*store.KeyValueMap),
		dirty:       make(map[int]bool),
	}, nil
}

//============================================= Append


// Append adds a leaf digest, folding the peak chain exactly as §4.6.1
// describes: the leaf is appended to node_hashes unconditionally, then
// checked against hash_to_index; a duplicate short-circuits without
// touching peaks, reproducing the source's dedup-timing behavior rather
// than correcting it (see the package's design notes).
func (m *MMR) Append(leaf [DigestSize]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.nodeHashes.Length()
	if err := m.nodeHashes.Append(leaf[:]); err != nil {
		return err
	}

	if _, err := m.hashToIndex.Get(leaf[:]); err == nil {
		return nil
	} else if !errors.Is(err, storeerr.ErrNotFound) {
		return err
	}

	idxVal, err := store.Encode(store.VInt(idx))
	if err != nil {
		return err
	}
	if err := m.hashToIndex.Set(leaf[:], idxVal); err != nil {
		return err
	}

	level := 0
	root := leaf
	start := idx
	if err := m.ensureSlot(level); err != nil {
		return err
	}

	for {
		peakRoot, peakStart, ok, err := m.readPeak(level)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := m.clearPeak(level); err != nil {
			return err
		}

		var left, right [DigestSize]byte
		var mergedStart int64
		if peakStart < start {
			left, right, mergedStart = peakRoot, root, peakStart
		} else {
			left, right, mergedStart = root, peakRoot, start
		}

		parent := H(left[:], right[:])

		childMap, err := m.childMap(level + 1)
		if err != nil {
			return err
		}
		if err := childMap.Set(asciiInt64(mergedStart), parent[:]); err != nil {
			return err
		}
		m.dirty[level+1] = true

		root, start, level = parent, mergedStart, level+1
		if err := m.ensureSlot(level); err != nil {
			return err
		}
	}

	return m.setPeak(level, root, start)
}

//============================================= Peak slots


func (m *MMR) ensureSlot(level int) error {
	for m.peaks.Length() <= int64(level) {
		nullVal, err := store.Encode(store.VNull())
		if err != nil {
			return err
		}
		if err := m.peaks.Append(nullVal); err != nil {
			return err
		}
		if err := m.peaksStart.Append(nullVal); err != nil {
			return err
		}
	}
	return nil
}

func (m *MMR) readPeak(level int) (root [DigestSize]byte, start int64, ok bool, err error) {
	if int64(level) >= m.peaks.Length() {
		return root, 0, false, nil
	}

	rawRoot, err := m.peaks.Get(int64(level))
	if err != nil {
		return root, 0, false, err
	}
	rootVal, err := store.Decode(rawRoot, nil)
	if err != nil {
		return root, 0, false, err
	}
	if rootVal.Tag == store.TagNull {
		return root, 0, false, nil
	}

	rawStart, err := m.peaksStart.Get(int64(level))
	if err != nil {
		return root, 0, false, err
	}
	startVal, err := store.Decode(rawStart, nil)
	if err != nil {
		return root, 0, false, err
	}

	copy(root[:], rootVal.Bytes)
	return root, startVal.Int, true, nil
}

func (m *MMR) clearPeak(level int) error {
	nullVal, err := store.Encode(store.VNull())
	if err != nil {
		return err
	}
	if err := m.peaks.Set(int64(level), nullVal); err != nil {
		return err
	}
	return m.peaksStart.Set(int64(level), nullVal)
}

func (m *MMR) setPeak(level int, root [DigestSize]byte, start int64) error {
	rootVal, err := store.Encode(store.VBytes(root[:]))
	if err != nil {
		return err
	}
	startVal, err := store.Encode(store.VInt(start))
	if err != nil {
		return err
	}
	if err := m.peaks.Set(int64(level), rootVal); err != nil {
		return err
	}
	return m.peaksStart.Set(int64(level), startVal)
}

//============================================= Level child maps


func (m *MMR) childMap(level int) (*store.KeyValueMap, error) {
	if cm, ok := m.levelMaps[level]; ok {
		return cm, nil
	}

	key := asciiInt(level)
	raw, err := m.levelsIndex.Get(key)
	if err == nil {
		v, err := store.Decode(raw, m.env.Registry())
		if err != nil {
			return nil, err
		}
		cm, err := store.ResolveRef(v, m.env.Registry())
		if err != nil {
			return nil, err
		}
		km := cm.(*store.KeyValueMap)
		m.levelMaps[level] = km
		return km, nil
	}
	if !errors.Is(err, storeerr.ErrNotFound) {
		return nil, err
	}

	name := []byte(fmt.Sprintf("%s__level%d", m.name, level))
	cm, err := store.OpenKeyValueMap(m.env, name, storeopts.DefaultBatchingConfig, false)
	if err != nil {
		return nil, err
	}

	refVal, err := store.Encode(store.VRef(name))
	if err != nil {
		return nil, err
	}
	if err := m.levelsIndex.Set(key, refVal); err != nil {
		return nil, err
	}

	m.levelMaps[level] = cm
	return cm, nil
}

//============================================= Global root


// GlobalRoot folds every populated peak, ascending by start, per §4.6.2.
func (m *MMR) GlobalRoot() ([DigestSize]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalRootLocked()
}

func (m *MMR) globalRootLocked() ([DigestSize]byte, error) {
	type peak struct {
		root  [DigestSize]byte
		start int64
	}

	var live []peak
	for l := 0; int64(l) < m.peaks.Length(); l++ {
		root, start, ok, err := m.readPeak(l)
		if err != nil {
			return [DigestSize]byte{}, err
		}
		if ok {
			live = append(live, peak{root, start})
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].start < live[j].start })

	if len(live) == 0 {
		return [DigestSize]byte{}, nil
	}

	acc := live[0].root
	for _, p := range live[1:] {
		acc = H(acc[:], p.root[:])
	}
	return acc, nil
}

//============================================= Server inclusion


// ServerInclusion builds the inclusion bundle for leaf, per §4.6.3. A
// digest never appended (or only present via a de-duplicated append)
// yields status 0, never an error.
func (m *MMR) ServerInclusion(leaf [DigestSize]byte) (Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := m.hashToIndex.Get(leaf[:])
	if err != nil {
		if errors.Is(err, storeerr.ErrNotFound) {
			return Bundle{Status: 0}, nil
		}
		return Bundle{}, err
	}
	idxVal, err := store.Decode(raw, nil)
	if err != nil {
		return Bundle{}, err
	}
	idx := idxVal.Int

	var (
		peakStart int64
		level     int
		found     bool
	)
	for l := 0; int64(l) < m.peaks.Length(); l++ {
		_, start, ok, err := m.readPeak(l)
		if err != nil {
			return Bundle{}, err
		}
		if !ok {
			continue
		}
		span := int64(1) << uint(l)
		if start <= idx && idx < start+span {
			peakStart, level, found = start, l, true
			break
		}
	}
	if !found {
		return Bundle{Status: 0}, nil
	}

	local := idx - peakStart
	var proof []ProofStep
	for l := 0; l < level; l++ {
		block := int64(1) << uint(l)
		group := local >> uint(l)
		sibGroup := group ^ 1
		sibStart := peakStart + sibGroup*block

		var sib []byte
		if l == 0 {
			sib, err = m.nodeHashes.Get(sibStart)
		} else {
			cm, cerr := m.childMap(l)
			if cerr != nil {
				return Bundle{}, cerr
			}
			sib, err = cm.Get(asciiInt64(sibStart))
		}
		if err != nil {
			return Bundle{}, err
		}

		var sibDigest [DigestSize]byte
		copy(sibDigest[:], sib)
		proof = append(proof, ProofStep{Sibling: hexEncode(sibDigest), WasLeft: sibGroup < group})
	}

	var leftRoots, rightRoots []string
	for l := 0; int64(l) < m.peaks.Length(); l++ {
		if l == level {
			continue
		}
		root, start, ok, err := m.readPeak(l)
		if err != nil {
			return Bundle{}, err
		}
		if !ok {
			continue
		}
		if start < peakStart {
			leftRoots = append(leftRoots, hexEncode(root))
		} else if start > peakStart {
			rightRoots = append(rightRoots, hexEncode(root))
		}
	}

	global, err := m.globalRootLocked()
	if err != nil {
		return Bundle{}, err
	}

	return Bundle{
		Status:     1,
		Leaf:       hexEncode(leaf),
		Proof:      proof,
		LeftRoots:  leftRoots,
		RightRoots: rightRoots,
		GlobalRoot: hexEncode(global),
	}, nil
}

//============================================= Flush


// Flush writes out, in order, every dirty level child map, then
// node_hashes, hash_to_index, levels_index, peaks, peaks_start — children
// before parents, each its own write transaction, per §4.6.5.
func (m *MMR) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	levels := make([]int, 0, len(m.dirty))
	for l := range m.dirty {
		if l >= 0 {
			levels = append(levels, l)
		}
	}
	sort.Ints(levels)

	for _, l := range levels {
		cm, ok := m.levelMaps[l]
		if !ok {
			continue
		}
		if err := cm.Flush(false); err != nil {
			return err
		}
	}
	m.dirty = make(map[int]bool)

	if err := m.nodeHashes.Flush(false); err != nil {
		return err
	}
	if err := m.hashToIndex.Flush(false); err != nil {
		return err
	}
	if err := m.levelsIndex.Flush(false); err != nil {
		return err
	}
	if err := m.peaks.Flush(false); err != nil {
		return err
	}
	return m.peaksStart.Flush(false)
}

//============================================= ASCII keys


func asciiInt(n int) []byte    { return []byte(strconv.Itoa(n)) }
func asciiInt64(n int64) []byte { return []byte(strconv.FormatInt(n, 10)) }
