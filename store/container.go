package store

import (
	"bytes"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/sirgallo/nyada/storeerr"
	"github.com/sirgallo/nyada/storeopts"
)

//============================================= Container Base


// kind tags persisted in a container's sidecar, spec §3.3.
const (
	kindSequence = byte('1')
	kindMap      = byte('2')
)

// stat field names, ASCII keys in the "<name>__stat" sub-database.
const (
	statLength    = "length"
	statType      = "type"
	statBatchOn   = "batch_writes"
	statBatchSize = "bs"
	statMaxLen    = "ml"
	statConstLen  = "cl"
)

// containerBase is the shared lifecycle every container embeds: the
// environment handle, canonical name, sidecar accessors with an in-memory
// cache, and cooperative flush orchestration with at most one background
// worker in flight (spec §4.3, §5).
type containerBase struct {
	env  *Environment
	name []byte
	stat []byte // "<name>__stat" sub-database name

	cacheMu   sync.RWMutex
	statCache map[string][]byte

	cacheOnSet bool
	batching   storeopts.BatchingConfig

	log *zap.SugaredLogger

	flushMu sync.Mutex
	flushCh chan error
}

func newContainerBase(env *Environment, name []byte, cacheOnSet bool, batching storeopts.BatchingConfig) *containerBase {
	return &containerBase{
		env:        env,
		name:       name,
		stat:       append(append([]byte{}, name...), []byte("__stat")...),
		statCache:  make(map[string][]byte),
		cacheOnSet: cacheOnSet,
		batching:   batching.Normalize(),
		log:        env.log,
	}
}

// Name returns the container's canonical name.
func (cb *containerBase) Name() []byte { return cb.name }

// readStat returns a sidecar value, caching it on first read.
func (cb *containerBase) readStat(key string) ([]byte, bool, error) {
	cb.cacheMu.RLock()
	if v, ok := cb.statCache[key]; ok {
		cb.cacheMu.RUnlock()
		return v, v != nil, nil
	}
	cb.cacheMu.RUnlock()

	tx, err := cb.env.BeginRead()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	cur, err := tx.Cursor(cb.stat)
	if err != nil {
		return nil, false, err
	}

	v, ok, err := cur.Get([]byte(key))
	if err != nil {
		return nil, false, err
	}

	cb.cacheMu.Lock()
	cb.statCache[key] = v
	cb.cacheMu.Unlock()

	return v, ok, nil
}

// writeStat writes a sidecar value; a write that does not change the cached
// value is a no-op (spec §4.3).
func (cb *containerBase) writeStat(key string, value []byte) error {
	cb.cacheMu.RLock()
	cur, cached := cb.statCache[key]
	cb.cacheMu.RUnlock()
	if cached && bytes.Equal(cur, value) {
		return nil
	}

	tx, err := cb.env.BeginWrite()
	if err != nil {
		return err
	}

	cur2, err := tx.Cursor(cb.stat)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := cur2.Put([]byte(key), value, false); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	cb.cacheMu.Lock()
	cb.statCache[key] = value
	cb.cacheMu.Unlock()

	return nil
}

// ensureStatFields creates the sidecar sub-database if absent and seeds any
// field in defaults that is not yet present, mirroring the source's
// map_stat: bulk-read the fields, bulk-write whichever are missing, cache
// the union.
func (cb *containerBase) ensureStatFields(defaults map[string][]byte) (map[string][]byte, error) {
	tx, err := cb.env.BeginWrite()
	if err != nil {
		return nil, err
	}

	cur, err := tx.Cursor(cb.stat)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	result := make(map[string][]byte, len(defaults))
	var missing []KV
	for k, v := range defaults {
		val, ok, err := cur.Get([]byte(k))
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if ok {
			result[k] = val
		} else {
			missing = append(missing, KV{Key: []byte(k), Value: v})
		}
	}

	if len(missing) > 0 {
		if err := cur.PutMulti(missing, false); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if len(missing) > 0 {
		cb.log.Infow("seeded new container sidecar", "container", string(cb.name), "fields", len(missing))
	}

	for _, kv := range missing {
		result[string(kv.Key)] = kv.Value
	}

	cb.cacheMu.Lock()
	for k, v := range result {
		cb.statCache[k] = v
	}
	cb.cacheMu.Unlock()

	return result, nil
}

//============================================= Flush orchestration


// flush runs doFlush either inline or on exactly one background worker,
// first joining any flush already in progress (spec §4.3, §5). The
// single-slot channel replaces the source's fire-and-join thread handle per
// Design Notes.
func (cb *containerBase) flush(threaded bool, doFlush func() error) error {
	cb.flushMu.Lock()
	ch := cb.flushCh
	cb.flushMu.Unlock()
	if ch != nil {
		<-ch
		cb.flushMu.Lock()
		if cb.flushCh == ch {
			cb.flushCh = nil
		}
		cb.flushMu.Unlock()
	}

	if !threaded {
		return doFlush()
	}

	done := make(chan error, 1)
	cb.flushMu.Lock()
	cb.flushCh = done
	cb.flushMu.Unlock()

	go func() {
		err := doFlush()
		if err != nil {
			cb.log.Errorw("background flush failed", "container", string(cb.name), "error", err)
		}
		done <- err
	}()

	return nil
}

// waitForFlush blocks until any in-flight background flush completes,
// returning its error if it failed.
func (cb *containerBase) waitForFlush() error {
	cb.flushMu.Lock()
	ch := cb.flushCh
	cb.flushMu.Unlock()
	if ch == nil {
		return nil
	}

	err := <-ch
	cb.flushMu.Lock()
	if cb.flushCh == ch {
		cb.flushCh = nil
	}
	cb.flushMu.Unlock()
	if err != nil {
		cb.log.Errorw("flush failed", "container", string(cb.name), "error", err)
	}
	return err
}

//============================================= Reconstruction from sidecar


// openFromSidecar reconstructs a container handle purely from its persisted
// sidecar, used by Registry.Resolve when a referenced container is not
// already open (spec §3.3, §3.7).
func (e *Environment) openFromSidecar(name []byte) (Container, error) {
	statName := append(append([]byte{}, name...), []byte("__stat")...)

	tx, err := e.BeginRead()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := tx.Cursor(statName)
	if err != nil {
		return nil, storeerr.UnknownNamef("openFromSidecar: %s has no sidecar", name)
	}

	typeVal, ok, err := cur.Get([]byte(statType))
	if err != nil {
		return nil, err
	}
	if !ok || len(typeVal) == 0 {
		e.log.Errorw("sidecar missing type field", "container", string(name), "field", statType)
		return nil, storeerr.StoreCorruptf("openFromSidecar: %s sidecar missing %q", name, statType)
	}

	batching, err := readBatchingConfig(cur)
	if err != nil {
		return nil, err
	}

	switch typeVal[0] {
	case kindSequence:
		return OpenSequence(e, name, batching, false)
	case kindMap:
		return OpenKeyValueMap(e, name, batching, false)
	default:
		e.log.Errorw("sidecar has unknown type tag", "container", string(name), "tag", typeVal)
		return nil, storeerr.StoreCorruptf("openFromSidecar: %s unknown type tag %q", name, typeVal)
	}
}

func readBatchingConfig(cur *Cursor) (storeopts.BatchingConfig, error) {
	on, _, err := cur.Get([]byte(statBatchOn))
	if err != nil {
		return storeopts.BatchingConfig{}, err
	}
	bs, _, err := cur.Get([]byte(statBatchSize))
	if err != nil {
		return storeopts.BatchingConfig{}, err
	}
	ml, _, err := cur.Get([]byte(statMaxLen))
	if err != nil {
		return storeopts.BatchingConfig{}, err
	}
	cl, _, err := cur.Get([]byte(statConstLen))
	if err != nil {
		return storeopts.BatchingConfig{}, err
	}

	return storeopts.BatchingConfig{
		On:             asciiFlag(on),
		BatchSize:      asciiInt(bs),
		MaxItemLength:  asciiInt(ml),
		ConstantLength: asciiFlag(cl),
	}.Normalize(), nil
}

func asciiFlag(b []byte) bool { return len(b) == 1 && b[0] == '1' }

func asciiInt(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0
	}
	return n
}
