package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirgallo/nyada/storeerr"
	"github.com/sirgallo/nyada/storeopts"
)

//============================================= KeyValueMap


// KeyValueMap is a finite partial function from byte-string keys to
// byte-string values (spec §3.5/§4.5). Bucketing (batching.On) packs many
// logical keys per physical page at the cost of rewriting the whole bucket
// on any touched flush; unbucketed mode stores one page per key.
type KeyValueMap struct {
	*containerBase

	mu sync.Mutex

	puts    map[string][]byte
	deletes map[string]bool

	bucketPuts    map[int]map[string][]byte
	bucketDeletes map[int]map[string]bool

	cache    map[string][]byte
	negCache map[string]bool
}

// OpenKeyValueMap opens or creates a KeyValueMap named name (spec §3.3/§3.7).
func OpenKeyValueMap(env *Environment, name []byte, batching storeopts.BatchingConfig, cacheOnSet bool) (*KeyValueMap, error) {
	if err := batching.Validate(); err != nil {
		return nil, err
	}
	batching = batching.Normalize()

	cb := newContainerBase(env, name, cacheOnSet, batching)

	defaults := map[string][]byte{
		statType:      {kindMap},
		statBatchOn:   flagBytes(batching.On),
		statBatchSize: intBytes(batching.BatchSize),
	}
	fields, err := cb.ensureStatFields(defaults)
	if err != nil {
		return nil, err
	}

	persistedBatching := storeopts.BatchingConfig{
		On:        asciiFlag(fields[statBatchOn]),
		BatchSize: asciiInt(fields[statBatchSize]),
	}.Normalize()
	cb.batching = persistedBatching

	m := &KeyValueMap{
		containerBase: cb,
		puts:          make(map[string][]byte),
		deletes:       make(map[string]bool),
		bucketPuts:    make(map[int]map[string][]byte),
		bucketDeletes: make(map[int]map[string]bool),
		cache:         make(map[string][]byte),
		negCache:      make(map[string]bool),
	}

	env.registry.Register(m)
	return m, nil
}

func (m *KeyValueMap) bucketed() bool { return m.batching.On }

//============================================= Public operations


// Set records key -> value for the next flush, clearing any pending delete
// intent for key and updating the read cache if cache_on_set is enabled
// (spec §4.5).
func (m *KeyValueMap) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := string(key)
	v := append([]byte{}, value...)

	if m.bucketed() {
		b := Bucket(key, m.batching.BatchSize)
		if m.bucketPuts[b] == nil {
			m.bucketPuts[b] = make(map[string][]byte)
		}
		m.bucketPuts[b][k] = v
		if m.bucketDeletes[b] != nil {
			delete(m.bucketDeletes[b], k)
		}
	} else {
		m.puts[k] = v
		delete(m.deletes, k)
	}

	delete(m.negCache, k)
	if m.cacheOnSet {
		m.cache[k] = v
	}
	return nil
}

// Delete records a delete intent for key, symmetric with Set: clears any
// pending put and the read cache (spec §4.5).
func (m *KeyValueMap) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := string(key)

	if m.bucketed() {
		b := Bucket(key, m.batching.BatchSize)
		if m.bucketDeletes[b] == nil {
			m.bucketDeletes[b] = make(map[string]bool)
		}
		m.bucketDeletes[b][k] = true
		if m.bucketPuts[b] != nil {
			delete(m.bucketPuts[b], k)
		}
	} else {
		m.deletes[k] = true
		delete(m.puts, k)
	}

	delete(m.cache, k)
	return nil
}

// Get resolves key by priority: read cache, pending put, pending delete
// (NotFound), engine. An engine hit populates the cache; a miss populates
// the negative cache (spec §4.5).
func (m *KeyValueMap) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

func (m *KeyValueMap) getLocked(key []byte) ([]byte, error) {
	k := string(key)

	if v, ok := m.cache[k]; ok {
		return v, nil
	}

	if m.bucketed() {
		b := Bucket(key, m.batching.BatchSize)
		if ov, ok := m.bucketPuts[b]; ok {
			if v, ok := ov[k]; ok {
				return v, nil
			}
		}
		if dv, ok := m.bucketDeletes[b]; ok && dv[k] {
			return nil, storeerr.NotFoundf("get: key %q", key)
		}
	} else {
		if v, ok := m.puts[k]; ok {
			return v, nil
		}
		if m.deletes[k] {
			return nil, storeerr.NotFoundf("get: key %q", key)
		}
	}

	if m.negCache[k] {
		return nil, storeerr.NotFoundf("get: key %q", key)
	}

	v, ok, err := m.readEngine(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.negCache[k] = true
		return nil, storeerr.NotFoundf("get: key %q", key)
	}

	m.cache[k] = v
	return v, nil
}

// Contains is the boolean form of Get: never raises, never reports an
// absent key as present (spec §4.5, Testable Property 6).
func (m *KeyValueMap) Contains(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.getLocked(key)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// SetDefault returns the current value for key, setting it to value first
// if absent.
func (m *KeyValueMap) SetDefault(key, value []byte) ([]byte, error) {
	m.mu.Lock()
	v, err := m.getLocked(key)
	m.mu.Unlock()
	if err == nil {
		return v, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	if err := m.Set(key, value); err != nil {
		return nil, err
	}
	return value, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storeerr.ErrNotFound)
}

func (m *KeyValueMap) readEngine(key []byte) ([]byte, bool, error) {
	tx, err := m.env.BeginRead()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	// A map that has never been flushed has no sub-database yet; every key
	// is simply absent.
	if tx.btx.Bucket(m.name) == nil {
		return nil, false, nil
	}

	if m.bucketed() {
		b := Bucket(key, m.batching.BatchSize)
		cur, err := tx.Cursor(m.name)
		if err != nil {
			return nil, false, err
		}
		raw, ok, err := cur.Get(bucketKey(b))
		if err != nil || !ok {
			return nil, false, err
		}
		sub, err := DeserializeSubmap(raw)
		if err != nil {
			return nil, false, err
		}
		v, ok := sub[string(key)]
		return v, ok, nil
	}

	cur, err := tx.Cursor(m.name)
	if err != nil {
		return nil, false, err
	}
	return cur.Get(key)
}

// Iterate enumerates every visible (key, value) pair. Bucketed mode
// requires a prior flush, per the spec's documented precondition (Design
// Notes, "bucket iteration pre-flush"): iterating with pending buffers is
// refused rather than silently serving a partial view.
func (m *KeyValueMap) Iterate(fn func(key, value []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bucketed() {
		if len(m.bucketPuts) > 0 || len(m.bucketDeletes) > 0 {
			return fmt.Errorf("store: iterate: bucketed map %s has unflushed buffers; call Flush first", m.name)
		}
		return m.iterateBucketed(fn)
	}
	return m.iterateUnbucketed(fn)
}

func (m *KeyValueMap) iterateBucketed(fn func(key, value []byte) error) error {
	tx, err := m.env.BeginRead()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := tx.Cursor(m.name)
	if err != nil {
		return err
	}

	return cur.Iterate(func(_ []byte, value []byte) error {
		sub, err := DeserializeSubmap(value)
		if err != nil {
			return err
		}
		for k, v := range sub {
			if err := fn([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *KeyValueMap) iterateUnbucketed(fn func(key, value []byte) error) error {
	tx, err := m.env.BeginRead()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := tx.Cursor(m.name)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)

	for k, v := range m.puts {
		if err := fn([]byte(k), v); err != nil {
			return err
		}
		seen[k] = true
	}

	err = cur.Iterate(func(key, value []byte) error {
		k := string(key)
		if seen[k] || m.deletes[k] {
			return nil
		}
		return fn(key, value)
	})
	return err
}

//============================================= Flush


// Flush runs the layout-appropriate flush algorithm (spec §4.5).
func (m *KeyValueMap) Flush(threaded bool) error {
	return m.containerBase.flush(threaded, m.doFlush)
}

func (m *KeyValueMap) WaitForFlush() error { return m.containerBase.waitForFlush() }

func (m *KeyValueMap) doFlush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bucketed() {
		return m.flushBucketed()
	}
	return m.flushUnbucketed()
}

func (m *KeyValueMap) flushBucketed() error {
	touched := make(map[int]bool, len(m.bucketPuts)+len(m.bucketDeletes))
	for b := range m.bucketPuts {
		touched[b] = true
	}
	for b := range m.bucketDeletes {
		touched[b] = true
	}
	if len(touched) == 0 {
		return nil
	}

	tx, err := m.env.BeginWrite()
	if err != nil {
		return err
	}

	cur, err := tx.Cursor(m.name)
	if err != nil {
		tx.Rollback()
		return err
	}

	for b := range touched {
		raw, ok, err := cur.Get(bucketKey(b))
		if err != nil {
			tx.Rollback()
			return err
		}
		var sub map[string][]byte
		if ok {
			sub, err = DeserializeSubmap(raw)
			if err != nil {
				tx.Rollback()
				return err
			}
		} else {
			sub = make(map[string][]byte)
		}

		for k := range m.bucketDeletes[b] {
			delete(sub, k)
		}
		for k, v := range m.bucketPuts[b] {
			sub[k] = v
		}

		if err := cur.Put(bucketKey(b), SerializeSubmap(sub), false); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	m.bucketPuts = make(map[int]map[string][]byte)
	m.bucketDeletes = make(map[int]map[string]bool)
	return nil
}

func (m *KeyValueMap) flushUnbucketed() error {
	if len(m.puts) == 0 && len(m.deletes) == 0 {
		return nil
	}

	tx, err := m.env.BeginWrite()
	if err != nil {
		return err
	}

	cur, err := tx.Cursor(m.name)
	if err != nil {
		tx.Rollback()
		return err
	}

	items := make([]KV, 0, len(m.puts))
	for k, v := range m.puts {
		items = append(items, KV{Key: []byte(k), Value: v})
	}
	if len(items) > 0 {
		if err := cur.PutMulti(items, false); err != nil {
			tx.Rollback()
			return err
		}
	}

	for k := range m.deletes {
		if err := cur.Delete([]byte(k)); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for k := range m.deletes {
		m.negCache[k] = true
	}

	m.puts = make(map[string][]byte)
	m.deletes = make(map[string]bool)
	return nil
}

func bucketKey(b int) []byte {
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, uint64(b))
	return key
}
