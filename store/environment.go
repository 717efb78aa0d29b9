package store

import (
	"sync"

	"go.uber.org/zap"

	bolt "go.etcd.io/bbolt"

	"github.com/sirgallo/nyada/storeerr"
	"github.com/sirgallo/nyada/storeopts"
)

//============================================= Environment


// Environment is the thin, typed wrapper over the underlying transactional
// key/value engine (spec §4.2). One Environment corresponds to one service's
// sub-environment: a single bbolt file holding every named sub-database
// (bbolt bucket) that container lives in, plus the reference registry that
// resolves container-reference values decoded by the codec.
type Environment struct {
	db       *bolt.DB
	opts     storeopts.EnvironmentOptions
	registry *Registry
	log      *zap.SugaredLogger

	bucketMu    sync.Mutex
	bucketCount int
	subDBWarned bool
}

// OpenEnvironment opens (creating if absent) the bbolt file at opts.Path,
// per spec §6.1's open_environment. MaxSubDBs is an advisory sub-database
// count (see noteSubDBCreated); SizeBytes is not applied. Any
// EnvironmentOptionFunc is applied on top of opts, matching the functional
// options pattern used for per-call overrides elsewhere in this codebase.
func OpenEnvironment(opts storeopts.EnvironmentOptions, log *zap.SugaredLogger, fns ...storeopts.EnvironmentOptionFunc) (*Environment, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	for _, fn := range fns {
		fn(&opts)
	}

	log.Infow("opening environment", "path", opts.Path, "lockSafe", opts.LockSafe, "maxSubDBs", opts.MaxSubDBs)

	db, err := bolt.Open(opts.Path, 0600, &bolt.Options{
		Timeout: opts.OpenTimeout,
		NoSync:  !opts.LockSafe,
	})
	if err != nil {
		log.Errorw("failed to open environment", "path", opts.Path, "error", err)
		return nil, storeerr.WrapEngine("open_environment", err)
	}

	env := &Environment{
		db:       db,
		opts:     opts,
		registry: newRegistry(),
		log:      log,
	}
	env.registry.env = env

	log.Infow("environment opened", "path", opts.Path)
	return env, nil
}

// Close releases the underlying engine file.
func (e *Environment) Close() error {
	e.log.Infow("closing environment", "path", e.opts.Path)
	if err := e.db.Close(); err != nil {
		e.log.Errorw("failed to close environment", "path", e.opts.Path, "error", err)
		return storeerr.WrapEngine("close", err)
	}
	return nil
}

// noteSubDBCreated counts a newly created top-level bucket and logs once, the
// first time the count exceeds opts.MaxSubDBs — bbolt itself has no hard
// bucket ceiling, so MaxSubDBs is advisory (spec §4.2).
func (e *Environment) noteSubDBCreated() {
	e.bucketMu.Lock()
	e.bucketCount++
	count := e.bucketCount
	shouldWarn := count > e.opts.MaxSubDBs && !e.subDBWarned
	if shouldWarn {
		e.subDBWarned = true
	}
	e.bucketMu.Unlock()

	if shouldWarn {
		e.log.Warnw("sub-database count exceeds configured maximum",
			"count", count, "max", e.opts.MaxSubDBs, "path", e.opts.Path)
	}
}

// Registry returns the process-wide (per-Environment) reference registry
// used by the codec to resolve container-reference values on decode.
func (e *Environment) Registry() *Registry { return e.registry }

//============================================= Transactions


// Tx wraps a bbolt transaction, read or write, per spec's begin_read/begin_write.
type Tx struct {
	btx      *bolt.Tx
	writable bool
	env      *Environment
}

// BeginRead starts a snapshot-consistent read transaction. Any number of
// readers may run concurrently with the single writer (MVCC).
func (e *Environment) BeginRead() (*Tx, error) {
	btx, err := e.db.Begin(false)
	if err != nil {
		return nil, storeerr.WrapEngine("begin_read", err)
	}
	return &Tx{btx: btx, writable: false, env: e}, nil
}

// BeginWrite starts the environment's single, exclusive write transaction.
func (e *Environment) BeginWrite() (*Tx, error) {
	btx, err := e.db.Begin(true)
	if err != nil {
		return nil, storeerr.WrapEngine("begin_write", err)
	}
	return &Tx{btx: btx, writable: true, env: e}, nil
}

// Commit commits on successful scope exit.
func (tx *Tx) Commit() error { return storeerr.WrapEngine("commit", tx.btx.Commit()) }

// Rollback aborts the transaction on error.
func (tx *Tx) Rollback() error { return storeerr.WrapEngine("rollback", tx.btx.Rollback()) }

// OpenSubDB opens (creating if requested and absent) a named sub-database —
// a bbolt top-level bucket scoped to this transaction — per open_subdb.
func (tx *Tx) OpenSubDB(name []byte, create bool) (*bolt.Bucket, error) {
	if tx.writable && create {
		isNew := tx.btx.Bucket(name) == nil
		b, err := tx.btx.CreateBucketIfNotExists(name)
		if err != nil {
			return nil, storeerr.WrapEngine("open_subdb", err)
		}
		if isNew {
			tx.env.noteSubDBCreated()
		}
		return b, nil
	}

	b := tx.btx.Bucket(name)
	if b == nil {
		tx.env.log.Warnw("sub-database missing, store corrupt or never written", "name", string(name))
		return nil, storeerr.StoreCorruptf("sub-database %q does not exist", name)
	}
	return b, nil
}

//============================================= Cursor


// KV is a key/value pair as returned by bulk reads, in input or iteration order.
type KV struct {
	Key   []byte
	Value []byte
}

// Cursor exposes the bulk/ordered operations consumed by upper layers:
// multi-get preserving input order with misses omitted, multi-put with an
// append hint for monotonically increasing keys, single delete, and ordered
// iteration (spec §6.1).
type Cursor struct {
	bucket *bolt.Bucket
}

// Cursor returns a cursor scoped to the named sub-database within this
// transaction.
func (tx *Tx) Cursor(subdb []byte) (*Cursor, error) {
	create := tx.writable
	b, err := tx.OpenSubDB(subdb, create)
	if err != nil {
		return nil, err
	}
	return &Cursor{bucket: b}, nil
}

// Get fetches a single value, reporting absence rather than an error.
func (c *Cursor) Get(key []byte) ([]byte, bool, error) {
	v := c.bucket.Get(key)
	if v == nil {
		return nil, false, nil
	}
	// bbolt values are only valid for the lifetime of the transaction; copy
	// so callers may retain them past the cursor's scope (e.g. into a cache).
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// GetMulti returns (key, value) for every key present, omitting misses,
// preserving the input key order.
func (c *Cursor) GetMulti(keys [][]byte) ([]KV, error) {
	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		v, ok, err := c.Get(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, KV{Key: k, Value: v})
		}
	}
	return out, nil
}

// Put writes a single key/value pair. appendHint signals a monotonically
// increasing key so the underlying engine can skip its usual balanced-tree
// lookup; bbolt has no direct MDB_APPEND equivalent, so the hint is
// approximated by temporarily maximizing the bucket's fill percent, which
// minimizes page splits for sequential keys.
func (c *Cursor) Put(key, value []byte, appendHint bool) error {
	if appendHint {
		prev := c.bucket.FillPercent
		c.bucket.FillPercent = 1.0
		defer func() { c.bucket.FillPercent = prev }()
	}

	if err := c.bucket.Put(key, value); err != nil {
		return storeerr.WrapEngine("put", err)
	}
	return nil
}

// PutMulti writes every item in order within the same write transaction.
func (c *Cursor) PutMulti(items []KV, appendHint bool) error {
	if appendHint {
		prev := c.bucket.FillPercent
		c.bucket.FillPercent = 1.0
		defer func() { c.bucket.FillPercent = prev }()
	}

	for _, kv := range items {
		if err := c.bucket.Put(kv.Key, kv.Value); err != nil {
			return storeerr.WrapEngine("put_multi", err)
		}
	}
	return nil
}

// Delete removes a single key. Deleting an absent key is a no-op, matching
// bbolt and the spec's idempotent delete semantics.
func (c *Cursor) Delete(key []byte) error {
	if err := c.bucket.Delete(key); err != nil {
		return storeerr.WrapEngine("delete", err)
	}
	return nil
}

// Iterate walks every (key, value) pair in key order. The callback's slices
// are only valid for the duration of a single call, matching bbolt's cursor
// contract; copy before retaining.
func (c *Cursor) Iterate(fn func(key, value []byte) error) error {
	cur := c.bucket.Cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
