package storage

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/errs"
)

// StorageMetrics is the snapshot returned by Store.Metrics.
type StorageMetrics struct {
	Commits         uint64
	Rollbacks       uint64
	KVApplyFailures uint64
	ReconcileQueued uint64
	CacheHits       uint64
	CacheMisses     uint64
}

// Store is the public façade : a unified transaction spanning
// the relational (authoritative) and KV (derived) backends.
type Store struct {
	cfg    Config
	lg     *logrus.Logger
	rel    *relational
	kv     KVStore
	mig    *Migrator

	mu      sync.Mutex // guards counters only; relational has its own lock
	metrics StorageMetrics

	reg             *prometheus.Registry
	commitCounter   prometheus.Counter
	rollbackCounter prometheus.Counter
	kvFailCounter   prometheus.Counter
}

// Config configures the dual-backend store: one data_dir
// holds both the relational WAL file and the KV directory, plus a
// manifest.json at the root.
type Config struct {
	DataDir       string
	CacheEntries  int
	KVNamespace   string
}

// Open wires a Store instance: opens (or creates) the relational WAL, the KV
// directory, loads/creates the manifest, and runs pending migrations in
// order, aborting startup on failure. Migrations run directly against the
// Store and are not wrapped in a storage transaction.
func Open(cfg Config, lg *logrus.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errs.New(errs.ConfigError, "data_dir is required")
	}
	rel, err := openRelational(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	kv, err := newDiskKV(filepath.Join(cfg.DataDir, "kv"), cfg.CacheEntries)
	if err != nil {
		_ = rel.close()
		return nil, err
	}
	mf, err := loadOrInitManifest(cfg.DataDir)
	if err != nil {
		_ = rel.close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	s := &Store{
		cfg: cfg,
		lg:  lg,
		rel: rel,
		kv:  kv,
		reg: reg,
		commitCounter:   prometheus.NewCounter(prometheus.CounterOpts{Name: "storage_commits_total", Help: "Committed storage transactions"}),
		rollbackCounter: prometheus.NewCounter(prometheus.CounterOpts{Name: "storage_rollbacks_total", Help: "Rolled back storage transactions"}),
		kvFailCounter:   prometheus.NewCounter(prometheus.CounterOpts{Name: "storage_kv_apply_failures_total", Help: "KV apply failures queued for reconcile"}),
	}
	reg.MustRegister(s.commitCounter, s.rollbackCounter, s.kvFailCounter)

	mig := NewMigrator(registeredMigrations)
	if err := mig.Run(mf, s); err != nil {
		_ = rel.close()
		return nil, errs.Wrap(errs.SchemaMismatch, err, "run migrations")
	}
	s.mig = mig
	if err := saveManifest(cfg.DataDir, mf); err != nil {
		_ = rel.close()
		return nil, err
	}
	lg.Infof("storage: opened data_dir=%s schema=%d", cfg.DataDir, mf.SchemaVersion)
	return s, nil
}

// Close releases the relational WAL handle.
func (s *Store) Close() error { return s.rel.close() }

// Registry exposes the Prometheus registry for the external metrics
// collaborator to mount.
func (s *Store) Registry() *prometheus.Registry { return s.reg }

// cacheStater is implemented by KVStore backends that track read-cache
// hit/miss counts; diskKV is the only implementation today.
type cacheStater interface {
	CacheStats() (hits, misses uint64)
}

// Metrics returns a snapshot of storage counters.
func (s *Store) Metrics() StorageMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	s.rel.mu.RLock()
	m.ReconcileQueued = uint64(len(s.rel.reconcile))
	s.rel.mu.RUnlock()
	if cs, ok := s.kv.(cacheStater); ok {
		m.CacheHits, m.CacheMisses = cs.CacheStats()
	}
	return m
}

// Tx is a unified transaction spanning both backends's
// two-phase commit discipline: relational writes are the authoritative
// commit point; KV writes are buffered here and applied after, falling back
// to the durable kv_reconcile table on failure.
type Tx struct {
	store   *Store
	ctx     context.Context
	relOps  []func(*relational) error
	kvOps   []kvBufferedOp
	done    bool
}

type kvBufferedOp struct {
	namespace string
	key       string
	value     []byte
	ttl       time.Duration
	delete    bool
}

// Begin starts a unified transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	return &Tx{store: s, ctx: ctx}, nil
}

// Commit applies all buffered relational operations atomically under the
// relational lock, writing one WAL line per operation, then best-effort
// applies the buffered KV writes. A KV apply failure does not fail the
// commit: the states the transaction is committed once the
// relational commit succeeds, and the entry is queued on kv_reconcile for
// replay.
func (tx *Tx) Commit() error {
	if tx.done {
		return errs.New(errs.InvalidInput, "transaction already closed")
	}
	tx.done = true

	tx.store.rel.mu.Lock()
	for _, op := range tx.relOps {
		if err := op(tx.store.rel); err != nil {
			tx.store.rel.mu.Unlock()
			return err
		}
	}
	tx.store.rel.mu.Unlock()

	tx.store.mu.Lock()
	tx.store.metrics.Commits++
	tx.store.mu.Unlock()
	tx.store.commitCounter.Inc()

	for _, op := range tx.kvOps {
		var err error
		if op.delete {
			err = tx.applyKVDelete(op)
		} else {
			err = tx.applyKVPut(op)
		}
		if err != nil {
			tx.store.lg.Warnf("kv apply failed for %s/%s: %v; queued for reconcile", op.namespace, op.key, err)
			tx.store.mu.Lock()
			tx.store.metrics.KVApplyFailures++
			tx.store.mu.Unlock()
			tx.store.kvFailCounter.Inc()
			tx.queueReconcile(op)
		}
	}
	return nil
}

func (tx *Tx) applyKVPut(op kvBufferedOp) error {
	// Read current version for the optimistic check; the cache/index role
	// of KV means we always overwrite to match the authoritative relational
	// value, so the put is made once against whatever version is currently
	// stored; a conflict with a concurrent writer is returned to Commit,
	// which queues the entry for reconcile.
	cur, found, err := tx.store.kv.Get(op.namespace, op.key)
	expected := uint64(0)
	if err == nil && found {
		expected = cur.Version
	}
	_, err = tx.store.kv.Put(op.namespace, op.key, op.value, op.ttl, expected)
	return err
}

func (tx *Tx) applyKVDelete(op kvBufferedOp) error {
	cur, found, err := tx.store.kv.Get(op.namespace, op.key)
	if err != nil || !found {
		return nil
	}
	return tx.store.kv.Delete(op.namespace, op.key, cur.Version)
}

func (tx *Tx) queueReconcile(op kvBufferedOp) {
	entry := ReconcileEntry{
		ID:        entryID(op.namespace, op.key),
		Namespace: op.namespace,
		Key:       op.key,
		Value:     op.value,
		TTL:       op.ttl,
		QueuedAt:  time.Now(),
	}
	tx.store.rel.mu.Lock()
	_ = tx.store.rel.appendLocked(opEnqueueReconcile, entry)
	tx.store.rel.mu.Unlock()
}

func entryID(namespace, key string) string { return namespace + ":" + key }

// Rollback discards all staged operations. Because relational writes are
// only applied inside Commit, Rollback before Commit has no persisted
// side effects to undo.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.mu.Lock()
	tx.store.metrics.Rollbacks++
	tx.store.mu.Unlock()
	tx.store.rollbackCounter.Inc()
	tx.relOps = nil
	tx.kvOps = nil
	return nil
}
