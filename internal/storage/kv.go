package storage

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/anya-org/anya-core/internal/errs"
)

// kvRecord is the on-disk representation of one KVObject.
type kvRecord struct {
	Value    []byte        `json:"value"`
	Version  uint64        `json:"version"`
	TTL      time.Duration `json:"ttl"`
	StoredAt time.Time     `json:"stored_at"`
}

// KVStore is the derived cache/index side of the dual-backend store. The
// interface shape follows a plain Set/Get/Delete/Iterator contract,
// extended with namespacing, optional TTL, and optimistic-version-check
// semantics.
type KVStore interface {
	Get(namespace, key string) (KVObject, bool, error)
	Put(namespace, key string, value []byte, ttl time.Duration, expectedVersion uint64) (KVObject, error)
	Delete(namespace, key string, expectedVersion uint64) error
	Iterator(namespace, prefix string) (KVIterator, error)
}

// KVIterator walks keys under a namespace+prefix in lexical order.
type KVIterator interface {
	Next() bool
	Key() string
	Value() KVObject
	Err() error
	Close() error
}

// diskKV is a namespaced, on-disk KV store with an in-process LRU cache
// (hashicorp/golang-lru/v2) in front of it to absorb repeated reads.
type diskKV struct {
	dir   string
	mu    sync.RWMutex
	cache *lru.Cache[string, KVObject]

	cacheHits   uint64
	cacheMisses uint64
}

// CacheStats reports cumulative read-cache hit/miss counts, surfaced by
// Store.Metrics.
func (d *diskKV) CacheStats() (hits, misses uint64) {
	return atomic.LoadUint64(&d.cacheHits), atomic.LoadUint64(&d.cacheMisses)
}

func newDiskKV(dir string, cacheSize int) (*diskKV, error) {
	if cacheSize <= 0 {
		cacheSize = 10_000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IoError, err, "create kv dir")
	}
	c, err := lru.New[string, KVObject](cacheSize)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "create kv cache")
	}
	return &diskKV{dir: dir, cache: c}, nil
}

func (d *diskKV) pathFor(namespace, key string) string {
	return filepath.Join(d.dir, namespace, safeFileName(key))
}

func safeFileName(key string) string {
	// Keys are opaque strings; hex-encode to keep filenames filesystem-safe
	// without colliding with namespace separators.
	return hexEncode([]byte(key))
}

func cacheKey(namespace, key string) string { return namespace + "\x00" + key }

func (d *diskKV) Get(namespace, key string) (KVObject, bool, error) {
	ck := cacheKey(namespace, key)
	d.mu.RLock()
	if obj, ok := d.cache.Get(ck); ok {
		d.mu.RUnlock()
		atomic.AddUint64(&d.cacheHits, 1)
		if obj.Expired(time.Now()) {
			return KVObject{}, false, nil
		}
		return obj, true, nil
	}
	d.mu.RUnlock()
	atomic.AddUint64(&d.cacheMisses, 1)

	p := d.pathFor(namespace, key)
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return KVObject{}, false, nil
		}
		return KVObject{}, false, errs.Wrap(errs.IoError, err, "read kv object")
	}
	var rec kvRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return KVObject{}, false, errs.Wrap(errs.Corrupt, err, "decode kv object")
	}
	obj := KVObject{Namespace: namespace, Key: key, Value: rec.Value, Version: rec.Version, TTL: rec.TTL, storedAt: rec.StoredAt}
	if obj.Expired(time.Now()) {
		return KVObject{}, false, nil
	}
	d.mu.Lock()
	d.cache.Add(ck, obj)
	d.mu.Unlock()
	return obj, true, nil
}

// Put performs an optimistic version check: expectedVersion must equal the
// current stored version (0 for a not-yet-existing object), otherwise
// Conflict is returned.
func (d *diskKV) Put(namespace, key string, value []byte, ttl time.Duration, expectedVersion uint64) (KVObject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, found, err := d.getLocked(namespace, key)
	if err != nil {
		return KVObject{}, err
	}
	curVersion := uint64(0)
	if found {
		curVersion = cur.Version
	}
	if curVersion != expectedVersion {
		return KVObject{}, Conflict(curVersion)
	}

	obj := KVObject{Namespace: namespace, Key: key, Value: value, Version: curVersion + 1, TTL: ttl, storedAt: time.Now()}
	if err := d.writeLocked(namespace, key, obj); err != nil {
		return KVObject{}, err
	}
	d.cache.Add(cacheKey(namespace, key), obj)
	return obj, nil
}

func (d *diskKV) Delete(namespace, key string, expectedVersion uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, found, err := d.getLocked(namespace, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return Conflict(cur.Version)
	}
	p := d.pathFor(namespace, key)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IoError, err, "delete kv object")
	}
	d.cache.Remove(cacheKey(namespace, key))
	return nil
}

// getLocked is Get without taking d.mu; caller must already hold it.
func (d *diskKV) getLocked(namespace, key string) (KVObject, bool, error) {
	if obj, ok := d.cache.Get(cacheKey(namespace, key)); ok {
		if obj.Expired(time.Now()) {
			return KVObject{}, false, nil
		}
		return obj, true, nil
	}
	p := d.pathFor(namespace, key)
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return KVObject{}, false, nil
		}
		return KVObject{}, false, errs.Wrap(errs.IoError, err, "read kv object")
	}
	var rec kvRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return KVObject{}, false, errs.Wrap(errs.Corrupt, err, "decode kv object")
	}
	obj := KVObject{Namespace: namespace, Key: key, Value: rec.Value, Version: rec.Version, TTL: rec.TTL, storedAt: rec.StoredAt}
	if obj.Expired(time.Now()) {
		return KVObject{}, false, nil
	}
	return obj, true, nil
}

func (d *diskKV) writeLocked(namespace, key string, obj KVObject) error {
	dir := filepath.Join(d.dir, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.IoError, err, "mkdir namespace")
	}
	rec := kvRecord{Value: obj.Value, Version: obj.Version, TTL: obj.TTL, StoredAt: obj.storedAt}
	b, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "encode kv object")
	}
	p := d.pathFor(namespace, key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errs.Wrap(errs.IoError, err, "write kv object")
	}
	return os.Rename(tmp, p)
}

func (d *diskKV) Iterator(namespace, prefix string) (KVIterator, error) {
	dir := filepath.Join(d.dir, namespace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &sliceKVIterator{}, nil
		}
		return nil, errs.Wrap(errs.IoError, err, "read namespace dir")
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := decodeFileName(e.Name())
		if !ok || !bytes.HasPrefix([]byte(key), []byte(prefix)) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return &sliceKVIterator{store: d, namespace: namespace, keys: keys, index: -1}, nil
}

type sliceKVIterator struct {
	store     *diskKV
	namespace string
	keys      []string
	index     int
	cur       KVObject
	err       error
}

func (it *sliceKVIterator) Next() bool {
	for {
		it.index++
		if it.index >= len(it.keys) {
			return false
		}
		obj, found, err := it.store.Get(it.namespace, it.keys[it.index])
		if err != nil {
			it.err = err
			return false
		}
		if !found {
			continue
		}
		it.cur = obj
		return true
	}
}

func (it *sliceKVIterator) Key() string      { return it.keys[it.index] }
func (it *sliceKVIterator) Value() KVObject  { return it.cur }
func (it *sliceKVIterator) Err() error       { return it.err }
func (it *sliceKVIterator) Close() error     { return nil }
