package storage

import (
	"fmt"
	"time"

	"github.com/anya-org/anya-core/internal/errs"
)

// KeyAlgorithm is the closed set of HSM key algorithms.
type KeyAlgorithm string

const (
	AlgoEd25519         KeyAlgorithm = "ed25519"
	AlgoRsaPkcs1v15Sha256 KeyAlgorithm = "rsa_pkcs1v15_sha256"
	AlgoRsaPssSha256    KeyAlgorithm = "rsa_pss_sha256"
	AlgoAesGcm256       KeyAlgorithm = "aes_gcm_256"
	AlgoHmac            KeyAlgorithm = "hmac"
	AlgoSecp256k1       KeyAlgorithm = "secp256k1" // domain extension, see SPEC_FULL.md
)

// KeyPurpose is the closed set of HSM key purposes.
type KeyPurpose string

const (
	PurposeSign    KeyPurpose = "sign"
	PurposeVerify  KeyPurpose = "verify"
	PurposeEncrypt KeyPurpose = "encrypt"
	PurposeDecrypt KeyPurpose = "decrypt"
	PurposeDerive  KeyPurpose = "derive"
	PurposeWrap    KeyPurpose = "wrap"
)

// KeyState is the lifecycle state of a KeyMaterial record.
type KeyState string

const (
	KeyActive   KeyState = "active"
	KeyRotating KeyState = "rotating"
	KeyRetired  KeyState = "retired"
	KeyRevoked  KeyState = "revoked"
)

// KeyMaterial is the HSM's persisted key record. Secrets are stored only in
// WrappedSecret, never in the clear.
type KeyMaterial struct {
	KeyID          string
	Algorithm      KeyAlgorithm
	Purpose        KeyPurpose
	CreatedAt      time.Time
	RotatedAt      time.Time
	UsageCount     uint64
	WrappedSecret  []byte
	PublicMaterial []byte
	Tags           []KV
	State          KeyState
	SucceededBy    string // set on the retiring key once rotated
	RotationGrace  time.Time
}

// KeyRepo is the typed repository backing the HSM's "keys" table.
type KeyRepo struct{ tx *Tx }

func (tx *Tx) Keys() KeyRepo { return KeyRepo{tx: tx} }

func (r KeyRepo) Put(k KeyMaterial) {
	r.tx.relOps = append(r.tx.relOps, func(rel *relational) error {
		return rel.appendLocked(opPutKey, k)
	})
}

func (r KeyRepo) Get(keyID string) (KeyMaterial, error) {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	k, ok := r.tx.store.rel.keys[keyID]
	if !ok {
		return KeyMaterial{}, ErrNotFound
	}
	return k, nil
}

// KeysInState returns the ids of keys sitting in state, used by the
// reconciler to find rotating keys whose grace period has elapsed.
func (s *Store) KeysInState(state KeyState) ([]string, error) {
	s.rel.mu.RLock()
	defer s.rel.mu.RUnlock()
	var out []string
	for id, k := range s.rel.keys {
		if k.State == state {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r KeyRepo) IncrementUsage(keyID string) {
	r.tx.relOps = append(r.tx.relOps, func(rel *relational) error {
		k, ok := rel.keys[keyID]
		if !ok {
			return ErrNotFound
		}
		k.UsageCount++
		return rel.appendLocked(opPutKey, k)
	})
}

// SessionRecord is the persisted form of an HSM Session.
// Persisting sessions and nonce counters together with key state is
// non-negotiable: a crash must not reset either.
type SessionRecord struct {
	SessionID     string
	Principal     string
	EstablishedAt time.Time
	ExpiresAt     time.Time
	Scopes        []string
	NonceCounter  uint64
	Closed        bool
}

type SessionRepo struct{ tx *Tx }

func (tx *Tx) Sessions() SessionRepo { return SessionRepo{tx: tx} }

func (r SessionRepo) Put(s SessionRecord) {
	r.tx.relOps = append(r.tx.relOps, func(rel *relational) error {
		return rel.appendLocked(opPutSession, s)
	})
}

func (r SessionRepo) Get(sessionID string) (SessionRecord, error) {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	s, ok := r.tx.store.rel.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return s, nil
}

// NonceRepo is the per-key monotonic AEAD nonce counter: (key_id, nonce)
// pairs must never repeat across the entire persisted history, even across
// a crash between ciphertext persistence and in-memory counter update.
type NonceRepo struct{ tx *Tx }

func (tx *Tx) Nonces() NonceRepo { return NonceRepo{tx: tx} }

// maxNonceCounter bounds the per-key AEAD nonce counter. AES-256-GCM's
// 96-bit nonce is derived deterministically from this counter; capping it
// well under 2^64 keeps every key inside the invocation ceiling recommended
// for a single GCM key before a fresh one should be rotated in.
const maxNonceCounter = uint64(1) << 32

// Next atomically reserves and persists the next nonce value for keyID.
// Unlike the other repos, this does not defer its write to Tx.Commit: two
// concurrent transactions calling Next on the same key_id must never be
// able to observe the same counter value, so the read-increment-persist
// sequence happens as one step under the relational write lock. A
// transaction that reserves a nonce and then rolls back burns it rather
// than letting it be reused — required by the (key_id, nonce) uniqueness
// invariant. Returns errs.NonceExhausted once the key's counter would
// exceed maxNonceCounter.
func (r NonceRepo) Next(keyID string) (uint64, error) {
	rel := r.tx.store.rel
	rel.mu.Lock()
	defer rel.mu.Unlock()

	cur := rel.nonceCounters[keyID]
	if cur >= maxNonceCounter {
		return 0, errs.New(errs.NonceExhausted, fmt.Sprintf("key %s has exhausted its nonce space", keyID))
	}
	next := cur + 1
	if err := rel.appendLocked(opSetNonce, struct {
		KeyID string
		Value uint64
	}{KeyID: keyID, Value: next}); err != nil {
		return 0, err
	}
	return next, nil
}

func (r NonceRepo) Current(keyID string) uint64 {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	return r.tx.store.rel.nonceCounters[keyID]
}

// MarshalTags/UnmarshalTags let callers round-trip a map[string]string
// through the RLP/JSON-friendly []KV representation used across storage.
func MarshalTags(m map[string]string) []KV {
	out := make([]KV, 0, len(m))
	for k, v := range m {
		out = append(out, KV{Key: k, Value: v})
	}
	return out
}

func UnmarshalTags(kvs []KV) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}
