// Package hsm implements the software HSM: key lifecycle (generation,
// storage-at-rest, signing, attestation, audit) behind a session-scoped
// API. Secrets are wrapped at rest under a master key derived from an
// operator passphrase via Argon2id (masterkey.go); wrapping uses
// AES-256-GCM (wrap.go); algorithm-specific key generation, signing and
// verification live in crypto.go. Every state-changing call appends one
// audit entry recording actor, target id and outcome; its DetailsHash
// commits to the operation name only, not to the call's other arguments.
// Secrets are never persisted unencrypted.
package hsm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/config"
	"github.com/anya-org/anya-core/internal/errs"
	"github.com/anya-org/anya-core/internal/storage"
)

// HSM is the software Hardware Security Module façade. One instance owns the
// master key for its lifetime; the key is re-derived on each process start
// from the configured passphrase and the persisted salt, never written to
// disk itself.
type HSM struct {
	store      *storage.Store
	lg         *logrus.Logger
	auth       Authenticator
	audit      *auditlog.Log
	masterKey  [32]byte
	sessionTTL time.Duration
	rotGrace   time.Duration
}

// Open derives the master key and constructs an HSM bound to store. auth may
// be nil, in which case Login always fails with AuthFailed.
func Open(ctx context.Context, store *storage.Store, lg *logrus.Logger, cfg config.HSMConfig, auth Authenticator) (*HSM, error) {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return nil, err
	}
	salt, err := store.MasterKeySalt()
	if err != nil {
		return nil, err
	}
	h := &HSM{
		store:      store,
		lg:         lg,
		auth:       auth,
		audit:      auditlog.New(),
		masterKey:  deriveMasterKey(passphrase, salt, cfg.Argon),
		sessionTTL: cfg.SessionTTL,
		rotGrace:   cfg.RotationGrace,
	}
	if h.sessionTTL <= 0 {
		h.sessionTTL = 15 * time.Minute
	}
	if h.rotGrace <= 0 {
		h.rotGrace = time.Hour
	}
	return h, nil
}

func (h *HSM) appendAudit(tx *storage.Tx, actor, kind, targetID, outcome string) {
	_ = h.audit.Append(context.Background(), tx, actor, kind, targetID, outcome, auditlog.Details{Operation: kind})
}

// GenerateKey creates a new key under the given algorithm/purpose, wraps its
// secret under the master key, and persists it.
func (h *HSM) GenerateKey(ctx context.Context, sessionID string, algo storage.KeyAlgorithm, purpose storage.KeyPurpose, tags map[string]string) (string, error) {
	sess, err := h.requireScope(ctx, sessionID, "hsm:generate_key")
	if err != nil {
		return "", err
	}

	secret, public, err := generateSecret(algo)
	if err != nil {
		return "", err
	}
	wrapped, err := wrapSecret(h.masterKey, secret)
	if err != nil {
		return "", err
	}

	keyID := uuid.New().String()
	km := storage.KeyMaterial{
		KeyID:          keyID,
		Algorithm:      algo,
		Purpose:        purpose,
		CreatedAt:      time.Now(),
		WrappedSecret:  wrapped,
		PublicMaterial: public,
		Tags:           storage.MarshalTags(tags),
		State:          storage.KeyActive,
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	tx.Keys().Put(km)
	h.appendAudit(tx, sess.Principal, "generate_key", keyID, "ok")
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return keyID, nil
}

// loadSignableKey fetches a key and verifies it may be used to produce new
// cryptographic material (sign or encrypt). Only Active keys qualify: a key
// in its rotation grace window stays around to verify/decrypt what it
// already produced, not to mint more.
func (h *HSM) loadSignableKey(tx *storage.Tx, keyID string) (storage.KeyMaterial, error) {
	km, err := tx.Keys().Get(keyID)
	if err != nil {
		return storage.KeyMaterial{}, err
	}
	if km.State != storage.KeyActive {
		return storage.KeyMaterial{}, errs.New(errs.KeyStateInvalid, fmt.Sprintf("key %s is %s, not active", keyID, km.State))
	}
	return km, nil
}

// loadVerifiableKey fetches a key and verifies it may still be used to
// validate signatures/ciphertexts it already produced: Active, or Rotating
// within its grace window.
func (h *HSM) loadVerifiableKey(tx *storage.Tx, keyID string) (storage.KeyMaterial, error) {
	km, err := tx.Keys().Get(keyID)
	if err != nil {
		return storage.KeyMaterial{}, err
	}
	switch km.State {
	case storage.KeyActive, storage.KeyRotating:
		return km, nil
	default:
		return storage.KeyMaterial{}, errs.New(errs.KeyStateInvalid, fmt.Sprintf("key %s is %s", keyID, km.State))
	}
}

// Sign produces a signature over message using key_id's wrapped secret.
// Only keys whose Purpose is Sign may be used.
func (h *HSM) Sign(ctx context.Context, sessionID, keyID string, message []byte) ([]byte, error) {
	sess, err := h.requireScope(ctx, sessionID, "hsm:sign")
	if err != nil {
		return nil, err
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	km, err := h.loadSignableKey(tx, keyID)
	if err != nil {
		return nil, err
	}
	if km.Purpose != storage.PurposeSign {
		return nil, errs.New(errs.AlgorithmMismatch, "key is not a signing key")
	}
	secret, err := unwrapSecret(h.masterKey, km.WrappedSecret)
	if err != nil {
		return nil, err
	}
	sig, err := signWith(km.Algorithm, secret, message)
	if err != nil {
		return nil, err
	}

	tx2, err := h.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	tx2.Keys().IncrementUsage(keyID)
	h.appendAudit(tx2, sess.Principal, "sign", keyID, "ok")
	if err := tx2.Commit(); err != nil {
		return nil, err
	}
	return sig, nil
}

// Verify checks a signature against message using key_id's public material
// (or, for symmetric algorithms, the unwrapped secret). Verify does not
// require a session: it never touches the wrapped secret for asymmetric
// algorithms and is side-effect free for audit purposes, a read-only
// framing of attestation checks. Symmetric algorithms still need the
// secret, so a session with the verify scope is required for those.
func (h *HSM) Verify(ctx context.Context, sessionID, keyID string, message, signature []byte) (bool, error) {
	tx, err := h.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	km, err := h.loadVerifiableKey(tx, keyID)
	if err != nil {
		return false, err
	}

	switch km.Algorithm {
	case storage.AlgoHmac:
		if _, err := h.requireScope(ctx, sessionID, "hsm:verify"); err != nil {
			return false, err
		}
		secret, err := unwrapSecret(h.masterKey, km.WrappedSecret)
		if err != nil {
			return false, err
		}
		return verifyWith(km.Algorithm, secret, message, signature)
	default:
		return verifyWith(km.Algorithm, km.PublicMaterial, message, signature)
	}
}

// Encrypt seals plaintext under key_id using a persisted monotonic nonce
// counter, guaranteeing (key_id, nonce) never repeats even across a crash.
// The ciphertext itself is not persisted here: the caller (a protocol
// adapter or the manager) is responsible for storing it; Encrypt only
// reserves the nonce durably before returning it alongside the ciphertext.
func (h *HSM) Encrypt(ctx context.Context, sessionID, keyID string, plaintext, aad []byte) (ciphertext []byte, nonceCounter uint64, err error) {
	sess, err := h.requireScope(ctx, sessionID, "hsm:encrypt")
	if err != nil {
		return nil, 0, err
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}

	km, err := h.loadSignableKey(tx, keyID)
	if err != nil {
		tx.Rollback()
		return nil, 0, err
	}
	if km.Purpose != storage.PurposeEncrypt {
		tx.Rollback()
		return nil, 0, errs.New(errs.AlgorithmMismatch, "key is not an encryption key")
	}
	secret, err := unwrapSecret(h.masterKey, km.WrappedSecret)
	if err != nil {
		tx.Rollback()
		return nil, 0, err
	}

	counter, err := tx.Nonces().Next(keyID)
	if err != nil {
		tx.Rollback()
		return nil, 0, err
	}
	ct, err := aeadEncrypt(secret, plaintext, aad, counter)
	if err != nil {
		tx.Rollback()
		return nil, 0, err
	}

	tx.Keys().IncrementUsage(keyID)
	h.appendAudit(tx, sess.Principal, "encrypt", keyID, "ok")
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return ct, counter, nil
}

// Decrypt opens a ciphertext previously produced by Encrypt at the given
// nonce counter.
func (h *HSM) Decrypt(ctx context.Context, sessionID, keyID string, ciphertext, aad []byte, nonceCounter uint64) ([]byte, error) {
	sess, err := h.requireScope(ctx, sessionID, "hsm:decrypt")
	if err != nil {
		return nil, err
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	km, err := h.loadVerifiableKey(tx, keyID)
	if err != nil {
		return nil, err
	}
	if km.Purpose != storage.PurposeEncrypt && km.Purpose != storage.PurposeDecrypt {
		return nil, errs.New(errs.AlgorithmMismatch, "key is not a decryption key")
	}
	secret, err := unwrapSecret(h.masterKey, km.WrappedSecret)
	if err != nil {
		return nil, err
	}
	pt, err := aeadDecrypt(secret, ciphertext, aad, nonceCounter)
	if err != nil {
		return nil, err
	}

	tx2, err := h.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	h.appendAudit(tx2, sess.Principal, "decrypt", keyID, "ok")
	if err := tx2.Commit(); err != nil {
		return nil, err
	}
	return pt, nil
}

// RotateKey generates a replacement key of the same algorithm/purpose,
// marks the old key Rotating with a grace deadline, and links SucceededBy
// to the new key ID. The old key stays verifiable/decryptable until the
// grace deadline passes, at which point RetireExpiredKeys moves it to
// Retired.
func (h *HSM) RotateKey(ctx context.Context, sessionID, keyID string) (string, error) {
	sess, err := h.requireScope(ctx, sessionID, "hsm:rotate_key")
	if err != nil {
		return "", err
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	old, err := tx.Keys().Get(keyID)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	if old.State != storage.KeyActive {
		tx.Rollback()
		return "", errs.New(errs.KeyStateInvalid, "only active keys may be rotated")
	}

	secret, public, err := generateSecret(old.Algorithm)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	wrapped, err := wrapSecret(h.masterKey, secret)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	newID := uuid.New().String()
	newKey := storage.KeyMaterial{
		KeyID:          newID,
		Algorithm:      old.Algorithm,
		Purpose:        old.Purpose,
		CreatedAt:      time.Now(),
		WrappedSecret:  wrapped,
		PublicMaterial: public,
		Tags:           old.Tags,
		State:          storage.KeyActive,
	}
	old.State = storage.KeyRotating
	old.RotatedAt = time.Now()
	old.SucceededBy = newID
	old.RotationGrace = time.Now().Add(h.rotGrace)

	tx.Keys().Put(newKey)
	tx.Keys().Put(old)
	h.appendAudit(tx, sess.Principal, "rotate_key", keyID, "ok")
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return newID, nil
}

// RetireExpiredKeys transitions every Rotating key whose grace deadline has
// passed to Retired. It is idempotent and meant to be driven periodically
// by the reconciler rather than by callers of Sign/Encrypt/Verify/Decrypt.
func (h *HSM) RetireExpiredKeys(ctx context.Context) (int, error) {
	ids, err := h.store.KeysInState(storage.KeyRotating)
	if err != nil {
		return 0, err
	}
	retired := 0
	for _, id := range ids {
		tx, err := h.store.Begin(ctx)
		if err != nil {
			return retired, err
		}
		km, err := tx.Keys().Get(id)
		if err != nil {
			tx.Rollback()
			continue
		}
		if km.State != storage.KeyRotating || km.RotationGrace.IsZero() || time.Now().Before(km.RotationGrace) {
			tx.Rollback()
			continue
		}
		km.State = storage.KeyRetired
		tx.Keys().Put(km)
		h.appendAudit(tx, "reconciler", "retire_key", id, "ok")
		if err := tx.Commit(); err != nil {
			return retired, err
		}
		retired++
	}
	return retired, nil
}

// RevokeKey immediately marks a key Revoked, blocking further Sign/Encrypt
// operations regardless of any rotation grace period in effect.
func (h *HSM) RevokeKey(ctx context.Context, sessionID, keyID, reason string) error {
	sess, err := h.requireScope(ctx, sessionID, "hsm:revoke_key")
	if err != nil {
		return err
	}

	tx, err := h.store.Begin(ctx)
	if err != nil {
		return err
	}
	km, err := tx.Keys().Get(keyID)
	if err != nil {
		tx.Rollback()
		return err
	}
	km.State = storage.KeyRevoked
	tx.Keys().Put(km)
	h.appendAudit(tx, sess.Principal, "revoke_key", keyID, "revoked: "+reason)
	return tx.Commit()
}

// ExportPublic returns the non-secret public material of an asymmetric key.
// Symmetric algorithms have no public material and return Unsupported.
func (h *HSM) ExportPublic(ctx context.Context, keyID string) ([]byte, error) {
	tx, err := h.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	km, err := tx.Keys().Get(keyID)
	if err != nil {
		return nil, err
	}
	if len(km.PublicMaterial) == 0 {
		return nil, errs.New(errs.Unsupported, "key has no public material")
	}
	return km.PublicMaterial, nil
}
