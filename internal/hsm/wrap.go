package hsm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/anya-org/anya-core/internal/errs"
)

// wrapSecret seals secret under the master key with AES-256-GCM, the pinned
// AEAD profile  (96-bit nonce, 128-bit tag — the default Go
// GCM tag size). The nonce is generated at random because key wrapping is a
// once-per-lifecycle-event operation, distinct from the high-frequency,
// counter-nonced message encryption path in crypto.go.
func wrapSecret(masterKey [32]byte, secret []byte) ([]byte, error) {
	block, err := aes.NewCipher(masterKey[:])
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, err, "aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, err, "gcm init")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.CryptoError, err, "nonce generation")
	}
	sealed := gcm.Seal(nil, nonce, secret, nil)
	return append(nonce, sealed...), nil
}

// unwrapSecret reverses wrapSecret.
func unwrapSecret(masterKey [32]byte, wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(masterKey[:])
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, err, "aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, err, "gcm init")
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, errs.New(errs.CryptoError, "wrapped secret too short")
	}
	nonce, ct := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, err, "unwrap open")
	}
	return pt, nil
}
