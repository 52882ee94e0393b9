package hsm

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/config"
	"github.com/anya-org/anya-core/internal/storage"
	"github.com/anya-org/anya-core/internal/testutil"
)

func newTestHSM(t *testing.T) (*HSM, *storage.Store, *testutil.Sandbox) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	lg := logrus.New()
	lg.SetOutput(testWriter{t})

	st, err := storage.Open(storage.Config{DataDir: sb.Path("data"), CacheEntries: 100}, lg)
	if err != nil {
		sb.Cleanup()
		t.Fatalf("storage.Open: %v", err)
	}

	secretDigest := sha256.Sum256([]byte("s3cret"))
	auth := StaticAuthenticator{"alice": secretDigest[:]}
	cfg := config.HSMConfig{
		PassphraseSource: "env",
		PassphraseEnvVar: "ANYA_TEST_HSM_PASSPHRASE",
		SessionTTL:       time.Minute,
		RotationGrace:    time.Minute,
	}
	t.Setenv("ANYA_TEST_HSM_PASSPHRASE", "correct horse battery staple")

	h, err := Open(context.Background(), st, lg, cfg, auth)
	if err != nil {
		st.Close()
		sb.Cleanup()
		t.Fatalf("hsm.Open: %v", err)
	}
	return h, st, sb
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func loginAllScopes(t *testing.T, h *HSM) string {
	t.Helper()
	digest := sha256.Sum256([]byte("s3cret"))
	sid, err := h.Login(context.Background(), "alice", digest[:], []string{
		"hsm:generate_key", "hsm:sign", "hsm:verify", "hsm:encrypt", "hsm:decrypt",
		"hsm:rotate_key", "hsm:revoke_key",
	}, 0)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return sid
}

func TestLoginRejectsWrongCredential(t *testing.T) {
	h, st, sb := newTestHSM(t)
	defer sb.Cleanup()
	defer st.Close()

	_, err := h.Login(context.Background(), "alice", []byte("wrong"), nil, 0)
	if err == nil {
		t.Fatalf("expected login failure on bad credential")
	}
}

func TestGenerateSignVerifyEd25519(t *testing.T) {
	h, st, sb := newTestHSM(t)
	defer sb.Cleanup()
	defer st.Close()

	sid := loginAllScopes(t, h)
	ctx := context.Background()

	keyID, err := h.GenerateKey(ctx, sid, storage.AlgoEd25519, storage.PurposeSign, map[string]string{"env": "test"})
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	msg := []byte("attest this")
	sig, err := h.Sign(ctx, sid, keyID, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := h.Verify(ctx, sid, keyID, msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected valid signature to verify")
	}

	if ok, _ := h.Verify(ctx, sid, keyID, []byte("tampered"), sig); ok {
		t.Fatalf("expected tampered message to fail verification")
	}
}

func TestEncryptDecryptNonceNeverRepeats(t *testing.T) {
	h, st, sb := newTestHSM(t)
	defer sb.Cleanup()
	defer st.Close()

	sid := loginAllScopes(t, h)
	ctx := context.Background()

	keyID, err := h.GenerateKey(ctx, sid, storage.AlgoAesGcm256, storage.PurposeEncrypt, nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		ct, counter, err := h.Encrypt(ctx, sid, keyID, []byte("payload"), nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if seen[counter] {
			t.Fatalf("nonce counter %d repeated", counter)
		}
		seen[counter] = true

		pt, err := h.Decrypt(ctx, sid, keyID, ct, nil, counter)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if string(pt) != "payload" {
			t.Fatalf("decrypt %d: got %q", i, pt)
		}
	}
}

func TestEncryptNonceNeverRepeatsUnderConcurrency(t *testing.T) {
	h, st, sb := newTestHSM(t)
	defer sb.Cleanup()
	defer st.Close()

	sid := loginAllScopes(t, h)
	ctx := context.Background()

	keyID, err := h.GenerateKey(ctx, sid, storage.AlgoAesGcm256, storage.PurposeEncrypt, nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	const workers = 8
	counters := make([]uint64, workers)
	errsSeen := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, counter, err := h.Encrypt(ctx, sid, keyID, []byte("payload"), nil)
			counters[i] = counter
			errsSeen[i] = err
		}(i)
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for i, err := range errsSeen {
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if seen[counters[i]] {
			t.Fatalf("nonce counter %d issued to more than one concurrent encrypt", counters[i])
		}
		seen[counters[i]] = true
	}
}

func TestRotateKeyPreservesOldKeyDuringGrace(t *testing.T) {
	h, st, sb := newTestHSM(t)
	defer sb.Cleanup()
	defer st.Close()

	sid := loginAllScopes(t, h)
	ctx := context.Background()

	oldID, err := h.GenerateKey(ctx, sid, storage.AlgoEd25519, storage.PurposeSign, nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := []byte("signed before rotation")
	sig, err := h.Sign(ctx, sid, oldID, msg)
	if err != nil {
		t.Fatalf("sign before rotation: %v", err)
	}

	newID, err := h.RotateKey(ctx, sid, oldID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newID == oldID {
		t.Fatalf("rotation must produce a new key id")
	}

	// The retiring key stays verifiable within its grace window but may no
	// longer mint new signatures.
	ok, err := h.Verify(ctx, sid, oldID, msg, sig)
	if err != nil || !ok {
		t.Fatalf("verify with rotating key should succeed during grace: ok=%v err=%v", ok, err)
	}
	if _, err := h.Sign(ctx, sid, oldID, []byte("should be rejected")); err == nil {
		t.Fatalf("sign with rotating key should fail during grace")
	}
	if _, err := h.Sign(ctx, sid, newID, []byte("new key works")); err != nil {
		t.Fatalf("sign with new key: %v", err)
	}
}

func TestRevokeKeyBlocksFurtherUse(t *testing.T) {
	h, st, sb := newTestHSM(t)
	defer sb.Cleanup()
	defer st.Close()

	sid := loginAllScopes(t, h)
	ctx := context.Background()

	keyID, err := h.GenerateKey(ctx, sid, storage.AlgoEd25519, storage.PurposeSign, nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := h.RevokeKey(ctx, sid, keyID, "compromised"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := h.Sign(ctx, sid, keyID, []byte("should fail")); err == nil {
		t.Fatalf("expected sign on revoked key to fail")
	}
}

func TestRetireExpiredKeysTransitionsRotatingToRetired(t *testing.T) {
	h, st, sb := newTestHSM(t)
	defer sb.Cleanup()
	defer st.Close()

	sid := loginAllScopes(t, h)
	ctx := context.Background()

	oldID, err := h.GenerateKey(ctx, sid, storage.AlgoEd25519, storage.PurposeSign, nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := h.RotateKey(ctx, sid, oldID); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Backdate the grace deadline so the sweep treats it as elapsed, rather
	// than waiting out the real rotation_grace configured for the HSM.
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	km, err := tx.Keys().Get(oldID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	km.RotationGrace = time.Now().Add(-time.Second)
	tx.Keys().Put(km)
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	retired, err := h.RetireExpiredKeys(ctx)
	if err != nil {
		t.Fatalf("retire expired keys: %v", err)
	}
	if retired != 1 {
		t.Fatalf("expected 1 key retired, got %d", retired)
	}

	tx2, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx2.Rollback()
	km2, err := tx2.Keys().Get(oldID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if km2.State != storage.KeyRetired {
		t.Fatalf("expected key to be retired, got %s", km2.State)
	}
}

func TestScopeDeniedWithoutGrant(t *testing.T) {
	h, st, sb := newTestHSM(t)
	defer sb.Cleanup()
	defer st.Close()

	digest := sha256.Sum256([]byte("s3cret"))
	sid, err := h.Login(context.Background(), "alice", digest[:], []string{"hsm:sign"}, 0)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := h.GenerateKey(context.Background(), sid, storage.AlgoEd25519, storage.PurposeSign, nil); err == nil {
		t.Fatalf("expected generate_key to be denied without its scope")
	}
}

func TestExportPublicRejectsSymmetricKeys(t *testing.T) {
	h, st, sb := newTestHSM(t)
	defer sb.Cleanup()
	defer st.Close()

	sid := loginAllScopes(t, h)
	ctx := context.Background()

	keyID, err := h.GenerateKey(ctx, sid, storage.AlgoHmac, storage.PurposeSign, nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := h.ExportPublic(ctx, keyID); err == nil {
		t.Fatalf("expected ExportPublic to reject a symmetric key")
	}
}
