package layer2

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/storage"
	"github.com/anya-org/anya-core/internal/testutil"
)

type fakeDriver struct {
	mu          sync.Mutex
	dialErr     error
	submitErr   error
	submitCalls int
	status      storage.TxStatus
}

func (f *fakeDriver) Dial(ctx context.Context, cfg EndpointConfig) error { return f.dialErr }
func (f *fakeDriver) Shutdown(ctx context.Context) error                { return nil }
func (f *fakeDriver) Submit(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	return f.submitErr
}
func (f *fakeDriver) Query(ctx context.Context, txID []byte) (storage.TxStatus, uint64, error) {
	return f.status, 1, nil
}
func (f *fakeDriver) Verify(proof storage.Proof) VerificationResult {
	return VerificationResult{Valid: len(proof.Payload) > 0}
}

func newTestBase(t *testing.T) (*Base, *fakeDriver, *testutil.Sandbox) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	lg := logrus.New()
	lg.SetOutput(testWriter{t})
	st, err := storage.Open(storage.Config{DataDir: sb.Path("data"), CacheEntries: 50}, lg)
	if err != nil {
		sb.Cleanup()
		t.Fatalf("storage.Open: %v", err)
	}
	driver := &fakeDriver{status: storage.StatusConfirmed}
	b := NewBase(storage.Lightning, st, auditlog.New(), driver)
	return b, driver, sb
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestInitializeIsIdempotent(t *testing.T) {
	b, _, sb := newTestBase(t)
	defer sb.Cleanup()

	if err := b.Initialize(EndpointConfig{Endpoint: "wss://node"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if b.State() != StateConnected {
		t.Fatalf("expected Connected, got %s", b.State())
	}
	if err := b.Initialize(EndpointConfig{Endpoint: "wss://node"}); err != nil {
		t.Fatalf("second initialize should be a no-op: %v", err)
	}
}

func TestInitializeFailureTransitionsToFailed(t *testing.T) {
	b, driver, sb := newTestBase(t)
	defer sb.Cleanup()
	driver.dialErr = context.DeadlineExceeded

	if err := b.Initialize(EndpointConfig{}); err == nil {
		t.Fatalf("expected initialize to fail")
	}
	if b.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", b.State())
	}
}

func TestSubmitTransactionDedupesByPayloadHash(t *testing.T) {
	b, driver, sb := newTestBase(t)
	defer sb.Cleanup()
	if err := b.Initialize(EndpointConfig{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	payload := []byte("same payload")
	id1, err := b.SubmitTransaction(payload)
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	id2, err := b.SubmitTransaction(payload)
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected at-most-once dedup to return same tx id, got %s and %s", id1, id2)
	}
	if driver.submitCalls != 1 {
		t.Fatalf("expected network submit exactly once, got %d", driver.submitCalls)
	}
}

func TestSubmitTransactionKeepsPendingOnTransportFailure(t *testing.T) {
	b, driver, sb := newTestBase(t)
	defer sb.Cleanup()
	if err := b.Initialize(EndpointConfig{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	driver.submitErr = context.DeadlineExceeded

	id, err := b.SubmitTransaction([]byte("will fail to broadcast"))
	if err != nil {
		t.Fatalf("submit should not surface a transport error to the caller: %v", err)
	}

	txID, decErr := decodeTxID(id)
	if decErr != nil {
		t.Fatalf("decode tx id: %v", decErr)
	}
	tx, _ := b.store.Begin(context.Background())
	rec, err := tx.Transactions().Get(txID)
	tx.Rollback()
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != storage.StatusPending {
		t.Fatalf("expected record to remain Pending after transport failure, got %s", rec.Status)
	}
}

func TestCheckTransactionStatusRespectsFreshnessWindow(t *testing.T) {
	b, driver, sb := newTestBase(t)
	defer sb.Cleanup()
	if err := b.Initialize(EndpointConfig{FreshnessWindow: time.Hour}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	id, err := b.SubmitTransaction([]byte("freshness test"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	driver.status = storage.StatusConfirmed

	status, err := b.CheckTransactionStatus(id)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if status != storage.StatusInMempool {
		t.Fatalf("expected cached InMempool status (fresh window, no query), got %s", status)
	}
}

func TestVerifyProofIsPure(t *testing.T) {
	b, _, sb := newTestBase(t)
	defer sb.Cleanup()

	result := b.VerifyProof(storage.Proof{Kind: "spv", Payload: []byte("proof bytes")})
	if !result.Valid {
		t.Fatalf("expected valid proof")
	}
	if b.VerifyProof(storage.Proof{Kind: "spv"}).Valid {
		t.Fatalf("expected empty payload to be invalid")
	}
}
