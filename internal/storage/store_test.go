package storage

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, *testutil.Sandbox) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	lg := logrus.New()
	lg.SetOutput(testWriter{t})
	s, err := Open(Config{DataDir: sb.Path("data"), CacheEntries: 100}, lg)
	if err != nil {
		sb.Cleanup()
		t.Fatalf("Open failed: %v", err)
	}
	return s, sb
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestTransactionRecordMonotonicity(t *testing.T) {
	s, sb := newTestStore(t)
	defer sb.Cleanup()
	defer s.Close()

	txID := []byte{0xDE, 0xAD}
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	tx.Transactions().Put(TransactionRecord{TxID: txID, Protocol: Lightning, Status: StatusConfirmed, Confirmations: 1, SubmittedAt: time.Now()})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := s.Begin(ctx)
	if err := tx2.Transactions().UpdateStatus(txID, StatusPending, "", 0); err == nil {
		t.Fatalf("expected Confirmed->Pending to be rejected")
	}
	tx2.Rollback()

	tx3, _ := s.Begin(ctx)
	if err := tx3.Transactions().UpdateStatus(txID, StatusConfirmed, "", 2); err != nil {
		t.Fatalf("Confirmed->Confirmed(n+1) should be allowed: %v", err)
	}
	if err := tx3.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx4, _ := s.Begin(ctx)
	rec, err := tx4.Transactions().Get(txID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Confirmations != 2 {
		t.Fatalf("expected confirmations=2, got %d", rec.Confirmations)
	}
	tx4.Rollback()
}

func TestAuditLogNoGaps(t *testing.T) {
	s, sb := newTestStore(t)
	defer sb.Cleanup()
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		tx, _ := s.Begin(ctx)
		tx.Audit().Append(AuditEntry{Actor: "test", Kind: "op", Outcome: "ok"})
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	tx, _ := s.Begin(ctx)
	entries := tx.Audit().List()
	tx.Rollback()
	if len(entries) != 10 {
		t.Fatalf("expected 10 audit entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Fatalf("entry %d has seq %d, expected %d", i, e.Seq, i+1)
		}
	}
}

func TestKVOptimisticVersionConflict(t *testing.T) {
	s, sb := newTestStore(t)
	defer sb.Cleanup()
	defer s.Close()

	kv := s.KV()
	obj, err := kv.Put("ns", "k1", []byte("v1"), 0, 0)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if obj.Version != 1 {
		t.Fatalf("expected version 1, got %d", obj.Version)
	}
	if _, err := kv.Put("ns", "k1", []byte("v2"), 0, 0); err == nil {
		t.Fatalf("expected conflict on stale version")
	}
	if _, err := kv.Put("ns", "k1", []byte("v2"), 0, 1); err != nil {
		t.Fatalf("expected put with correct version to succeed: %v", err)
	}
}

func TestMetricsTracksCacheHitsAndMisses(t *testing.T) {
	s, sb := newTestStore(t)
	defer sb.Cleanup()
	defer s.Close()

	kv := s.KV()
	if _, _, err := kv.Get("ns", "missing"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := kv.Put("ns", "k1", []byte("v1"), 0, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, err := kv.Get("ns", "k1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	m := s.Metrics()
	if m.CacheMisses == 0 {
		t.Fatalf("expected at least one cache miss, got %d", m.CacheMisses)
	}
	if m.CacheHits == 0 {
		t.Fatalf("expected at least one cache hit, got %d", m.CacheHits)
	}
}

func TestCrossLayerTransferStateInvariant(t *testing.T) {
	s, sb := newTestStore(t)
	defer sb.Cleanup()
	defer s.Close()

	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	tx.CrossLayerTransfers().Put(CrossLayerTransfer{TransferID: "x1", Source: Liquid, Target: RSK, AssetID: "asset_x", Amount: 100, State: CLPending})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := s.Begin(ctx)
	if err := tx2.CrossLayerTransfers().UpdateState("x1", CLTargetCommitted, "", ""); err == nil {
		t.Fatalf("expected TargetCommitted without source commitment to fail")
	}
	tx2.Rollback()

	tx3, _ := s.Begin(ctx)
	if err := tx3.CrossLayerTransfers().UpdateState("x1", CLSourceCommitted, "commit-1", ""); err != nil {
		t.Fatalf("SourceCommitted: %v", err)
	}
	if err := tx3.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx4, _ := s.Begin(ctx)
	if err := tx4.CrossLayerTransfers().UpdateState("x1", CLProven, "", ""); err != nil {
		t.Fatalf("Proven: %v", err)
	}
	if err := tx4.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx5, _ := s.Begin(ctx)
	if err := tx5.CrossLayerTransfers().UpdateState("x1", CLTargetCommitted, "", ""); err != nil {
		t.Fatalf("TargetCommitted with matching commitment should succeed: %v", err)
	}
	if err := tx5.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}
