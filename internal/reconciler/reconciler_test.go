package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/config"
	"github.com/anya-org/anya-core/internal/layer2manager"
	"github.com/anya-org/anya-core/internal/storage"
	"github.com/anya-org/anya-core/internal/testutil"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestRig(t *testing.T) (*storage.Store, *layer2manager.Manager, *testutil.Sandbox) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	lg := logrus.New()
	lg.SetOutput(testWriter{t})
	st, err := storage.Open(storage.Config{DataDir: sb.Path("data"), CacheEntries: 10}, lg)
	if err != nil {
		sb.Cleanup()
		t.Fatalf("storage.Open: %v", err)
	}
	mgr, err := layer2manager.New(st, auditlog.New(), lg, layer2manager.Config{
		Protocols: []layer2manager.ProtocolConfig{
			{Kind: storage.Liquid, Endpoint: config.Layer2EndpointConfig{Endpoint: "https://liquid.example"}},
		},
	})
	if err != nil {
		sb.Cleanup()
		t.Fatalf("layer2manager.New: %v", err)
	}
	if res := mgr.InitializeAll(); res.Err() != nil {
		sb.Cleanup()
		t.Fatalf("initialize: %v", res.Err())
	}
	return st, mgr, sb
}

func TestSweepFailsStalePendingTransaction(t *testing.T) {
	st, mgr, sb := newTestRig(t)
	defer sb.Cleanup()

	txID := []byte("stale-tx-id-000000000000000000!")
	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.Transactions().Put(storage.TransactionRecord{
		TxID:        txID,
		Protocol:    storage.Liquid,
		SubmittedAt: time.Now().Add(-time.Hour),
		Status:      storage.StatusPending,
	})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	r := New(st, mgr, nil, logrus.New(), Config{PendingGrace: time.Nanosecond, PendingMaxAge: time.Nanosecond})
	r.Sweep(context.Background())

	tx2, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx2.Rollback()
	rec, err := tx2.Transactions().Get(txID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != storage.StatusFailed {
		t.Fatalf("expected stale pending tx to be marked failed, got %s", rec.Status)
	}
}

func TestSweepRetriesStuckCompensation(t *testing.T) {
	st, mgr, sb := newTestRig(t)
	defer sb.Cleanup()

	transferID := "stuck-transfer-1"
	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx.CrossLayerTransfers().Put(storage.CrossLayerTransfer{
		TransferID:         transferID,
		Source:             storage.Liquid,
		Target:             storage.RSK,
		AssetID:            "asset-9",
		Amount:             42,
		State:              storage.CLSourceCommitted,
		SourceCommitmentID: "commit-9",
	})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	r := New(st, mgr, nil, logrus.New(), Config{PendingGrace: time.Nanosecond, PendingMaxAge: time.Hour})
	r.Sweep(context.Background())

	tx2, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx2.Rollback()
	rec, err := tx2.CrossLayerTransfers().Get(transferID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != storage.CLRolledBack {
		t.Fatalf("expected reconciler to roll back the stuck transfer, got %s", rec.State)
	}
}
