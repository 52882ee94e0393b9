package layer2manager

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/config"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/storage"
	"github.com/anya-org/anya-core/internal/testutil"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestManager(t *testing.T, protocols ...storage.ProtocolKind) (*Manager, *testutil.Sandbox) {
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
	cfg := Config{}
	for _, kind := range protocols {
		cfg.Protocols = append(cfg.Protocols, ProtocolConfig{
			Kind:     kind,
			Endpoint: config.Layer2EndpointConfig{Endpoint: "https://" + string(kind) + ".example"},
		})
	}
	m, err := New(st, auditlog.New(), lg, cfg)
	if err != nil {
		sb.Cleanup()
		t.Fatalf("New: %v", err)
	}
	return m, sb
}

func TestNewRejectsDuplicateKind(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	lg := logrus.New()
	lg.SetOutput(testWriter{t})
	st, err := storage.Open(storage.Config{DataDir: sb.Path("data"), CacheEntries: 10}, lg)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	cfg := Config{Protocols: []ProtocolConfig{
		{Kind: storage.Liquid, Endpoint: config.Layer2EndpointConfig{Endpoint: "https://a"}},
		{Kind: storage.Liquid, Endpoint: config.Layer2EndpointConfig{Endpoint: "https://b"}},
	}}
	if _, err := New(st, auditlog.New(), lg, cfg); err == nil {
		t.Fatal("expected duplicate kind to be rejected")
	}
}

func TestInitializeAllReportsPartialFailure(t *testing.T) {
	m, sb := newTestManager(t, storage.Liquid, storage.RSK)
	defer sb.Cleanup()

	// Clobber one protocol's endpoint with an empty string after
	// construction so its Dial fails while the other succeeds.
	m.configs[storage.RSK] = layer2.EndpointConfig{}

	result := m.InitializeAll()
	if result.Err() == nil {
		t.Fatal("expected a partial failure to be reported")
	}
	if _, failed := result.Failures[storage.RSK]; !failed {
		t.Fatalf("expected rsk to be in failures, got %v", result.Failures)
	}
	if _, failed := result.Failures[storage.Liquid]; failed {
		t.Fatalf("expected liquid to initialize cleanly, got %v", result.Failures)
	}
}

func TestGetProtocolNotFound(t *testing.T) {
	m, sb := newTestManager(t, storage.Liquid)
	defer sb.Cleanup()
	if _, err := m.GetProtocol(storage.DLC); err == nil {
		t.Fatal("expected NotFound for an unregistered protocol")
	}
}

func TestCrossLayerTransferHappyPath(t *testing.T) {
	m, sb := newTestManager(t, storage.Liquid, storage.RSK)
	defer sb.Cleanup()
	if res := m.InitializeAll(); res.Err() != nil {
		t.Fatalf("initialize: %v", res.Err())
	}

	transferID, err := m.CrossLayerTransfer(context.Background(), storage.Liquid, storage.RSK, "asset-1", 100)
	if err != nil {
		t.Fatalf("cross layer transfer: %v", err)
	}
	if transferID == "" {
		t.Fatal("expected a transfer id")
	}

	tx, err := m.store.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	rec, err := tx.CrossLayerTransfers().Get(transferID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != storage.CLCompleted {
		t.Fatalf("expected completed, got %s", rec.State)
	}
}

func TestCrossLayerTransferRollsBackOnProofRejection(t *testing.T) {
	m, sb := newTestManager(t, storage.Liquid, storage.Lightning)
	defer sb.Cleanup()
	if res := m.InitializeAll(); res.Err() != nil {
		t.Fatalf("initialize: %v", res.Err())
	}

	// lightning's Verify only accepts htlc_preimage proofs, so the bridge
	// commitment proof built from the liquid withdrawal is rejected and the
	// transfer must roll back.
	transferID, err := m.CrossLayerTransfer(context.Background(), storage.Liquid, storage.Lightning, "asset-1", 50)
	if err != nil {
		t.Fatalf("cross layer transfer: %v", err)
	}

	tx, err := m.store.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	rec, err := tx.CrossLayerTransfers().Get(transferID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != storage.CLRolledBack {
		t.Fatalf("expected rolled_back, got %s", rec.State)
	}
}
