package lightning

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/storage"
	"github.com/anya-org/anya-core/internal/testutil"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestAdapter(t *testing.T) (layer2.Protocol, *testutil.Sandbox) {
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
	p := New(st, auditlog.New())
	if err := p.Initialize(layer2.EndpointConfig{Endpoint: "wss://ln-node"}); err != nil {
		sb.Cleanup()
		t.Fatalf("initialize: %v", err)
	}
	return p, sb
}

func routePayload(id ChannelID, amount uint64) []byte {
	buf := make([]byte, 40)
	copy(buf[:32], id[:])
	binary.BigEndian.PutUint64(buf[32:], amount)
	return buf
}

func TestRoutePaymentRejectsInsufficientBalance(t *testing.T) {
	p, sb := newTestAdapter(t)
	defer sb.Cleanup()

	id := DeriveChannelID([]byte("alice"), []byte("bob"), 1)
	// The in-memory fake channel starts at BalanceA=0, so any positive
	// route should be rejected by the driver and surfaced as a transport
	// failure kept Pending by the base.
	txID, err := p.SubmitTransaction(routePayload(id, 10))
	if err != nil {
		t.Fatalf("submit should not bubble a driver rejection as a hard error: %v", err)
	}
	status, err := p.CheckTransactionStatus(txID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if status != storage.StatusPending {
		t.Fatalf("expected record to remain pending after a rejected route, got %s", status)
	}
}
