package statechannel

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

func statePayload(id [32]byte, nonce uint64) []byte {
	buf := make([]byte, 40)
	copy(buf[:32], id[:])
	binary.BigEndian.PutUint64(buf[32:], nonce)
	return buf
}

func TestStaleNonceRejected(t *testing.T) {
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

	p := New(st, auditlog.New())
	if err := p.Initialize(layer2.EndpointConfig{Endpoint: "wss://channel-hub"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var id [32]byte
	copy(id[:], []byte("channel-under-test-000000000000"))

	if _, err := p.SubmitTransaction(statePayload(id, 5)); err != nil {
		t.Fatalf("submit nonce 5: %v", err)
	}
	// A second submission with a lower nonce should be rejected by the
	// driver; the base keeps the new record Pending rather than surfacing
	// the rejection as a hard error, matching the transport-failure path.
	txID, err := p.SubmitTransaction(statePayload(id, 3))
	if err != nil {
		t.Fatalf("submit nonce 3 should not bubble a driver rejection: %v", err)
	}
	status, err := p.CheckTransactionStatus(txID)
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if status != storage.StatusPending {
		t.Fatalf("expected stale-nonce submission to remain pending, got %s", status)
	}
}
