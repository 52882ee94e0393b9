package auditlog

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/storage"
	"github.com/anya-org/anya-core/internal/testutil"
)

func newTestStore(t *testing.T) (*storage.Store, *testutil.Sandbox) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	lg := logrus.New()
	lg.SetOutput(testWriter{t})
	s, err := storage.Open(storage.Config{DataDir: sb.Path("data"), CacheEntries: 10}, lg)
	if err != nil {
		sb.Cleanup()
		t.Fatalf("storage.Open: %v", err)
	}
	return s, sb
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAppendAndVerifyRoundTrip(t *testing.T) {
	s, sb := newTestStore(t)
	defer sb.Cleanup()
	defer s.Close()

	log := New()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	details := Details{Operation: "sign", Extra: []storage.KV{{Key: "key_id", Value: "k1"}}}
	if err := log.Append(ctx, tx, "alice", "sign", "k1", "ok", details); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := s.Begin(ctx)
	entries := tx2.Audit().List()
	tx2.Rollback()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}

	ok, err := Verify(entries[0], details)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected matching details to verify")
	}

	wrongDetails := Details{Operation: "sign", Extra: []storage.KV{{Key: "key_id", Value: "k2"}}}
	ok, err = Verify(entries[0], wrongDetails)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatched details to fail verification")
	}
}
