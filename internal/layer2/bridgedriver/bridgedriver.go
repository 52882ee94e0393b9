// Package bridgedriver implements the shared NetworkDriver used by the
// bridge-style Layer2 adapters (Liquid, RSK, Stacks, BOB, Taproot Assets,
// RGB, DLC): protocols whose cross-layer primitive is an SPV-style lock/mint
// or commit/reveal rather than a channel-balance update. Grounded on the
// teacher's core/cross_chain.go verifySPV/LockAndMint/BurnAndRelease pair and
// core/cross_chain_transactions.go's RecordCrossChainTx bookkeeping — each
// bridge here differs only in its network name and default RPC shape, so one
// driver type generalizes across all seven rather than duplicating the same
// dial/submit/query/verify logic seven times.
package bridgedriver

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/anya-org/anya-core/internal/errs"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/storage"
)

// Driver is a generic bridge-style NetworkDriver. In production each
// instance would hold a protocol-specific RPC client; this module stands in
// a local in-memory relay (a channel simulating confirmation rounds) so the
// storage-facing logic in layer2.Base can be exercised deterministically by
// tests without a live counterparty network.
type Driver struct {
	name string

	mu        sync.Mutex
	connected bool
	confirmed map[string]uint64 // hex(txID) -> confirmations observed so far
}

// New constructs a bridge driver for the named protocol (used only in log
// lines and error messages; routing is keyed by storage.ProtocolKind at the
// layer2.Base level).
func New(name string) *Driver {
	return &Driver{name: name, confirmed: make(map[string]uint64)}
}

func (d *Driver) Dial(ctx context.Context, cfg layer2.EndpointConfig) error {
	if cfg.Endpoint == "" {
		return errs.New(errs.ConfigError, d.name+": endpoint is required")
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

func (d *Driver) Submit(ctx context.Context, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return errs.New(errs.NotConnected, d.name+": not connected")
	}
	key := hashKey(payload)
	d.confirmed[key] = 1
	return nil
}

func (d *Driver) Query(ctx context.Context, txID []byte) (storage.TxStatus, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// txID is already the payload's SHA-256, the key Submit recorded.
	key := string(txID)
	confirmations, ok := d.confirmed[key]
	if !ok {
		return storage.StatusPending, 0, nil
	}
	// A bridge-style confirmation counter advances by observation, not by
	// re-submission; simulate progress toward finality each time it is
	// polled, mirroring a relay slowly accumulating confirmations.
	confirmations++
	d.confirmed[key] = confirmations
	status := storage.StatusInMempool
	if confirmations >= 6 {
		status = storage.StatusConfirmed
	}
	return status, confirmations, nil
}

// Verify implements the SPV-style check of core/cross_chain.go's verifySPV:
// a proof is valid iff it carries a non-empty payload and witness.
func (d *Driver) Verify(proof storage.Proof) layer2.VerificationResult {
	if len(proof.Payload) == 0 {
		return layer2.VerificationResult{Reason: "empty proof payload"}
	}
	if len(proof.Witness) == 0 {
		return layer2.VerificationResult{Reason: "missing witness"}
	}
	return layer2.VerificationResult{Valid: true}
}

func hashKey(b []byte) string {
	h := sha256.Sum256(b)
	return string(h[:])
}
