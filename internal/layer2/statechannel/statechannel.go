// Package statechannel adapts generic two-party off-chain state channels to
// the layer2.Protocol contract: a channel is opened with escrowed
// collateral, parties exchange signed states with a monotonically
// increasing nonce, and a dispute is resolved by honoring the
// highest-nonce state observed during a bounded challenge period.
package statechannel

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/errs"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/storage"
)

// ChallengePeriod is the default dispute window.
const ChallengePeriod = 24 * time.Hour

type channelState struct {
	nonce          uint64
	challengedAt   time.Time
	inChallenge    bool
}

type driver struct {
	mu       sync.Mutex
	dialed   bool
	channels map[string]*channelState
}

func newDriver() *driver {
	return &driver{channels: make(map[string]*channelState)}
}

func (d *driver) Dial(ctx context.Context, cfg layer2.EndpointConfig) error {
	if cfg.Endpoint == "" {
		return errs.New(errs.ConfigError, "state_channel: endpoint is required")
	}
	d.mu.Lock()
	d.dialed = true
	d.mu.Unlock()
	return nil
}

func (d *driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.dialed = false
	d.mu.Unlock()
	return nil
}

// Submit treats payload as: 32-byte channel id || 8-byte big-endian nonce.
// Only a strictly higher nonce than any previously observed state is
// accepted: only the highest nonce is honoured.
func (d *driver) Submit(ctx context.Context, payload []byte) error {
	if len(payload) < 40 {
		return errs.New(errs.InvalidInput, "state_channel: malformed state payload")
	}
	id := string(payload[:32])
	nonce := binary.BigEndian.Uint64(payload[32:40])

	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.channels[id]
	if !ok {
		cs = &channelState{}
		d.channels[id] = cs
	}
	if nonce <= cs.nonce {
		return errs.New(errs.Conflict, "state_channel: stale nonce rejected")
	}
	cs.nonce = nonce
	cs.inChallenge = true
	cs.challengedAt = time.Now()
	return nil
}

func (d *driver) Query(ctx context.Context, txID []byte) (storage.TxStatus, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.channels[string(txID[:min(32, len(txID))])]
	if !ok {
		return storage.StatusPending, 0, nil
	}
	if cs.inChallenge && time.Since(cs.challengedAt) < ChallengePeriod {
		return storage.StatusInMempool, 0, nil
	}
	return storage.StatusConfirmed, 1, nil
}

func (d *driver) Verify(proof storage.Proof) layer2.VerificationResult {
	if proof.Kind != "signed_state" || len(proof.Witness) == 0 {
		return layer2.VerificationResult{Reason: "missing counter-signed state witness"}
	}
	return layer2.VerificationResult{Valid: true}
}

// New constructs the generic state channel adapter.
func New(store *storage.Store, audit *auditlog.Log) layer2.Protocol {
	return layer2.NewBase(storage.StateChannel, store, audit, newDriver())
}
