// Package lightning adapts the Lightning Network to the layer2.Protocol
// contract. Off-chain channel state is a mutex-guarded map of channels
// keyed by a SHA-256(A||B||nonce) id, with escrowed balances updated in
// place on each payment. Unlike the bridge-style protocols, "submitting a
// transaction" here means routing an off-chain payment through an existing
// channel rather than broadcasting to a base-layer network, so this package
// keeps its own NetworkDriver instead of reusing bridgedriver.
package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/errs"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/storage"
)

// ChannelID uniquely identifies a Lightning payment channel.
type ChannelID [32]byte

// Channel is a two-party off-chain balance.
type Channel struct {
	ID       ChannelID
	BalanceA uint64
	BalanceB uint64
	Nonce    uint64
}

type driver struct {
	mu       sync.Mutex
	channels map[ChannelID]*Channel
	nonce    uint64
	dialed   bool
}

func newDriver() *driver {
	return &driver{channels: make(map[ChannelID]*Channel)}
}

func (d *driver) Dial(ctx context.Context, cfg layer2.EndpointConfig) error {
	if cfg.Endpoint == "" {
		return errs.New(errs.ConfigError, "lightning: endpoint is required")
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

// Submit treats payload as a route: 32-byte channel id followed by an
// 8-byte big-endian amount to move from party A to party B.
func (d *driver) Submit(ctx context.Context, payload []byte) error {
	if len(payload) < 40 {
		return errs.New(errs.InvalidInput, "lightning: malformed route payload")
	}
	var id ChannelID
	copy(id[:], payload[:32])
	amount := binary.BigEndian.Uint64(payload[32:40])

	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.channels[id]
	if !ok {
		ch = &Channel{ID: id}
		d.channels[id] = ch
	}
	if ch.BalanceA < amount {
		return errs.New(errs.Rejected, "lightning: insufficient channel balance")
	}
	ch.BalanceA -= amount
	ch.BalanceB += amount
	ch.Nonce++
	return nil
}

func (d *driver) Query(ctx context.Context, txID []byte) (storage.TxStatus, uint64, error) {
	// Off-chain routes settle immediately once the HTLC resolves; there is
	// no confirmation count to poll.
	return storage.StatusConfirmed, 1, nil
}

func (d *driver) Verify(proof storage.Proof) layer2.VerificationResult {
	if proof.Kind != "htlc_preimage" || len(proof.Witness) == 0 {
		return layer2.VerificationResult{Reason: "missing htlc preimage witness"}
	}
	return layer2.VerificationResult{Valid: true}
}

// New constructs the Lightning adapter.
func New(store *storage.Store, audit *auditlog.Log) layer2.Protocol {
	return layer2.NewBase(storage.Lightning, store, audit, newDriver())
}

// DeriveChannelID derives a channel id as sha256(partyA || partyB || nonce).
func DeriveChannelID(partyA, partyB []byte, nonce uint64) ChannelID {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	h := sha256.Sum256(append(append(append([]byte{}, partyA...), partyB...), buf...))
	var id ChannelID
	copy(id[:], h[:])
	return id
}
