package layer2

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/errs"
	"github.com/anya-org/anya-core/internal/storage"
)

// NetworkDriver is implemented once per protocol (lightning, liquid, rsk,
// ...) and supplies the network-facing half of the contract. Base handles
// everything state/storage/audit related; drivers only speak to the
// outside world.
type NetworkDriver interface {
	Dial(ctx context.Context, cfg EndpointConfig) error
	Shutdown(ctx context.Context) error
	Submit(ctx context.Context, payload []byte) error
	Query(ctx context.Context, txID []byte) (status storage.TxStatus, confirmations uint64, err error)
	Verify(proof storage.Proof) VerificationResult
}

// Base implements the storage-backed half of Protocol: state machine,
// at-most-once dedup, audit, and the sync/async pairing via blockingAdapter.
// Concrete adapters embed *Base and supply a NetworkDriver, following the
// teacher's pattern of a package-level singleton guarding a mutex-protected
// map (core/lightning_node.go's LightningNode), generalized to an
// injectable driver so every protocol shares one implementation of the
// storage-facing logic.
type Base struct {
	blockingAdapter

	kind   storage.ProtocolKind
	store  *storage.Store
	audit  *auditlog.Log
	driver NetworkDriver

	mu              sync.RWMutex
	state           ProtocolState
	freshnessWindow time.Duration
}

var _ Protocol = (*Base)(nil)

// NewBase constructs a Base for kind, wired to driver.
func NewBase(kind storage.ProtocolKind, store *storage.Store, audit *auditlog.Log, driver NetworkDriver) *Base {
	return &Base{
		kind:   kind,
		store:  store,
		audit:  audit,
		driver: driver,
		state:  StateUninitialized,
	}
}

func (b *Base) Kind() storage.ProtocolKind { return b.kind }

func (b *Base) State() ProtocolState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Base) transition(next ProtocolState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == next {
		return nil // idempotent
	}
	if !b.state.CanTransitionTo(next) {
		return errs.New(errs.Conflict, "illegal protocol state transition")
	}
	logger := zap.L().Sugar()
	logger.Debugw("layer2 protocol state transition", "protocol", b.kind, "from", b.state, "to", next)
	b.state = next
	return nil
}

func (b *Base) appendAudit(ctx context.Context, kind, targetID, outcome string) {
	tx, err := b.store.Begin(ctx)
	if err != nil {
		return
	}
	_ = b.audit.Append(ctx, tx, string(b.kind), kind, targetID, outcome, auditlog.Details{Operation: kind})
	_ = tx.Commit()
}

// InitializeAsync is one-shot and idempotent.
func (b *Base) InitializeAsync(ctx context.Context, cfg EndpointConfig) error {
	b.mu.Lock()
	if b.state != StateUninitialized {
		b.mu.Unlock()
		return nil
	}
	b.state = StateInitializing
	b.freshnessWindow = cfg.FreshnessWindow
	b.mu.Unlock()

	if err := b.driver.Dial(ctx, cfg); err != nil {
		_ = b.transition(StateFailed)
		b.appendAudit(ctx, "initialize", string(b.kind), "failed")
		return errs.Wrap(errs.NotConnected, err, "initialize failed")
	}
	if err := b.transition(StateConnected); err != nil {
		return err
	}
	b.appendAudit(ctx, "initialize", string(b.kind), "ok")
	return nil
}

func (b *Base) ConnectAsync(ctx context.Context) error {
	if b.State() == StateConnected {
		return nil
	}
	if err := b.driver.Dial(ctx, EndpointConfig{FreshnessWindow: b.freshnessWindow}); err != nil {
		_ = b.transition(StateFailed)
		return errs.Wrap(errs.NotConnected, err, "connect failed")
	}
	return b.transition(StateConnected)
}

// DisconnectAsync drains in-flight operations with a bounded timeout before
// transitioning to Disconnected.
func (b *Base) DisconnectAsync(ctx context.Context, drainTimeout time.Duration) error {
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := b.driver.Shutdown(dctx); err != nil {
		return errs.Wrap(errs.TransportError, err, "disconnect drain failed")
	}
	return b.transition(StateDisconnected)
}

// requireConnected allows Connected and Degraded: reads tolerate degraded
// connectivity.
func (b *Base) requireConnected() error {
	s := b.State()
	if s != StateConnected && s != StateDegraded {
		return errs.New(errs.NotConnected, "protocol not connected")
	}
	return nil
}

// requireFullyConnected only allows Connected: writes fail fast in Degraded
// rather than risk submitting against a flaky network path.
func (b *Base) requireFullyConnected() error {
	if b.State() != StateConnected {
		return errs.New(errs.NotConnected, "protocol not fully connected")
	}
	return nil
}

// SubmitTransactionAsync persists a Pending record before network
// submission and achieves at-most-once effect via payload-hash dedup.
func (b *Base) SubmitTransactionAsync(ctx context.Context, payload []byte) (string, error) {
	if err := b.requireFullyConnected(); err != nil {
		return "", err
	}
	hash := PayloadHash(payload)

	tx, err := b.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	if existing, found := tx.Transactions().FindByPayloadHash(b.kind, hash); found {
		tx.Rollback()
		return hexString(existing.TxID), nil
	}

	txID := hash[:]
	tx.Transactions().Put(storage.TransactionRecord{
		TxID:        txID,
		Protocol:    b.kind,
		PayloadHash: hash,
		SubmittedAt: time.Now(),
		Status:      storage.StatusPending,
	})
	if err := tx.Commit(); err != nil {
		return "", err
	}

	if err := b.driver.Submit(ctx, payload); err != nil {
		// Transport failure: record remains Pending, retried by reconciler.
		b.appendAudit(ctx, "submit_transaction", hexString(txID), "transport_error")
		return hexString(txID), nil
	}

	tx2, err := b.store.Begin(ctx)
	if err == nil {
		_ = tx2.Transactions().UpdateStatus(txID, storage.StatusInMempool, "", 0)
		_ = tx2.Commit()
	}
	b.appendAudit(ctx, "submit_transaction", hexString(txID), "ok")
	return hexString(txID), nil
}

// CheckTransactionStatusAsync reads cached status; if stale beyond the
// per-protocol freshness window it queries the network and updates the
// record in a single storage transaction.
func (b *Base) CheckTransactionStatusAsync(ctx context.Context, txIDHex string) (storage.TxStatus, error) {
	txID, err := decodeTxID(txIDHex)
	if err != nil {
		return "", err
	}

	tx, err := b.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	rec, err := tx.Transactions().Get(txID)
	tx.Rollback()
	if err != nil {
		return "", err
	}

	reference := rec.LastCheckedAt
	if reference.IsZero() {
		reference = rec.SubmittedAt
	}
	if b.freshnessWindow > 0 && !reference.IsZero() && time.Since(reference) < b.freshnessWindow {
		return rec.Status, nil
	}

	status, confirmations, qerr := b.driver.Query(ctx, txID)
	if qerr != nil {
		return rec.Status, nil
	}

	tx2, err := b.store.Begin(ctx)
	if err != nil {
		return status, nil
	}
	_ = tx2.Transactions().UpdateStatus(txID, status, "", confirmations)
	_ = tx2.Commit()
	return status, nil
}

// IssueAssetAsync persists a new asset descriptor.
func (b *Base) IssueAssetAsync(ctx context.Context, a storage.AssetDescriptor) (string, error) {
	if err := b.requireFullyConnected(); err != nil {
		return "", err
	}
	a.IssuingProto = b.kind
	tx, err := b.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	if err := tx.Assets().Put(a); err != nil {
		tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	b.appendAudit(ctx, "issue_asset", a.AssetID, "ok")
	return a.AssetID, nil
}

// TransferAssetAsync applies the same at-most-once discipline as
// SubmitTransactionAsync, keyed by (asset_id, from, to, amount, nonce).
func (b *Base) TransferAssetAsync(ctx context.Context, t storage.AssetTransfer) (string, error) {
	if err := b.requireFullyConnected(); err != nil {
		return "", err
	}
	t.Protocol = b.kind

	tx, err := b.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	if existing, found := tx.Transfers().FindByDedupKey(t.AssetID, t.From, t.To, t.Amount, t.Memo); found {
		tx.Rollback()
		return existing.TransferID, nil
	}
	if t.TransferID == "" {
		t.TransferID = hexString(PayloadHash([]byte(t.AssetID + t.From + t.To + t.Memo))[:])
	}
	t.Status = storage.StatusPending
	tx.Transfers().Put(t)
	if err := tx.Commit(); err != nil {
		return "", err
	}

	payload := []byte(t.AssetID + ":" + t.From + ":" + t.To)
	if err := b.driver.Submit(ctx, payload); err != nil {
		b.appendAudit(ctx, "transfer_asset", t.TransferID, "transport_error")
		return t.TransferID, nil
	}

	tx2, err := b.store.Begin(ctx)
	if err == nil {
		_ = tx2.Transfers().UpdateState(t.TransferID, storage.StatusInMempool)
		_ = tx2.Commit()
	}
	b.appendAudit(ctx, "transfer_asset", t.TransferID, "ok")
	return t.TransferID, nil
}

// VerifyProof is a pure function over (proof, current state); it never
// mutates persistent state.
func (b *Base) VerifyProof(proof storage.Proof) VerificationResult {
	return b.driver.Verify(proof)
}

// --- synchronous wrappers, each driving the async form via blockingAdapter ---

func (b *Base) Initialize(cfg EndpointConfig) error {
	return b.blockingAdapter.run(func(ctx context.Context) error { return b.InitializeAsync(ctx, cfg) })
}

func (b *Base) Connect() error {
	return b.blockingAdapter.run(func(ctx context.Context) error { return b.ConnectAsync(ctx) })
}

func (b *Base) Disconnect(drainTimeout time.Duration) error {
	return b.blockingAdapter.run(func(ctx context.Context) error { return b.DisconnectAsync(ctx, drainTimeout) })
}

func (b *Base) SubmitTransaction(payload []byte) (string, error) {
	return runWithResult(b.blockingAdapter, func(ctx context.Context) (string, error) {
		return b.SubmitTransactionAsync(ctx, payload)
	})
}

func (b *Base) CheckTransactionStatus(txIDHex string) (storage.TxStatus, error) {
	return runWithResult(b.blockingAdapter, func(ctx context.Context) (storage.TxStatus, error) {
		return b.CheckTransactionStatusAsync(ctx, txIDHex)
	})
}

func (b *Base) IssueAsset(a storage.AssetDescriptor) (string, error) {
	return runWithResult(b.blockingAdapter, func(ctx context.Context) (string, error) {
		return b.IssueAssetAsync(ctx, a)
	})
}

func (b *Base) TransferAsset(t storage.AssetTransfer) (string, error) {
	return runWithResult(b.blockingAdapter, func(ctx context.Context) (string, error) {
		return b.TransferAssetAsync(ctx, t)
	})
}
