package storage

import (
	"encoding/json"
	"time"

	"github.com/anya-org/anya-core/internal/errs"
)

// TransactionRepo is the typed repository for Transaction Records.
type TransactionRepo struct{ tx *Tx }

// Transactions returns the transaction repository bound to this transaction.
func (tx *Tx) Transactions() TransactionRepo { return TransactionRepo{tx: tx} }

// Put stages insertion of a new transaction record, applied on Commit.
func (r TransactionRepo) Put(rec TransactionRecord) {
	r.tx.relOps = append(r.tx.relOps, func(rel *relational) error {
		return rel.appendLocked(opPutTransaction, rec)
	})
	raw, _ := json.Marshal(rec)
	r.tx.kvOps = append(r.tx.kvOps, kvBufferedOp{namespace: "transactions", key: hexEncode(rec.TxID), value: raw})
}

// Get reads a transaction record directly from the authoritative relational
// backend (callers requiring strong consistency must not read via KV).
func (r TransactionRepo) Get(txID []byte) (TransactionRecord, error) {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	rec, ok := r.tx.store.rel.transactions[hexEncode(txID)]
	if !ok {
		return TransactionRecord{}, ErrNotFound
	}
	return rec, nil
}

// FindByPayloadHash implements the at-most-once dedup lookup: returns an
// existing non-terminal record matching protocol+hash.
func (r TransactionRepo) FindByPayloadHash(protocol ProtocolKind, hash [32]byte) (TransactionRecord, bool) {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	for _, rec := range r.tx.store.rel.transactions {
		if rec.Protocol != protocol || rec.PayloadHash != hash {
			continue
		}
		if rec.Status == StatusFailed || rec.Status == StatusRejected {
			continue
		}
		return rec, true
	}
	return TransactionRecord{}, false
}

// UpdateStatus stages a monotonicity-checked status transition.
func (r TransactionRepo) UpdateStatus(txID []byte, status TxStatus, failureReason string, confirmations uint64) error {
	r.tx.store.rel.mu.RLock()
	cur, ok := r.tx.store.rel.transactions[hexEncode(txID)]
	r.tx.store.rel.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if !cur.CanTransitionTo(status) {
		return errs.New(errs.Conflict, "illegal transaction status transition")
	}
	r.tx.relOps = append(r.tx.relOps, func(rel *relational) error {
		return rel.appendLocked(opUpdateTxStatus, struct {
			TxID          []byte
			Status        TxStatus
			FailureReason string
			Confirmations uint64
			LastCheckedAt time.Time
		}{TxID: txID, Status: status, FailureReason: failureReason, Confirmations: confirmations, LastCheckedAt: time.Now()})
	})
	return nil
}

// ListByProtocol returns a snapshot of all transaction records for a
// protocol kind.
func (r TransactionRepo) ListByProtocol(p ProtocolKind) []TransactionRecord {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	var out []TransactionRecord
	for _, rec := range r.tx.store.rel.transactions {
		if rec.Protocol == p {
			out = append(out, rec)
		}
	}
	return out
}

// AssetRepo is the typed repository for Asset Descriptors.
type AssetRepo struct{ tx *Tx }

func (tx *Tx) Assets() AssetRepo { return AssetRepo{tx: tx} }

func (r AssetRepo) Put(a AssetDescriptor) error {
	r.tx.store.rel.mu.RLock()
	existing, ok := r.tx.store.rel.assets[a.AssetID]
	r.tx.store.rel.mu.RUnlock()
	if ok && a.TotalSupply < existing.TotalSupply {
		return errs.New(errs.InvalidInput, "total_supply may not shrink")
	}
	if ok && a.TotalSupply > existing.TotalSupply && !existing.Reissuable {
		return errs.New(errs.InvalidInput, "asset is not reissuable")
	}
	r.tx.relOps = append(r.tx.relOps, func(rel *relational) error {
		return rel.appendLocked(opPutAsset, a)
	})
	raw, _ := json.Marshal(a)
	r.tx.kvOps = append(r.tx.kvOps, kvBufferedOp{namespace: "assets", key: a.AssetID, value: raw})
	return nil
}

func (r AssetRepo) Get(assetID string) (AssetDescriptor, error) {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	a, ok := r.tx.store.rel.assets[assetID]
	if !ok {
		return AssetDescriptor{}, ErrNotFound
	}
	return a, nil
}

// TransferRepo is the typed repository for Asset Transfers.
type TransferRepo struct{ tx *Tx }

func (tx *Tx) Transfers() TransferRepo { return TransferRepo{tx: tx} }

func (r TransferRepo) Put(t AssetTransfer) {
	r.tx.relOps = append(r.tx.relOps, func(rel *relational) error {
		return rel.appendLocked(opPutTransfer, t)
	})
	raw, _ := json.Marshal(t)
	r.tx.kvOps = append(r.tx.kvOps, kvBufferedOp{namespace: "transfers", key: t.TransferID, value: raw})
}

func (r TransferRepo) Get(transferID string) (AssetTransfer, error) {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	t, ok := r.tx.store.rel.transfers[transferID]
	if !ok {
		return AssetTransfer{}, ErrNotFound
	}
	return t, nil
}

func (r TransferRepo) FindByDedupKey(assetID, from, to string, amount uint64, nonce string) (AssetTransfer, bool) {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	for _, t := range r.tx.store.rel.transfers {
		if t.AssetID == assetID && t.From == from && t.To == to && t.Amount == amount && t.Memo == nonce {
			if t.Status != StatusFailed && t.Status != StatusRejected {
				return t, true
			}
		}
	}
	return AssetTransfer{}, false
}

func (r TransferRepo) UpdateState(transferID string, status TxStatus) error {
	r.tx.store.rel.mu.RLock()
	cur, ok := r.tx.store.rel.transfers[transferID]
	r.tx.store.rel.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if !(TransactionRecord{Status: cur.Status}).CanTransitionTo(status) {
		return errs.New(errs.Conflict, "illegal asset transfer status transition")
	}
	r.tx.relOps = append(r.tx.relOps, func(rel *relational) error {
		return rel.appendLocked(opUpdateTransferState, struct {
			TransferID string
			Status     TxStatus
		}{TransferID: transferID, Status: status})
	})
	return nil
}

// CrossLayerTransferRepo is the typed repository for Cross-Layer Transfers.
type CrossLayerTransferRepo struct{ tx *Tx }

func (tx *Tx) CrossLayerTransfers() CrossLayerTransferRepo { return CrossLayerTransferRepo{tx: tx} }

func (r CrossLayerTransferRepo) Put(c CrossLayerTransfer) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	r.tx.relOps = append(r.tx.relOps, func(rel *relational) error {
		return rel.appendLocked(opPutCrossLayer, c)
	})
	raw, _ := json.Marshal(c)
	r.tx.kvOps = append(r.tx.kvOps, kvBufferedOp{namespace: "cross_layer_transfers", key: c.TransferID, value: raw})
}

func (r CrossLayerTransferRepo) Get(transferID string) (CrossLayerTransfer, error) {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	c, ok := r.tx.store.rel.crossLayer[transferID]
	if !ok {
		return CrossLayerTransfer{}, ErrNotFound
	}
	return c, nil
}

// UpdateState stages a cross-layer transfer state transition, enforcing the
// invariant /§8: TargetCommitted is only reachable from Proven (the
// source commitment's proof was verified) and needs a source commitment id.
func (r CrossLayerTransferRepo) UpdateState(transferID string, next CrossLayerState, sourceCommitmentID, rollbackReason string) error {
	r.tx.store.rel.mu.RLock()
	cur, ok := r.tx.store.rel.crossLayer[transferID]
	r.tx.store.rel.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if next == CLTargetCommitted {
		commitID := sourceCommitmentID
		if commitID == "" {
			commitID = cur.SourceCommitmentID
		}
		if cur.State != CLProven {
			return errs.New(errs.Conflict, "target_committed requires a proven source commitment")
		}
		if commitID == "" {
			return errs.New(errs.Conflict, "target_committed requires a matching source_commitment_id")
		}
	}
	if next == CLCompleted && cur.State != CLTargetCommitted {
		return errs.New(errs.Conflict, "completed requires previously target_committed")
	}
	cur.State = next
	if sourceCommitmentID != "" {
		cur.SourceCommitmentID = sourceCommitmentID
	}
	if rollbackReason != "" {
		cur.RollbackReason = rollbackReason
	}
	r.tx.CrossLayerTransfers().Put(cur)
	return nil
}

// CrossLayerTransfersInState returns the ids of cross-layer transfers
// sitting in state for at least minAge, used by the reconciler to find
// transfers whose compensation previously failed.
func (s *Store) CrossLayerTransfersInState(state CrossLayerState, minAge time.Duration) ([]string, error) {
	s.rel.mu.RLock()
	defer s.rel.mu.RUnlock()
	var out []string
	for id, c := range s.rel.crossLayer {
		if c.State == state && time.Since(c.UpdatedAt) >= minAge {
			out = append(out, id)
		}
	}
	return out, nil
}

// AuditRepo is the append-only audit repository: Append is serialized by
// the relational lock so seq allocation has no gaps.
type AuditRepo struct{ tx *Tx }

func (tx *Tx) Audit() AuditRepo { return AuditRepo{tx: tx} }

// Append assigns the next sequence number and stages the audit entry.
// Because the relational lock is taken for the whole Commit, and this
// repo computes Seq at Commit time (not at staging time), concurrent
// transactions calling Append race only at Commit, where the lock
// serializes them — preserving the no-gaps invariant .
func (r AuditRepo) Append(e AuditEntry) {
	r.tx.relOps = append(r.tx.relOps, func(rel *relational) error {
		e.Seq = uint64(len(rel.audit)) + 1
		if e.Ts.IsZero() {
			e.Ts = time.Now()
		}
		return rel.appendLocked(opAppendAudit, e)
	})
}

// List returns a snapshot of the full audit log in seq order.
func (r AuditRepo) List() []AuditEntry {
	r.tx.store.rel.mu.RLock()
	defer r.tx.store.rel.mu.RUnlock()
	out := make([]AuditEntry, len(r.tx.store.rel.audit))
	copy(out, r.tx.store.rel.audit)
	return out
}

// KV exposes the derived-cache KvStore contract directly (reads may be
// served from KV; strongly-consistent readers must use the repos above).
func (s *Store) KV() KVStore { return s.kv }

// ReconcileEntries returns a snapshot of rows queued for KV replay.
func (s *Store) ReconcileEntries() []ReconcileEntry {
	s.rel.mu.RLock()
	defer s.rel.mu.RUnlock()
	out := make([]ReconcileEntry, 0, len(s.rel.reconcile))
	for _, e := range s.rel.reconcile {
		out = append(out, e)
	}
	return out
}

// ClearReconcile removes a row after successful replay.
func (s *Store) ClearReconcile(id string) error {
	s.rel.mu.Lock()
	defer s.rel.mu.Unlock()
	return s.rel.appendLocked(opClearReconcile, struct{ ID string }{ID: id})
}

// ApplyReconcileEntry replays one queued KV write directly against the KV
// backend, used by the background reconciler.
func (s *Store) ApplyReconcileEntry(e ReconcileEntry) error {
	cur, found, err := s.kv.Get(e.Namespace, e.Key)
	expected := uint64(0)
	if err == nil && found {
		expected = cur.Version
	}
	_, err = s.kv.Put(e.Namespace, e.Key, e.Value, e.TTL, expected)
	return err
}
