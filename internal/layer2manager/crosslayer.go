package layer2manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/storage"
)

func escrowAddress(transferID string) string { return "escrow:" + transferID }
func protoAddress(kind storage.ProtocolKind) string { return "layer2:" + string(kind) }

// CrossLayerTransfer drives a CrossLayerTransfer through its seven steps:
// withdraw from the source into an escrow address, build a proof of that
// commitment, deposit into the target from escrow, and compensate the
// source on any failure before the target has committed.
func (m *Manager) CrossLayerTransfer(ctx context.Context, source, target storage.ProtocolKind, assetID string, amount uint64) (string, error) {
	src, err := m.GetProtocol(source)
	if err != nil {
		return "", err
	}
	dst, err := m.GetProtocol(target)
	if err != nil {
		return "", err
	}

	transferID := uuid.NewString()
	if err := m.putCrossLayer(storage.CrossLayerTransfer{
		TransferID: transferID,
		Source:     source,
		Target:     target,
		AssetID:    assetID,
		Amount:     amount,
		State:      storage.CLPending,
	}); err != nil {
		return "", err
	}
	m.appendAudit(ctx, "cross_layer_transfer", transferID, "started")

	// Step 2-3: withdraw from source into escrow, record source_commitment_id.
	sourceCommitmentID, err := src.TransferAssetAsync(ctx, storage.AssetTransfer{
		AssetID: assetID,
		From:    protoAddress(source),
		To:      escrowAddress(transferID),
		Amount:  amount,
		Memo:    transferID,
	})
	if err != nil {
		_ = m.updateCrossLayerState(transferID, storage.CLRolledBack, "", "source withdraw failed: "+err.Error())
		m.appendAudit(ctx, "cross_layer_transfer", transferID, "rolled_back")
		return transferID, nil
	}
	if err := m.updateCrossLayerState(transferID, storage.CLSourceCommitted, sourceCommitmentID, ""); err != nil {
		return transferID, err
	}

	// Step 4: build a proof from the source commitment.
	proof := storage.Proof{
		Kind:    "cross_layer_commitment",
		Payload: []byte(sourceCommitmentID),
		Witness: []byte(sourceCommitmentID),
		Metadata: []storage.KV{
			{Key: "asset_id", Value: assetID},
			{Key: "amount", Value: fmt.Sprintf("%d", amount)},
			{Key: "source", Value: string(source)},
		},
	}

	verdict := dst.VerifyProof(proof)
	if !verdict.Valid {
		m.compensate(ctx, src, transferID, sourceCommitmentID, source, assetID, amount, "target rejected proof: "+verdict.Reason)
		return transferID, nil
	}
	if err := m.updateCrossLayerState(transferID, storage.CLProven, "", ""); err != nil {
		return transferID, err
	}

	// Step 5: deposit into target from escrow.
	if _, err := dst.TransferAssetAsync(ctx, storage.AssetTransfer{
		AssetID: assetID,
		From:    escrowAddress(transferID),
		To:      protoAddress(target),
		Amount:  amount,
		Memo:    transferID,
	}); err != nil {
		m.compensate(ctx, src, transferID, sourceCommitmentID, source, assetID, amount, "target deposit failed: "+err.Error())
		return transferID, nil
	}

	// Step 6: target_committed, then completed.
	if err := m.updateCrossLayerState(transferID, storage.CLTargetCommitted, sourceCommitmentID, ""); err != nil {
		return transferID, err
	}
	if err := m.updateCrossLayerState(transferID, storage.CLCompleted, "", ""); err != nil {
		return transferID, err
	}
	m.appendAudit(ctx, "cross_layer_transfer", transferID, "completed")
	return transferID, nil
}

// compensate runs step 7's cancel_or_refund: move the escrowed amount back
// to the source. If the refund itself fails the transfer is deliberately
// left in SourceCommitted for the reconciler.
func (m *Manager) compensate(ctx context.Context, src layer2.Protocol, transferID, sourceCommitmentID string, source storage.ProtocolKind, assetID string, amount uint64, reason string) {
	_, err := src.TransferAssetAsync(ctx, storage.AssetTransfer{
		AssetID: assetID,
		From:    escrowAddress(transferID),
		To:      protoAddress(source),
		Amount:  amount,
		Memo:    transferID + ":refund",
	})
	if err != nil {
		m.appendAudit(ctx, "cross_layer_transfer", transferID, "compensation_failed")
		m.lg.WithField("transfer_id", transferID).WithError(err).
			Warn("cross-layer compensation failed, leaving transfer source_committed for the reconciler")
		return
	}
	_ = m.updateCrossLayerState(transferID, storage.CLRolledBack, sourceCommitmentID, reason)
	m.appendAudit(ctx, "cross_layer_transfer", transferID, "rolled_back")
}

// RetryCompensation re-attempts step 7's cancel_or_refund for a transfer
// the reconciler found stuck in SourceCommitted/§9.
func (m *Manager) RetryCompensation(ctx context.Context, transferID string) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}
	rec, err := tx.CrossLayerTransfers().Get(transferID)
	tx.Rollback()
	if err != nil {
		return err
	}
	if rec.State != storage.CLSourceCommitted {
		return nil // already advanced by a concurrent sweep
	}
	src, err := m.GetProtocol(rec.Source)
	if err != nil {
		return err
	}
	m.compensate(ctx, src, rec.TransferID, rec.SourceCommitmentID, rec.Source, rec.AssetID, rec.Amount, "reconciler: compensating stuck transfer")
	return nil
}

// VerifyCrossLayerProof delegates to the target protocol's verify_proof.
func (m *Manager) VerifyCrossLayerProof(proof storage.Proof, targetKind storage.ProtocolKind) (bool, error) {
	p, err := m.GetProtocol(targetKind)
	if err != nil {
		return false, err
	}
	return p.VerifyProof(proof).Valid, nil
}

func (m *Manager) putCrossLayer(c storage.CrossLayerTransfer) error {
	tx, err := m.store.Begin(context.Background())
	if err != nil {
		return err
	}
	tx.CrossLayerTransfers().Put(c)
	return tx.Commit()
}

func (m *Manager) updateCrossLayerState(transferID string, next storage.CrossLayerState, sourceCommitmentID, rollbackReason string) error {
	tx, err := m.store.Begin(context.Background())
	if err != nil {
		return err
	}
	if err := tx.CrossLayerTransfers().UpdateState(transferID, next, sourceCommitmentID, rollbackReason); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Manager) appendAudit(ctx context.Context, kind, targetID, outcome string) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return
	}
	_ = m.audit.Append(ctx, tx, "layer2manager", kind, targetID, outcome, auditlog.Details{Operation: kind})
	_ = tx.Commit()
}
