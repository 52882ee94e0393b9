// Package auditlog is the single authenticated entry point shared by the
// HSM, the Layer2 manager, and the protocol adapters for recording
// state-changing operations/§4.2. It wraps
// storage.AuditRepo so every caller commits through the same append path
// and computes DetailsHash the same way, rather than hand-rolling a hash at
// each call site. DetailsHash
// commits to the operation's arguments via RLP encoding (go-ethereum's
// canonical, deterministic byte-serialization) followed by SHA-256, so the
// same logical call always produces the same hash regardless of map
// iteration order or struct field padding.
package auditlog

import (
	"context"
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/anya-org/anya-core/internal/errs"
	"github.com/anya-org/anya-core/internal/storage"
)

// Details is the RLP-encodable argument commitment for one audit entry.
// Fields are ordered deterministically; Extra carries operation-specific
// key/value pairs as a sorted slice (storage.KV) rather than a map, since
// RLP has no native map type.
type Details struct {
	Operation string
	Extra     []storage.KV
}

// Log is the append-only audit entry point. It never itself opens a
// transaction: callers append within the same storage.Tx as the mutation
// they are recording, so the audit entry and the mutation commit atomically
// .
type Log struct{}

// New constructs a Log. It is a zero-size type; the constructor exists so
// call sites read the same way as other subsystem constructors.
func New() *Log { return &Log{} }

// Append stages an audit entry in tx recording actor performing kind against
// targetID with outcome, committing to details via RLP+SHA-256.
func (l *Log) Append(ctx context.Context, tx *storage.Tx, actor, kind, targetID, outcome string, details Details) error {
	encoded, err := rlp.EncodeToBytes(details)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "rlp encode audit details")
	}
	hash := sha256.Sum256(encoded)
	tx.Audit().Append(storage.AuditEntry{
		Actor:       actor,
		Kind:        kind,
		TargetID:    targetID,
		Outcome:     outcome,
		DetailsHash: hash,
	})
	return nil
}

// Verify recomputes the details hash for a (hypothetical) reconstruction of
// the original call arguments, letting an auditor confirm a claimed
// operation matches a persisted entry without storing the arguments
// themselves in the clear.
func Verify(entry storage.AuditEntry, details Details) (bool, error) {
	encoded, err := rlp.EncodeToBytes(details)
	if err != nil {
		return false, errs.Wrap(errs.IoError, err, "rlp encode audit details")
	}
	hash := sha256.Sum256(encoded)
	return hash == entry.DetailsHash, nil
}
