// Package storage implements the dual-backend persistent storage layer: a
// relational backend (the authoritative append-only log) and a key-value
// backend (a derived cache/index), unified behind one transactional
// façade. The relational side rebuilds its in-memory indices by replaying a
// WAL; the KV
// side follows a simple namespaced get/put/iterate contract.
package storage

import (
	"fmt"
	"time"

	"github.com/anya-org/anya-core/internal/errs"
)

// ProtocolKind is the closed set of supported Layer2 protocols. It is an
// immutable identifier used in routing, persisted records, and audit events.
type ProtocolKind string

const (
	Lightning     ProtocolKind = "lightning"
	Liquid        ProtocolKind = "liquid"
	RSK           ProtocolKind = "rsk"
	Stacks        ProtocolKind = "stacks"
	BOB           ProtocolKind = "bob"
	TaprootAssets ProtocolKind = "taproot_assets"
	RGB           ProtocolKind = "rgb"
	DLC           ProtocolKind = "dlc"
	StateChannel  ProtocolKind = "state_channel"
)

// AllProtocolKinds enumerates the closed set for registry validation.
var AllProtocolKinds = []ProtocolKind{Lightning, Liquid, RSK, Stacks, BOB, TaprootAssets, RGB, DLC, StateChannel}

// TxStatus is the lifecycle state of a TransactionRecord / AssetTransfer.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusInMempool TxStatus = "in_mempool"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
	StatusRejected  TxStatus = "rejected"
)

// TransactionRecord is immutable except Status, Confirmations and
// LastCheckedAt. See the and the monotonicity invariants of §8.
type TransactionRecord struct {
	TxID          []byte
	Protocol      ProtocolKind
	PayloadHash   [32]byte
	SubmittedAt   time.Time
	Status        TxStatus
	FailureReason string
	Confirmations uint64
	LastCheckedAt time.Time
}

// CanTransitionTo enforces the monotonicity invariant /§8:
// Confirmed→Pending and Confirmed→Rejected are forbidden; Pending→Failed
// and Confirmed→Confirmed(n+1) are allowed.
func (t TransactionRecord) CanTransitionTo(next TxStatus) bool {
	if t.Status == StatusConfirmed {
		return next == StatusConfirmed
	}
	return true
}

// AssetDescriptor is created once at issuance; TotalSupply may only grow
// if Reissuable is set.
type AssetDescriptor struct {
	AssetID      string
	IssuingProto ProtocolKind
	Precision    uint8
	TotalSupply  uint64
	MetadataHash [32]byte
	Reissuable   bool
}

// AssetTransfer shares the TransactionRecord monotonicity discipline.
type AssetTransfer struct {
	TransferID string
	AssetID    string
	From       string
	To         string
	Amount     uint64
	Memo       string
	Protocol   ProtocolKind
	Status     TxStatus
}

// CrossLayerState is the state machine of a CrossLayerTransfer.
type CrossLayerState string

const (
	CLPending         CrossLayerState = "pending"
	CLSourceCommitted CrossLayerState = "source_committed"
	CLProven          CrossLayerState = "proven"
	CLTargetCommitted CrossLayerState = "target_committed"
	CLCompleted       CrossLayerState = "completed"
	CLRolledBack      CrossLayerState = "rolled_back"
)

// CrossLayerTransfer records one cross-layer asset movement.
type CrossLayerTransfer struct {
	TransferID         string
	Source             ProtocolKind
	Target             ProtocolKind
	AssetID            string
	Amount             uint64
	State              CrossLayerState
	SourceCommitmentID string
	RollbackReason     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Proof is opaque to the manager; interpreted by the target protocol's
// verify. Metadata is a slice of key/value pairs rather than a map.
type Proof struct {
	Kind     string
	Payload  []byte
	Witness  []byte
	Metadata []KV
}

// KV is a single sorted key/value pair, used wherever a map would otherwise
// appear in an RLP-encoded structure.
type KV struct {
	Key   string
	Value string
}

// AuditEntry is the append-only audit record . Seq is assigned
// by the storage layer's single sequence allocator; entries are never
// mutated after Append.
type AuditEntry struct {
	Seq         uint64
	Ts          time.Time
	Actor       string
	Kind        string
	TargetID    string
	Outcome     string
	DetailsHash [32]byte
}

// KVObject is a hot object or cache entry on the key-value side.
type KVObject struct {
	Namespace string
	Key       string
	Value     []byte
	Version   uint64
	TTL       time.Duration
	storedAt  time.Time
}

// Expired reports whether the object's TTL has elapsed.
func (o KVObject) Expired(now time.Time) bool {
	if o.TTL <= 0 {
		return false
	}
	return now.After(o.storedAt.Add(o.TTL))
}

// Errors returned by the storage layer.
var (
	ErrNotFound       = errs.New(errs.NotFound, "not found")
	ErrBusy           = errs.New(errs.Busy, "storage busy")
	ErrCorrupt        = errs.New(errs.Corrupt, "storage corrupt")
	ErrSchemaMismatch = errs.New(errs.SchemaMismatch, "schema mismatch")
)

// Conflict builds a version-conflict error Conflict(version).
func Conflict(version uint64) error {
	return errs.New(errs.Conflict, fmt.Sprintf("version conflict: current version is %d", version))
}
