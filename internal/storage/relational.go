package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anya-org/anya-core/internal/errs"
)

// walOp tags the kind of mutation recorded in one WAL line: the WAL is a
// line-delimited JSON log replayed on startup to rebuild in-memory indices.
type walOp string

const (
	opPutTransaction      walOp = "put_transaction"
	opUpdateTxStatus      walOp = "update_tx_status"
	opPutAsset            walOp = "put_asset"
	opPutTransfer         walOp = "put_transfer"
	opUpdateTransferState walOp = "update_transfer_state"
	opPutCrossLayer       walOp = "put_cross_layer"
	opUpdateCrossLayer    walOp = "update_cross_layer"
	opAppendAudit         walOp = "append_audit"
	opEnqueueReconcile    walOp = "enqueue_reconcile"
	opClearReconcile      walOp = "clear_reconcile"
	opPutKey              walOp = "put_key"
	opPutSession          walOp = "put_session"
	opSetNonce            walOp = "set_nonce"
)

type walLine struct {
	Op      walOp           `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// ReconcileEntry is a row of the kv_reconcile table: a KV write that failed
// to apply after its owning relational transaction committed, queued for
// replay by the reconciler.
type ReconcileEntry struct {
	ID        string
	Namespace string
	Key       string
	Value     []byte
	TTL       time.Duration
	QueuedAt  time.Time
}

// relational is the authoritative log: the relational half of the dual
// backend store. It is append-only on disk (WAL) with in-memory indices
// rebuilt by replay, and a single global mutex standing in for per-row
// locking (readers see a consistent snapshot because all mutation happens
// while holding the same lock that snapshots are taken under).
type relational struct {
	mu sync.RWMutex

	walPath string
	wal     *os.File

	transactions map[string]TransactionRecord    // hex(txid) -> record
	assets       map[string]AssetDescriptor       // asset_id -> descriptor
	transfers    map[string]AssetTransfer         // transfer_id -> transfer
	crossLayer   map[string]CrossLayerTransfer    // transfer_id -> transfer
	audit        []AuditEntry                     // append-only, seq = index+1
	reconcile    map[string]ReconcileEntry         // id -> entry
	keys         map[string]KeyMaterial            // key_id -> material
	sessions     map[string]SessionRecord          // session_id -> record
	nonceCounters map[string]uint64                // key_id -> last issued nonce
	schemaVer    int
}

func openRelational(dataDir string) (*relational, error) {
	walPath := filepath.Join(dataDir, "relational.wal")
	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "open relational wal")
	}
	r := &relational{
		walPath:      walPath,
		wal:          f,
		transactions: make(map[string]TransactionRecord),
		assets:       make(map[string]AssetDescriptor),
		transfers:    make(map[string]AssetTransfer),
		crossLayer:   make(map[string]CrossLayerTransfer),
		reconcile:    make(map[string]ReconcileEntry),
		keys:         make(map[string]KeyMaterial),
		sessions:     make(map[string]SessionRecord),
		nonceCounters: make(map[string]uint64),
	}
	if err := r.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *relational) replay() error {
	if _, err := r.wal.Seek(0, 0); err != nil {
		return errs.Wrap(errs.IoError, err, "seek wal")
	}
	scanner := bufio.NewScanner(r.wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var line walLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return errs.Wrap(errs.Corrupt, err, "wal decode")
		}
		if err := r.apply(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.Corrupt, err, "wal scan")
	}
	if _, err := r.wal.Seek(0, 2); err != nil {
		return errs.Wrap(errs.IoError, err, "seek wal end")
	}
	return nil
}

func (r *relational) apply(line walLine) error {
	switch line.Op {
	case opPutTransaction:
		var rec TransactionRecord
		if err := json.Unmarshal(line.Payload, &rec); err != nil {
			return err
		}
		r.transactions[hexEncode(rec.TxID)] = rec
	case opUpdateTxStatus:
		var p struct {
			TxID          []byte
			Status        TxStatus
			FailureReason string
			Confirmations uint64
			LastCheckedAt time.Time
		}
		if err := json.Unmarshal(line.Payload, &p); err != nil {
			return err
		}
		k := hexEncode(p.TxID)
		rec := r.transactions[k]
		rec.Status = p.Status
		rec.FailureReason = p.FailureReason
		rec.Confirmations = p.Confirmations
		rec.LastCheckedAt = p.LastCheckedAt
		r.transactions[k] = rec
	case opPutAsset:
		var a AssetDescriptor
		if err := json.Unmarshal(line.Payload, &a); err != nil {
			return err
		}
		r.assets[a.AssetID] = a
	case opPutTransfer:
		var t AssetTransfer
		if err := json.Unmarshal(line.Payload, &t); err != nil {
			return err
		}
		r.transfers[t.TransferID] = t
	case opUpdateTransferState:
		var p struct {
			TransferID string
			Status     TxStatus
		}
		if err := json.Unmarshal(line.Payload, &p); err != nil {
			return err
		}
		t := r.transfers[p.TransferID]
		t.Status = p.Status
		r.transfers[p.TransferID] = t
	case opPutCrossLayer:
		var c CrossLayerTransfer
		if err := json.Unmarshal(line.Payload, &c); err != nil {
			return err
		}
		r.crossLayer[c.TransferID] = c
	case opUpdateCrossLayer:
		var c CrossLayerTransfer
		if err := json.Unmarshal(line.Payload, &c); err != nil {
			return err
		}
		r.crossLayer[c.TransferID] = c
	case opAppendAudit:
		var e AuditEntry
		if err := json.Unmarshal(line.Payload, &e); err != nil {
			return err
		}
		r.audit = append(r.audit, e)
	case opEnqueueReconcile:
		var e ReconcileEntry
		if err := json.Unmarshal(line.Payload, &e); err != nil {
			return err
		}
		r.reconcile[e.ID] = e
	case opClearReconcile:
		var p struct{ ID string }
		if err := json.Unmarshal(line.Payload, &p); err != nil {
			return err
		}
		delete(r.reconcile, p.ID)
	case opPutKey:
		var k KeyMaterial
		if err := json.Unmarshal(line.Payload, &k); err != nil {
			return err
		}
		r.keys[k.KeyID] = k
	case opPutSession:
		var s SessionRecord
		if err := json.Unmarshal(line.Payload, &s); err != nil {
			return err
		}
		r.sessions[s.SessionID] = s
	case opSetNonce:
		var p struct {
			KeyID string
			Value uint64
		}
		if err := json.Unmarshal(line.Payload, &p); err != nil {
			return err
		}
		r.nonceCounters[p.KeyID] = p.Value
	default:
		return errs.New(errs.Corrupt, fmt.Sprintf("unknown wal op %q", line.Op))
	}
	return nil
}

// appendLocked writes one WAL line. Caller must hold r.mu for writing.
func (r *relational) appendLocked(op walOp, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "encode wal payload")
	}
	line := walLine{Op: op, Payload: b}
	lb, err := json.Marshal(line)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "encode wal line")
	}
	lb = append(lb, '\n')
	if _, err := r.wal.Write(lb); err != nil {
		return errs.Wrap(errs.IoError, err, "write wal")
	}
	if err := r.wal.Sync(); err != nil {
		return errs.Wrap(errs.IoError, err, "sync wal")
	}
	return r.apply(line)
}

func (r *relational) close() error {
	return r.wal.Close()
}
