// Package layer2 defines the shared contract every Bitcoin Layer2 protocol
// adapter implements: a uniform sync+async operation set, a connection
// state machine, and dual at-most-once submission semantics backed by the
// storage layer's content-addressed dedup lookups. The state machine and
// locking style follow a sync.RWMutex-guarded map behind package-level
// accessors; the transfer/proof vocabulary follows a Bridge/CrossChainTx/
// Proof shape generalized across all nine adapters.
package layer2

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/anya-org/anya-core/internal/errs"
	"github.com/anya-org/anya-core/internal/storage"
)

// ProtocolState is the connection lifecycle of one adapter instance:
// Uninitialized -> Initializing -> {Connected|Failed}, Connected <->
// Degraded, and a terminal Disconnected reached only via explicit
// Disconnect.
type ProtocolState string

const (
	StateUninitialized ProtocolState = "uninitialized"
	StateInitializing  ProtocolState = "initializing"
	StateConnected     ProtocolState = "connected"
	StateDegraded      ProtocolState = "degraded"
	StateDisconnected  ProtocolState = "disconnected"
	StateFailed        ProtocolState = "failed"
)

// validTransitions enumerates the legal edges of the state machine.
var validTransitions = map[ProtocolState]map[ProtocolState]bool{
	StateUninitialized: {StateInitializing: true},
	StateInitializing:  {StateConnected: true, StateFailed: true},
	StateConnected:     {StateDegraded: true, StateDisconnected: true, StateFailed: true},
	StateDegraded:      {StateConnected: true, StateDisconnected: true, StateFailed: true},
	StateDisconnected:  {},
	StateFailed:        {},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s ProtocolState) CanTransitionTo(next ProtocolState) bool {
	return validTransitions[s][next]
}

// EndpointConfig is the per-adapter connection configuration, mirroring
// config.Layer2EndpointConfig but decoupled from the config package so
// adapters do not import it directly.
type EndpointConfig struct {
	Endpoint        string
	Network         string
	APIKey          string
	FreshnessWindow time.Duration
}

// VerificationResult is the pure-function outcome of VerifyProof.
type VerificationResult struct {
	Valid  bool
	Reason string
}

// Protocol is the contract every Layer2 adapter implements. Each async
// method has a synchronous counterpart implemented once by blockingAdapter
// and embedded into concrete adapters.
type Protocol interface {
	Kind() storage.ProtocolKind
	State() ProtocolState

	InitializeAsync(ctx context.Context, cfg EndpointConfig) error
	ConnectAsync(ctx context.Context) error
	DisconnectAsync(ctx context.Context, drainTimeout time.Duration) error

	SubmitTransactionAsync(ctx context.Context, payload []byte) (string, error)
	CheckTransactionStatusAsync(ctx context.Context, txIDHex string) (storage.TxStatus, error)
	IssueAssetAsync(ctx context.Context, a storage.AssetDescriptor) (string, error)
	TransferAssetAsync(ctx context.Context, t storage.AssetTransfer) (string, error)
	VerifyProof(proof storage.Proof) VerificationResult

	Initialize(cfg EndpointConfig) error
	Connect() error
	Disconnect(drainTimeout time.Duration) error
	SubmitTransaction(payload []byte) (string, error)
	CheckTransactionStatus(txIDHex string) (storage.TxStatus, error)
	IssueAsset(a storage.AssetDescriptor) (string, error)
	TransferAsset(t storage.AssetTransfer) (string, error)
}

// PayloadHash computes the content-address used for at-most-once
// deduplication.
func PayloadHash(payload []byte) [32]byte { return sha256.Sum256(payload) }

// blockingAdapter drives an async operation to completion on the calling
// goroutine via a background call plus a buffered result channel, the
// single-shot executor pattern used throughout this package's synchronous
// wrappers. It is embedded (not inherited) by each concrete adapter.
type blockingAdapter struct {
	ctxTimeout time.Duration
}

func (b blockingAdapter) run(fn func(ctx context.Context) error) error {
	timeout := b.ctxTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errs.Wrap(errs.Timeout, ctx.Err(), "blocking call timed out")
	}
}

func runWithResult[T any](b blockingAdapter, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	timeout := b.ctxTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, errs.Wrap(errs.Timeout, ctx.Err(), "blocking call timed out")
	}
}
