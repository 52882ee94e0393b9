// Package reconciler runs the background sweep: draining the durable
// kv_reconcile queue after a KV apply failure, advancing Pending
// transactions and SourceCommitted cross-layer transfers that have sat
// past their grace window toward a terminal state, and retiring HSM keys
// whose rotation grace period has elapsed. A ticker-driven loop runs on
// its own goroutine, stopped via a close-once channel.
package reconciler

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anya-org/anya-core/internal/hsm"
	"github.com/anya-org/anya-core/internal/layer2manager"
	"github.com/anya-org/anya-core/internal/storage"
)

// Config tunes the reconciler's cadence and patience.
type Config struct {
	Interval     time.Duration // how often a sweep runs
	PendingGrace time.Duration // age at which a Pending tx is first reconsidered
	PendingMaxAge time.Duration // age at which a still-Pending tx is marked Failed
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = 2 * time.Minute
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = 30 * time.Minute
	}
	return c
}

// Reconciler owns the background sweep loop.
type Reconciler struct {
	cfg     Config
	store   *storage.Store
	manager *layer2manager.Manager
	hsm     *hsm.HSM
	lg      *logrus.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New constructs a Reconciler. hsmInstance may be nil, in which case the
// rotating-key retirement sub-sweep is skipped. Call Start to begin the
// background loop.
func New(store *storage.Store, manager *layer2manager.Manager, hsmInstance *hsm.HSM, lg *logrus.Logger, cfg Config) *Reconciler {
	return &Reconciler{cfg: cfg.withDefaults(), store: store, manager: manager, hsm: hsmInstance, lg: lg}
}

// Start launches the ticker loop on its own goroutine. Calling Start twice
// without an intervening Stop is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop = nil
	r.done = nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.Sweep(ctx)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one reconciliation pass immediately; exported so callers (and
// tests) can drive it deterministically instead of waiting on the ticker.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.drainKVReconcile()
	r.advancePendingTransactions(ctx)
	r.advanceStuckCrossLayerTransfers(ctx)
	r.retireExpiredKeys(ctx)
}

func (r *Reconciler) retireExpiredKeys(ctx context.Context) {
	if r.hsm == nil {
		return
	}
	if _, err := r.hsm.RetireExpiredKeys(ctx); err != nil {
		r.lg.WithError(err).Warn("failed to retire expired rotating keys")
	}
}

func (r *Reconciler) drainKVReconcile() {
	for _, e := range r.store.ReconcileEntries() {
		if err := r.store.ApplyReconcileEntry(e); err != nil {
			r.lg.WithError(err).WithField("key", e.Namespace+"/"+e.Key).Debug("kv reconcile replay still failing")
			continue
		}
		if err := r.store.ClearReconcile(e.ID); err != nil {
			r.lg.WithError(err).Warn("failed to clear reconciled kv entry")
		}
	}
}

func (r *Reconciler) advancePendingTransactions(ctx context.Context) {
	for _, kind := range storage.AllProtocolKinds {
		proto, err := r.manager.GetProtocol(kind)
		if err != nil {
			continue // not registered in this deployment
		}
		tx, err := r.store.Begin(ctx)
		if err != nil {
			return
		}
		pending := tx.Transactions().ListByProtocol(kind)
		tx.Rollback()

		for _, rec := range pending {
			if rec.Status != storage.StatusPending {
				continue
			}
			age := time.Since(rec.SubmittedAt)
			if age < r.cfg.PendingGrace {
				continue
			}
			txIDHex := hex.EncodeToString(rec.TxID)
			status, err := proto.CheckTransactionStatus(txIDHex)
			if err == nil && status != storage.StatusPending {
				continue // the freshness-gated check above already advanced it
			}
			if age < r.cfg.PendingMaxAge {
				continue
			}
			r.failStalePending(ctx, rec.TxID)
		}
	}
}

func (r *Reconciler) failStalePending(ctx context.Context, txID []byte) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return
	}
	if err := tx.Transactions().UpdateStatus(txID, storage.StatusFailed, "reconciler: exceeded max pending age", 0); err != nil {
		tx.Rollback()
		return
	}
	_ = tx.Commit()
}

func (r *Reconciler) advanceStuckCrossLayerTransfers(ctx context.Context) {
	stuck, err := r.store.CrossLayerTransfersInState(storage.CLSourceCommitted, r.cfg.PendingGrace)
	if err != nil {
		r.lg.WithError(err).Warn("failed to list stuck cross-layer transfers")
		return
	}
	for _, transferID := range stuck {
		if err := r.manager.RetryCompensation(ctx, transferID); err != nil {
			r.lg.WithField("transfer_id", transferID).WithError(err).Debug("cross-layer compensation retry still failing")
		}
	}
}
