// Package stacks adapts the Stacks smart-contract layer (sBTC peg) to the
// layer2.Protocol contract via the shared bridge-style driver and its
// cross-chain transaction recording.
package stacks

import (
	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/layer2/bridgedriver"
	"github.com/anya-org/anya-core/internal/storage"
)

// New constructs the Stacks adapter.
func New(store *storage.Store, audit *auditlog.Log) layer2.Protocol {
	return layer2.NewBase(storage.Stacks, store, audit, bridgedriver.New("stacks"))
}
