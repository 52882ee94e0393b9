// Package rsk adapts the RSK (Rootstock) EVM-compatible Bitcoin sidechain to
// the layer2.Protocol contract via the shared bridge-style driver and its
// lock-and-mint/burn-and-release pair.
package rsk

import (
	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/layer2/bridgedriver"
	"github.com/anya-org/anya-core/internal/storage"
)

// New constructs the RSK adapter.
func New(store *storage.Store, audit *auditlog.Log) layer2.Protocol {
	return layer2.NewBase(storage.RSK, store, audit, bridgedriver.New("rsk"))
}
