// Package taproot adapts the Taproot Assets protocol (asset issuance via
// Taproot commitments) to the layer2.Protocol contract via the shared
// bridge-style driver and its bridge registration flow.
package taproot

import (
	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/layer2/bridgedriver"
	"github.com/anya-org/anya-core/internal/storage"
)

// New constructs the Taproot Assets adapter.
func New(store *storage.Store, audit *auditlog.Log) layer2.Protocol {
	return layer2.NewBase(storage.TaprootAssets, store, audit, bridgedriver.New("taproot_assets"))
}
