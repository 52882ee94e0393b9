// Package liquid adapts the Liquid Network sidechain to the layer2.Protocol
// contract via the shared bridge-style driver in bridgedriver, using its
// deposit/withdraw pairing.
package liquid

import (
	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/layer2/bridgedriver"
	"github.com/anya-org/anya-core/internal/storage"
)

// New constructs the Liquid Network adapter.
func New(store *storage.Store, audit *auditlog.Log) layer2.Protocol {
	return layer2.NewBase(storage.Liquid, store, audit, bridgedriver.New("liquid"))
}
