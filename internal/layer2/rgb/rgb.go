// Package rgb adapts the RGB client-side-validation asset protocol to the
// layer2.Protocol contract via the shared bridge-style driver and its
// protocol-agnostic deposit flow.
package rgb

import (
	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/layer2/bridgedriver"
	"github.com/anya-org/anya-core/internal/storage"
)

// New constructs the RGB adapter.
func New(store *storage.Store, audit *auditlog.Log) layer2.Protocol {
	return layer2.NewBase(storage.RGB, store, audit, bridgedriver.New("rgb"))
}
