// Package bob adapts the BOB (Build on Bitcoin) hybrid L2 to the
// layer2.Protocol contract via the shared bridge-style driver and its
// protocol registration flow.
package bob

import (
	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/layer2/bridgedriver"
	"github.com/anya-org/anya-core/internal/storage"
)

// New constructs the BOB adapter.
func New(store *storage.Store, audit *auditlog.Log) layer2.Protocol {
	return layer2.NewBase(storage.BOB, store, audit, bridgedriver.New("bob"))
}
