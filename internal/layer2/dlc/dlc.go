// Package dlc adapts Discreet Log Contracts (oracle-settled Bitcoin
// contracts) to the layer2.Protocol contract via the shared bridge-style
// driver: a DLC's CET broadcast and oracle-attestation verification map
// naturally onto submit_transaction/verify_proof, applying the shared
// SPV-style verification pattern to an oracle signature instead of a
// merkle proof.
package dlc

import (
	"github.com/anya-org/anya-core/internal/auditlog"
	"github.com/anya-org/anya-core/internal/layer2"
	"github.com/anya-org/anya-core/internal/layer2/bridgedriver"
	"github.com/anya-org/anya-core/internal/storage"
)

// New constructs the DLC adapter.
func New(store *storage.Store, audit *auditlog.Log) layer2.Protocol {
	return layer2.NewBase(storage.DLC, store, audit, bridgedriver.New("dlc"))
}
