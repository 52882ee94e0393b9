package layer2

import (
	"encoding/hex"

	"github.com/anya-org/anya-core/internal/errs"
)

func hexString(b []byte) string { return hex.EncodeToString(b) }

func decodeTxID(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "invalid tx id")
	}
	return b, nil
}
