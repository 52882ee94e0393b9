package storage

import "encoding/hex"

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func decodeFileName(name string) (string, bool) {
	b, err := hex.DecodeString(name)
	if err != nil {
		return "", false
	}
	return string(b), true
}
