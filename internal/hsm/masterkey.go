package hsm

import (
	"runtime"

	"golang.org/x/crypto/argon2"

	"github.com/anya-org/anya-core/internal/config"
)

// deriveMasterKey derives the 32-byte master key from the operator
// passphrase using an Argon2id-class memory-hard KDF. The
// stored salt lives in manifest.json (storage.Store.MasterKeySalt), so the
// same key is reproduced across restarts; the raw key itself is never
// persisted.
func deriveMasterKey(passphrase string, salt []byte, params config.ArgonParams) [32]byte {
	threads := params.Threads
	if threads == 0 {
		threads = uint8(runtime.NumCPU())
		if threads == 0 {
			threads = 1
		}
	}
	timeCost := params.TimeCost
	if timeCost == 0 {
		timeCost = 3
	}
	memory := params.MemoryKiB
	if memory == 0 {
		memory = 64 * 1024
	}
	keyLen := params.KeyLen
	if keyLen == 0 {
		keyLen = 32
	}
	key := argon2.IDKey([]byte(passphrase), salt, timeCost, memory, threads, keyLen)
	var out [32]byte
	copy(out[:], key)
	return out
}
