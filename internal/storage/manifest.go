package storage

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/anya-org/anya-core/internal/errs"
)

// Manifest is the small root-level manifest.json , recording
// schema versions and the HSM master-key salt so both subsystems share one
// on-disk source of truth under data_dir.
type Manifest struct {
	SchemaVersion  int    `json:"schema_version"`
	MasterKeySalt  []byte `json:"master_key_salt"`
}

func manifestPath(dataDir string) string { return filepath.Join(dataDir, "manifest.json") }

func loadOrInitManifest(dataDir string) (*Manifest, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IoError, err, "create data_dir")
	}
	p := manifestPath(dataDir)
	b, err := os.ReadFile(p)
	if err == nil {
		var mf Manifest
		if err := json.Unmarshal(b, &mf); err != nil {
			return nil, errs.Wrap(errs.Corrupt, err, "decode manifest")
		}
		return &mf, nil
	}
	if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.IoError, err, "read manifest")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.Wrap(errs.CryptoError, err, "generate master key salt")
	}
	return &Manifest{SchemaVersion: 0, MasterKeySalt: salt}, nil
}

func saveManifest(dataDir string, mf *Manifest) error {
	b, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return errs.Wrap(errs.IoError, err, "encode manifest")
	}
	tmp := manifestPath(dataDir) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errs.Wrap(errs.IoError, err, "write manifest")
	}
	return os.Rename(tmp, manifestPath(dataDir))
}

// MasterKeySalt exposes the manifest's persisted salt for the HSM's KDF.
func (s *Store) MasterKeySalt() ([]byte, error) {
	mf, err := loadOrInitManifest(s.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return mf.MasterKeySalt, nil
}
