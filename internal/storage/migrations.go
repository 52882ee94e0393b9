package storage

// Migration is one versioned schema step. Apply must be idempotent against
// an already-migrated store since it may be replayed during WAL recovery.
type Migration struct {
	Version int
	Name    string
	Apply   func(s *Store) error
}

// registeredMigrations is the versioned schema registry .
// New migrations are appended; never reordered or removed once released.
var registeredMigrations = []Migration{
	{Version: 1, Name: "initial_tables", Apply: func(s *Store) error { return nil }},
}

// Migrator runs pending migrations in order at startup, directly against
// the Store rather than inside a storage transaction; failure aborts startup.
type Migrator struct {
	migrations []Migration
}

func NewMigrator(migrations []Migration) *Migrator {
	return &Migrator{migrations: migrations}
}

// Run applies every migration with Version > manifest.SchemaVersion, in
// order, bumping the manifest's recorded version as it goes.
func (m *Migrator) Run(mf *Manifest, s *Store) error {
	for _, mig := range m.migrations {
		if mig.Version <= mf.SchemaVersion {
			continue
		}
		if err := mig.Apply(s); err != nil {
			return err
		}
		mf.SchemaVersion = mig.Version
	}
	return nil
}
