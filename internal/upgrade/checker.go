// Package upgrade verifies the database schema version against the one
// this binary was built for.
package upgrade

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the highest migration this binary knows about.
// Bump it whenever a migration file is added.
const RequiredSchemaVersion uint = 1

// SchemaStatus is the result of a schema compatibility check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

var (
	ErrSchemaDirty = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead = errors.New("database schema is newer than this binary")
)

// CheckSchema reads the schema_migrations table and compares it against
// RequiredSchemaVersion. A missing table counts as a fresh database.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	var version uint
	var dirty bool

	err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		// No rows or no table: fresh database, nothing applied yet.
		return &SchemaStatus{
			RequiredVersion: RequiredSchemaVersion,
			NeedsMigration:  true,
		}, nil
	}

	s := &SchemaStatus{
		CurrentVersion:  version,
		RequiredVersion: RequiredSchemaVersion,
		Dirty:           dirty,
	}
	if dirty {
		return s, nil
	}
	switch {
	case version == RequiredSchemaVersion:
		s.Compatible = true
	case version < RequiredSchemaVersion:
		s.NeedsMigration = true
	default:
		// Schema is ahead; the binary is too old.
	}
	return s, nil
}

// Err maps an incompatible status onto its sentinel error, nil when the
// schema is usable.
func Err(s *SchemaStatus) error {
	switch {
	case s.Dirty:
		return fmt.Errorf("%w: version %d; run `hearth migrate` after fixing the failed step", ErrSchemaDirty, s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		return fmt.Errorf("%w: database v%d, binary supports v%d; upgrade the hearth binary", ErrSchemaAhead, s.CurrentVersion, s.RequiredVersion)
	default:
		return nil
	}
}
