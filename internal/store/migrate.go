package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// SchemaVersion is the migration version this build expects.
const SchemaVersion uint = 1

// Schema reports the migration state of the database.
type Schema struct {
	Version uint
	// Applied is true when this call moved the version forward.
	Applied bool
}

// Migrate applies pending migrations. A dirty database or a version newer
// than SchemaVersion is reported as ErrCorrupt: neither can be repaired by
// retrying.
func (db *DB) Migrate() (Schema, error) {
	m, err := db.migrator()
	if err != nil {
		return Schema{}, err
	}

	applied := true
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		applied = false
	} else if err != nil {
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return Schema{}, fmt.Errorf("%w: schema version %d is dirty", ErrCorrupt, dirty.Version)
		}
		return Schema{}, fmt.Errorf("%w: apply migrations: %v", ErrCorrupt, err)
	}

	version, dirty, err := m.Version()
	switch {
	case err != nil:
		return Schema{}, fmt.Errorf("%w: read schema version: %v", ErrCorrupt, err)
	case dirty:
		return Schema{}, fmt.Errorf("%w: schema version %d is dirty", ErrCorrupt, version)
	case version > SchemaVersion:
		return Schema{}, fmt.Errorf("%w: schema version %d is newer than %d", ErrCorrupt, version, SchemaVersion)
	}
	return Schema{Version: version, Applied: applied}, nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	// The sqlite3 driver closes the instance it is given only on m.Close,
	// which is never called here; the pool stays owned by DB.
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: migration driver: %v", ErrCorrupt, err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("%w: migration instance: %v", ErrCorrupt, err)
	}
	return m, nil
}
