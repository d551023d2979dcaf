// Package sqldb implements the store interfaces over database/sql.
//
// The engine is chosen by the connection string: a postgres:// DSN opens
// pgx, anything else is treated as a sqlite file path. SQL is written
// portably ($N placeholders work on both engines) so there is a single
// implementation.
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/internal/upgrade"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sql handle with the engine it was opened on.
type DB struct {
	*sql.DB
	engine string // "sqlite" or "pgx"
}

// Open connects to the database, applies the base schema and the additive
// column migrations. conn is a postgres:// DSN or a sqlite file path.
func Open(conn string) (*DB, error) {
	engine := "sqlite"
	driverConn := conn
	if strings.HasPrefix(conn, "postgres://") || strings.HasPrefix(conn, "postgresql://") {
		engine = "pgx"
	} else {
		if err := os.MkdirAll(filepath.Dir(conn), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		// Serialized writes; sqlite holds a single writer.
		driverConn = conn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open(engineDriver(engine), driverConn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", engine, err)
	}
	if engine == "sqlite" {
		// A second writer connection only produces SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", engine, err)
	}

	d := &DB{DB: db, engine: engine}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.ensureColumns(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	status, err := upgrade.CheckSchema(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema: %w", err)
	}
	if serr := upgrade.Err(status); serr != nil {
		db.Close()
		return nil, serr
	}
	return d, nil
}

func engineDriver(engine string) string {
	if engine == "pgx" {
		return "pgx"
	}
	return "sqlite"
}

// Stores returns the store container backed by this handle.
func (d *DB) Stores() *store.Stores {
	return &store.Stores{
		Users:    &userStore{d},
		Devices:  &deviceStore{d},
		Skills:   &skillStore{d},
		Sessions: &sessionStore{d},
	}
}

// migrate applies the embedded base schema.
func (d *DB) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	var m *migrate.Migrate
	if d.engine == "pgx" {
		dbDriver, derr := migratepgx.WithInstance(d.DB, &migratepgx.Config{})
		if derr != nil {
			return fmt.Errorf("migrate driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "hearth", dbDriver)
	} else {
		dbDriver, derr := migratesqlite.WithInstance(d.DB, &migratesqlite.Config{})
		if derr != nil {
			return fmt.Errorf("migrate driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "hearth", dbDriver)
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// additiveColumns lists columns added after the base schema. On startup each
// is checked against the live table and added with its default when missing,
// so older databases upgrade in place without a migration file.
var additiveColumns = []struct {
	table, column, ddl string
}{
	{"messages", "tool_call_id", "ALTER TABLE messages ADD COLUMN tool_call_id TEXT"},
	{"messages", "tool_calls", "ALTER TABLE messages ADD COLUMN tool_calls TEXT"},
	{"skills", "class_summary", "ALTER TABLE skills ADD COLUMN class_summary TEXT"},
}

func (d *DB) ensureColumns(ctx context.Context) error {
	for _, ac := range additiveColumns {
		has, err := d.hasColumn(ctx, ac.table, ac.column)
		if err != nil {
			return fmt.Errorf("inspect %s.%s: %w", ac.table, ac.column, err)
		}
		if has {
			continue
		}
		if _, err := d.ExecContext(ctx, ac.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", ac.table, ac.column, err)
		}
		slog.Info("schema: added column", "table", ac.table, "column", ac.column)
	}
	return nil
}

func (d *DB) hasColumn(ctx context.Context, table, column string) (bool, error) {
	if d.engine == "pgx" {
		var n int
		err := d.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`,
			table, column).Scan(&n)
		return n > 0, err
	}

	rows, err := d.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
