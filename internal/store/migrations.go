package store

import (
	"database/sql"
	"fmt"
)

// migration is one forward-only, idempotent schema change. applyMigrations
// records each one in schema_meta and skips it once recorded;
// addColumnIfMissing checks pragma_table_info for column-adding migrations.
type migration struct {
	name string
	run  func(db *sql.DB) error
}

// migrations lists every migration in apply order. New migrations are always
// appended; existing ones are never edited once shipped. A name identifies
// each migration since they all live in this one file rather than
// one-per-file.
var migrations = []migration{
	{name: "0001_base_schema", run: func(db *sql.DB) error {
		_, err := db.Exec(schema)
		return err
	}},
	{name: "0002_backfill_depth", run: backfillDepth},
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0 FROM pragma_table_info(?) WHERE name = ?
	`, table, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	return exists, nil
}

func addColumnIfMissing(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition))
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// backfillDepth recomputes the cached depth column for every node in one
// recursive descent.
func backfillDepth(db *sql.DB) error {
	_, err := db.Exec(`
		WITH RECURSIVE depths(id, d) AS (
			SELECT id, 0 FROM nodes WHERE parent IS NULL
			UNION ALL
			SELECT n.id, depths.d + 1
			FROM nodes n
			JOIN depths ON n.parent = depths.id
		)
		UPDATE nodes
		SET depth = (SELECT d FROM depths WHERE depths.id = nodes.id)
		WHERE id IN (SELECT id FROM depths)
	`)
	if err != nil {
		return fmt.Errorf("backfill depth: %w", err)
	}
	return nil
}

// applyMigrations runs every migration not yet recorded in schema_meta,
// forward-only and idempotent.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("base schema: %w", err)
	}
	for _, m := range migrations {
		var applied bool
		err := db.QueryRow(`SELECT COUNT(*) > 0 FROM schema_meta WHERE key = ?`, "migration:"+m.name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if applied {
			continue
		}
		if err := m.run(db); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := db.Exec(`INSERT OR REPLACE INTO schema_meta(key, value) VALUES (?, '1')`, "migration:"+m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}
