package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var ddlFS embed.FS

type step struct {
	version int
	name    string
	ddl     string
}

// Migrate brings the schema up to the latest embedded version. Each step
// runs in its own transaction so a failing step leaves the version marker
// pointing at the last good one.
func Migrate(db *sql.DB) error {
	steps, err := embeddedSteps()
	if err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if err := apply(db, s); err != nil {
			return err
		}
		current = s.version
	}
	return nil
}

func apply(db *sql.DB, s step) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.ddl); err != nil {
		return fmt.Errorf("apply %s: %w", s.name, err)
	}
	if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
		return fmt.Errorf("record %s: %w", s.name, err)
	}
	return tx.Commit()
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		_, err = db.Exec(`INSERT INTO schema_version(version) VALUES (0)`)
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

func embeddedSteps() ([]step, error) {
	entries, err := fs.ReadDir(ddlFS, "sql")
	if err != nil {
		return nil, err
	}
	var steps []step
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want NNNN_name.sql", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		data, err := ddlFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{version: v, name: e.Name(), ddl: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}
