package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

type migration struct {
	name string
	stmt []byte
}

// RunMigrations applies the schema migrations in lexical order. When dir
// points at a directory of .sql files those are used (operator override);
// otherwise the migrations compiled into the binary run, so a fresh
// deployment needs no files on disk.
func RunMigrations(db *sql.DB, dir string) error {
	migrations, err := loadMigrations(dir)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if len(m.stmt) == 0 {
			continue
		}
		if _, err := db.Exec(string(m.stmt)); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		log.Printf("db: applied migration %s", m.name)
	}
	return nil
}

func loadMigrations(dir string) ([]migration, error) {
	if dir != "" {
		migrations, err := loadDirMigrations(dir)
		if err == nil {
			return migrations, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return loadEmbeddedMigrations()
}

func loadDirMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		stmt, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{name: entry.Name(), stmt: stmt})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].name < migrations[j].name })
	return migrations, nil
}

func loadEmbeddedMigrations() ([]migration, error) {
	entries, err := embeddedMigrations.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		stmt, err := embeddedMigrations.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read embedded migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{name: entry.Name(), stmt: stmt})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].name < migrations[j].name })
	return migrations, nil
}
