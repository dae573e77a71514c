package application

import (
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

func NewMigrationManager(pool *pgxpool.Pool) MigrationManager {
	return &migrationManager{pool: pool}
}

type migrationManager struct {
	pool    *pgxpool.Pool
	schemas []*embed.FS
}

func (m *migrationManager) RegisterSchema(fs *embed.FS) {
	m.schemas = append(m.schemas, fs)
}

// sqlDirs returns the directories inside fsys that hold .sql migrations,
// sorted for deterministic apply order.
func sqlDirs(fsys *embed.FS) ([]string, error) {
	files, err := listFiles(fsys, ".")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var dirs []string
	for _, f := range files {
		if !strings.HasSuffix(f, ".sql") {
			continue
		}
		dir := filepath.Dir(f)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func (m *migrationManager) Run() error {
	db := stdlib.OpenDBFromPool(m.pool)
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	for _, fsys := range m.schemas {
		dirs, err := sqlDirs(fsys)
		if err != nil {
			return err
		}
		goose.SetBaseFS(fsys)
		for _, dir := range dirs {
			if err := goose.Up(db, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *migrationManager) Rollback() error {
	db := stdlib.OpenDBFromPool(m.pool)
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	// Reverse registration order so dependent schemas unwind first.
	for i := len(m.schemas) - 1; i >= 0; i-- {
		fsys := m.schemas[i]
		dirs, err := sqlDirs(fsys)
		if err != nil {
			return err
		}
		goose.SetBaseFS(fsys)
		for j := len(dirs) - 1; j >= 0; j-- {
			if err := goose.DownTo(db, dirs[j], 0); err != nil {
				return err
			}
		}
	}
	return nil
}
