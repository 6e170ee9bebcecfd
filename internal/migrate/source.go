// Package migrate applies schema to tenant databases.
//
// Every tenant starts from the embedded baseline script, which is idempotent.
// Later changes are append-only files named <version>_<name>.sql, where
// version is a UTC timestamp (20060102150405). Each tenant records what it
// has applied in its own schema_version table, so tenants provisioned at
// different times converge on the same history.
package migrate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/shinji-kodama/tenantbox/internal/model"
)

// VersionLayout is the time layout of generated migration versions.
const VersionLayout = "20060102150405"

// fileName matches <version>_<name>.sql.
var fileName = regexp.MustCompile(`^([0-9]+)_([a-z0-9_]+)\.sql$`)

// Migration is one incremental migration file.
type Migration struct {
	Version string
	Name    string
	File    string
	SQL     string
}

// Source lists migration files from a filesystem.
type Source struct {
	fsys fs.FS

	// dir is set for on-disk sources; Generate writes there.
	dir string
}

// NewDirSource reads migrations from dir. A missing directory is an empty
// source, so fresh projects need no setup.
func NewDirSource(dir string) *Source {
	return &Source{fsys: os.DirFS(dir), dir: dir}
}

// NewFSSource reads migrations from the root of fsys. Generate is not
// supported.
func NewFSSource(fsys fs.FS) *Source {
	return &Source{fsys: fsys}
}

// Dir returns the directory of an on-disk source, or "".
func (s *Source) Dir() string {
	return s.dir
}

// Migrations returns every migration sorted by version ascending. Files
// that do not end in .sql are ignored; .sql files with a malformed name
// or a duplicate version are errors.
func (s *Source) Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	var out []Migration
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		m := fileName.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("malformed migration file name %q (expected <version>_<name>.sql)", e.Name())
		}
		if prev, dup := seen[m[1]]; dup {
			return nil, fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, e.Name())
		}
		seen[m[1]] = e.Name()

		data, err := fs.ReadFile(s.fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: m[1], Name: m[2], File: e.Name(), SQL: string(data)})
	}

	// Plain string order: a version that is a prefix of another sorts
	// first, and hand-numbered files need zero padding (01_, 02_, 10_).
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Generate writes an empty migration called name, versioned at now (UTC),
// and returns its path. Existing files are never overwritten.
func (s *Source) Generate(name string, now time.Time) (string, error) {
	if s.dir == "" {
		return "", fmt.Errorf("migration source is read-only")
	}
	slug, err := model.Slugify(name)
	if err != nil {
		return "", fmt.Errorf("invalid migration name: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	version := now.UTC().Format(VersionLayout)
	path := filepath.Join(s.dir, version+"_"+slug+".sql")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("migration %s already exists", path)
		}
		return "", fmt.Errorf("failed to create migration: %w", err)
	}
	defer f.Close()

	header := fmt.Sprintf("-- Migration: %s\n-- Version: %s\n--\n-- Published migrations are applied to every tenant; never edit or\n-- reorder them once released.\n\n", slug, version)
	if _, err := f.WriteString(header); err != nil {
		return "", fmt.Errorf("failed to write migration: %w", err)
	}
	return path, nil
}
