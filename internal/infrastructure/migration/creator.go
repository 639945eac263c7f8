package migration

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// versionLayout gives sortable 14 digit versions, e.g. 20251101090000
const versionLayout = "20060102150405"

const migrationUpTemplate = `-- Migration: {{.Name}}
-- Created: {{.Timestamp}}
-- Description: {{.Description}}

-- Write your UP migration SQL here

`

const migrationDownTemplate = `-- Migration: {{.Name}} (Rollback)
-- Created: {{.Timestamp}}
-- Description: Rollback for {{.Description}}

-- Write your DOWN migration SQL here

`

var (
	upTmpl   = template.Must(template.New("up").Parse(migrationUpTemplate))
	downTmpl = template.Must(template.New("down").Parse(migrationDownTemplate))
)

// MigrationFile represents a created migration file pair
type MigrationFile struct {
	Version     string
	Name        string
	Description string
	Timestamp   string
	UpPath      string
	DownPath    string
}

// MigrationInfo describes one migration found in a source
type MigrationInfo struct {
	Version uint
	Name    string
	// BaseName is the file name without the direction suffix
	BaseName string
	HasDown  bool
}

// CreateMigration creates a new migration file pair versioned with the current time
func CreateMigration(migrationsDir, name, description string) (*MigrationFile, error) {
	return CreateMigrationAt(migrationsDir, name, description, time.Now())
}

// CreateMigrationAt creates a new migration file pair versioned with now
func CreateMigrationAt(migrationsDir, name, description string, now time.Time) (*MigrationFile, error) {
	safe := sanitizeName(name)
	if safe == "" {
		return nil, fmt.Errorf("migration name %q has no usable characters", name)
	}
	if err := os.MkdirAll(migrationsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create migrations directory: %w", err)
	}

	version := now.UTC().Format(versionLayout)
	baseName := version + "_" + safe
	mf := &MigrationFile{
		Version:     version,
		Name:        name,
		Description: description,
		Timestamp:   now.UTC().Format(time.RFC3339),
		UpPath:      filepath.Join(migrationsDir, baseName+".up.sql"),
		DownPath:    filepath.Join(migrationsDir, baseName+".down.sql"),
	}

	if err := writeMigrationFile(mf.UpPath, upTmpl, mf); err != nil {
		return nil, fmt.Errorf("failed to create up migration: %w", err)
	}
	if err := writeMigrationFile(mf.DownPath, downTmpl, mf); err != nil {
		_ = os.Remove(mf.UpPath)
		return nil, fmt.Errorf("failed to create down migration: %w", err)
	}
	return mf, nil
}

// writeMigrationFile renders tmpl into a new file, refusing to overwrite
func writeMigrationFile(path string, tmpl *template.Template, data *MigrationFile) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

// sanitizeName converts a migration name to a safe file name format
func sanitizeName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + 'a' - 'A')
		case c == ' ' || c == '-' || c == '_':
			if s := b.String(); len(s) > 0 && s[len(s)-1] != '_' {
				b.WriteByte('_')
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// ListMigrations returns the migrations in a directory, oldest first.
// A missing directory has no migrations.
func ListMigrations(migrationsDir string) ([]MigrationInfo, error) {
	migrations, err := ListMigrationsFS(os.DirFS(migrationsDir), ".")
	if errors.Is(err, fs.ErrNotExist) {
		return []MigrationInfo{}, nil
	}
	return migrations, err
}

// ListMigrationsFS returns the migrations under dir of fsys, oldest first.
// Only files named <version>_<name>.up.sql define a migration.
func ListMigrationsFS(fsys fs.FS, dir string) ([]MigrationInfo, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[uint]*MigrationInfo)
	downs := make(map[uint]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			base := strings.TrimSuffix(name, ".up.sql")
			if version, label, ok := parseBaseName(base); ok {
				byVersion[version] = &MigrationInfo{Version: version, Name: label, BaseName: base}
			}
		case strings.HasSuffix(name, ".down.sql"):
			if version, _, ok := parseBaseName(strings.TrimSuffix(name, ".down.sql")); ok {
				downs[version] = true
			}
		}
	}

	migrations := make([]MigrationInfo, 0, len(byVersion))
	for version, m := range byVersion {
		m.HasDown = downs[version]
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// parseBaseName splits "<version>_<name>" the way golang-migrate does
func parseBaseName(base string) (uint, string, bool) {
	versionPart, label, found := strings.Cut(base, "_")
	if !found || label == "" {
		return 0, "", false
	}
	version, err := strconv.ParseUint(versionPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return uint(version), label, true
}
