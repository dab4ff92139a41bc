// Package migrate applies numbered SQL migration files to the broker's
// SQLite database, taking a file-copy backup before each migration and
// restoring from backup if the migration fails. Grounded on
// the original Python migration runner (original_source's
// mcp_the_force/migrations/migrate.py): same filename convention
// (NNN_description.sql, with an optional NNN_description_rollback.sql
// sibling), same backup-then-execute-then-restore-on-error shape, reexpressed
// with Go's database/sql and os/io instead of sqlite3.executescript.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration is one parsed migration file.
type Migration struct {
	Version      int
	Name         string
	Path         string
	RollbackPath string // empty if no rollback sibling exists
}

var versionPrefix = regexp.MustCompile(`^(\d+)_`)

// Load reads migrationsDir and returns every non-rollback *.sql file sorted
// by version number, pairing each with its rollback sibling when present.
func Load(migrationsDir string) ([]Migration, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migrate: read dir: %w", err)
	}
	byVersion := make(map[int]*Migration)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".sql")
		isRollback := strings.HasSuffix(stem, "_rollback")
		base := strings.TrimSuffix(stem, "_rollback")
		m := versionPrefix.FindStringSubmatch(base)
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		full := filepath.Join(migrationsDir, e.Name())
		if isRollback {
			if mig, ok := byVersion[version]; ok {
				mig.RollbackPath = full
			} else {
				byVersion[version] = &Migration{Version: version, Name: base, RollbackPath: full}
			}
			continue
		}
		if mig, ok := byVersion[version]; ok {
			mig.Path = full
			mig.Name = base
		} else {
			byVersion[version] = &Migration{Version: version, Name: base, Path: full}
		}
	}
	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Path == "" {
			continue // rollback file with no matching forward migration
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// CurrentVersion reads the highest applied version from schema_version,
// creating the tracking table if it does not exist yet.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("migrate: create schema_version: %w", err)
	}
	var version sql.NullInt64
	row := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("migrate: read schema_version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// Runner applies pending migrations against a SQLite file, backing it up
// before each migration and restoring the backup if the migration's
// statements fail to apply. A migration that fails at statement N leaves
// the database byte-identical to its pre-migration backup after
// restoration.
type Runner struct {
	DBPath         string
	MigrationsDir  string
	BackupDir      string
	TimestampFn    func() string
}

// Up applies every migration with version greater than the database's
// current version, in order, stopping at the first failure.
func (r *Runner) Up(ctx context.Context, db *sql.DB) error {
	migrations, err := Load(r.MigrationsDir)
	if err != nil {
		return err
	}
	current, err := CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if err := r.applyOne(ctx, db, mig); err != nil {
			return fmt.Errorf("migrate: version %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Status reports the current and latest known versions without applying
// anything.
func (r *Runner) Status(ctx context.Context, db *sql.DB) (current, latest int, err error) {
	migrations, err := Load(r.MigrationsDir)
	if err != nil {
		return 0, 0, err
	}
	current, err = CurrentVersion(ctx, db)
	if err != nil {
		return 0, 0, err
	}
	for _, mig := range migrations {
		if mig.Version > latest {
			latest = mig.Version
		}
	}
	return current, latest, nil
}

// RollbackTo runs the rollback siblings for every applied migration with
// version strictly greater than toVersion, in descending order, failing if
// any targeted migration has no rollback file.
func (r *Runner) RollbackTo(ctx context.Context, db *sql.DB, toVersion int) error {
	migrations, err := Load(r.MigrationsDir)
	if err != nil {
		return err
	}
	current, err := CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version > migrations[j].Version })
	for _, mig := range migrations {
		if mig.Version <= toVersion || mig.Version > current {
			continue
		}
		if mig.RollbackPath == "" {
			return fmt.Errorf("migrate: no rollback file for version %d (%s)", mig.Version, mig.Name)
		}
		if err := r.applyRollback(ctx, db, mig); err != nil {
			return fmt.Errorf("migrate: rollback version %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

func (r *Runner) applyOne(ctx context.Context, db *sql.DB, mig Migration) error {
	backup, err := r.backup()
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	sqlBytes, err := readFile(mig.Path)
	if err != nil {
		return err
	}
	if execErr := r.executeScript(ctx, db, string(sqlBytes), mig.Version); execErr != nil {
		if restoreErr := r.restore(backup); restoreErr != nil {
			return fmt.Errorf("execute failed (%v) and restore failed: %w", execErr, restoreErr)
		}
		return fmt.Errorf("execute failed, restored from backup: %w", execErr)
	}
	return nil
}

func (r *Runner) applyRollback(ctx context.Context, db *sql.DB, mig Migration) error {
	backup, err := r.backup()
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	sqlBytes, err := readFile(mig.RollbackPath)
	if err != nil {
		return err
	}
	if execErr := r.executeRollbackScript(ctx, db, string(sqlBytes), mig.Version); execErr != nil {
		if restoreErr := r.restore(backup); restoreErr != nil {
			return fmt.Errorf("rollback failed (%v) and restore failed: %w", execErr, restoreErr)
		}
		return fmt.Errorf("rollback failed, restored from backup: %w", execErr)
	}
	return nil
}

// executeScript runs every statement in a migration file inside one
// transaction, then records the new schema version, all as a single unit so
// a mid-script failure never leaves a partially-applied migration marked as
// current.
func (r *Runner) executeScript(ctx context.Context, db *sql.DB, script string, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(script) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES(?)`, version); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Runner) executeRollbackScript(ctx context.Context, db *sql.DB, script string, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(script) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = ?`, version); err != nil {
		return err
	}
	return tx.Commit()
}

func splitStatements(script string) []string {
	return strings.Split(script, ";")
}

func (r *Runner) backup() (string, error) {
	ts := "snapshot"
	if r.TimestampFn != nil {
		ts = r.TimestampFn()
	}
	dir := r.BackupDir
	if dir == "" {
		dir = filepath.Dir(r.DBPath)
	}
	backupPath := filepath.Join(dir, fmt.Sprintf("%s_backup_%s%s", strings.TrimSuffix(filepath.Base(r.DBPath), filepath.Ext(r.DBPath)), ts, filepath.Ext(r.DBPath)))
	if err := copyFile(r.DBPath, backupPath); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		src := r.DBPath + suffix
		if _, err := os.Stat(src); err == nil {
			_ = copyFile(src, backupPath+suffix)
		}
	}
	return backupPath, nil
}

func (r *Runner) restore(backupPath string) error {
	if err := copyFile(backupPath, r.DBPath); err != nil {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		src := backupPath + suffix
		if _, err := os.Stat(src); err == nil {
			_ = copyFile(src, r.DBPath+suffix)
		}
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	b, err := fs.ReadFile(os.DirFS(filepath.Dir(path)), filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("read migration %s: %w", path, err)
	}
	return b, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
