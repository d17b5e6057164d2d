package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// ErrInstallationNotFound is returned when no live installation covers
// a repository.
var ErrInstallationNotFound = errors.New("no installation for repository")

// Installation is a forge-provider app installation on an account.
type Installation struct {
	ID           int64
	AccountLogin string
	AccountType  string
}

// Repository is a repo covered by an installation.
type Repository struct {
	GitHubID int64
	Name     string
	FullName string
	Private  bool
}

// InstallationRegistry is the SQLite-backed bookkeeping for app
// installations. The hot path is the repoFullName -> installationID
// lookup used to mint clone and PR credentials.
type InstallationRegistry struct {
	db   *sql.DB
	path string
}

// NewInstallationRegistry opens (creating if needed) the registry
// database at path.
func NewInstallationRegistry(path string) (*InstallationRegistry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	// Single writer to prevent lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	reg := &InstallationRegistry{db: db, path: path}
	if err := reg.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return reg, nil
}

func (r *InstallationRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS installations (
		installation_id INTEGER PRIMARY KEY,
		account_login   TEXT NOT NULL,
		account_type    TEXT NOT NULL,
		installed_at    TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		deleted_at      TEXT
	);

	CREATE TABLE IF NOT EXISTS repositories (
		github_id       INTEGER NOT NULL,
		name            TEXT NOT NULL,
		full_name       TEXT PRIMARY KEY,
		private         INTEGER NOT NULL DEFAULT 0,
		installation_id INTEGER NOT NULL,
		added_at        TEXT NOT NULL,
		removed_at      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_repositories_installation
		ON repositories(installation_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := r.db.Exec(schema)
	return err
}

// SaveInstallation upserts an installation record. Re-installing an
// account that was deleted revives the row.
func (r *InstallationRegistry) SaveInstallation(ctx context.Context, inst Installation) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO installations (installation_id, account_login, account_type, installed_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(installation_id) DO UPDATE SET
			account_login = excluded.account_login,
			account_type  = excluded.account_type,
			updated_at    = excluded.updated_at,
			deleted_at    = NULL`,
		inst.ID, inst.AccountLogin, inst.AccountType, now, now)
	if err != nil {
		return fmt.Errorf("failed to save installation %d: %w", inst.ID, err)
	}
	return nil
}

// MarkInstallationDeleted soft-deletes an installation and all of its
// repositories.
func (r *InstallationRegistry) MarkInstallationDeleted(ctx context.Context, installationID int64) error {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE installations SET deleted_at = ?, updated_at = ? WHERE installation_id = ?`,
		now, now, installationID); err != nil {
		return fmt.Errorf("failed to delete installation %d: %w", installationID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE repositories SET removed_at = ? WHERE installation_id = ? AND removed_at IS NULL`,
		now, installationID); err != nil {
		return fmt.Errorf("failed to remove repositories for installation %d: %w", installationID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deletion: %w", err)
	}
	return nil
}

// AddRepositories upserts repositories under an installation.
func (r *InstallationRegistry) AddRepositories(ctx context.Context, installationID int64, repos []Repository) error {
	if len(repos) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO repositories (github_id, name, full_name, private, installation_id, added_at, removed_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(full_name) DO UPDATE SET
			github_id       = excluded.github_id,
			name            = excluded.name,
			private         = excluded.private,
			installation_id = excluded.installation_id,
			removed_at      = NULL`)
	if err != nil {
		return fmt.Errorf("failed to prepare repository upsert: %w", err)
	}
	defer stmt.Close()

	for _, repo := range repos {
		private := 0
		if repo.Private {
			private = 1
		}
		if _, err := stmt.ExecContext(ctx, repo.GitHubID, repo.Name, repo.FullName, private, installationID, now); err != nil {
			return fmt.Errorf("failed to add repository %s: %w", repo.FullName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit repository additions: %w", err)
	}
	return nil
}

// RemoveRepositories soft-removes repositories from an installation.
func (r *InstallationRegistry) RemoveRepositories(ctx context.Context, installationID int64, fullNames []string) error {
	if len(fullNames) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)

	for _, fullName := range fullNames {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE repositories SET removed_at = ? WHERE full_name = ? AND installation_id = ?`,
			now, fullName, installationID); err != nil {
			return fmt.Errorf("failed to remove repository %s: %w", fullName, err)
		}
	}
	return nil
}

// InstallationForRepo resolves the live installation covering a
// repository. Returns ErrInstallationNotFound when the repo is unknown
// or its installation was deleted.
func (r *InstallationRegistry) InstallationForRepo(ctx context.Context, fullName string) (int64, error) {
	var installationID int64
	err := r.db.QueryRowContext(ctx, `
		SELECT r.installation_id
		FROM repositories r
		JOIN installations i ON i.installation_id = r.installation_id
		WHERE r.full_name = ? AND r.removed_at IS NULL AND i.deleted_at IS NULL`,
		fullName).Scan(&installationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInstallationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up installation for %s: %w", fullName, err)
	}
	return installationID, nil
}

// ListRepositories returns the live repositories of an installation.
func (r *InstallationRegistry) ListRepositories(ctx context.Context, installationID int64) ([]Repository, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT github_id, name, full_name, private
		FROM repositories
		WHERE installation_id = ? AND removed_at IS NULL
		ORDER BY full_name`,
		installationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		var repo Repository
		var private int
		if err := rows.Scan(&repo.GitHubID, &repo.Name, &repo.FullName, &private); err != nil {
			return nil, fmt.Errorf("failed to scan repository row: %w", err)
		}
		repo.Private = private != 0
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate repositories: %w", err)
	}
	return repos, nil
}

// Close closes the underlying database.
func (r *InstallationRegistry) Close() error {
	return r.db.Close()
}
