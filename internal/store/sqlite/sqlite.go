package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/wirechat-tui/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	backend      TEXT NOT NULL,
	server       TEXT NOT NULL,
	username     TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	access_token TEXT NOT NULL,
	device_id    TEXT NOT NULL DEFAULT '',
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (backend, server, username)
);
`

// SQLiteStore implements store.CredentialStore for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath and creates the schema if needed.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, applySchema)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to seed rows or break the schema on purpose.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	onDisk := dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:")
	if onDisk {
		if err := createPrivateFile(dbPath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Set connection pool limits before setup
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if onDisk {
		if err := restrictSidecars(dbPath); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SQLiteStore{db: db}, nil
}

// The database holds access tokens, so it and its WAL files are only
// readable by the owner.
const fileMode = 0o600

func createPrivateFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileMode)
	if err != nil {
		return fmt.Errorf("create store file: %w", err)
	}
	f.Close()
	if err := os.Chmod(path, fileMode); err != nil {
		return fmt.Errorf("restrict store file: %w", err)
	}
	return nil
}

func restrictSidecars(path string) error {
	for _, suffix := range []string{"-wal", "-shm"} {
		err := os.Chmod(path+suffix, fileMode)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("restrict store file: %w", err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCredential inserts or replaces the credential for its key.
func (s *SQLiteStore) SaveCredential(ctx context.Context, cred *store.Credential) error {
	query := `
		INSERT INTO credentials (backend, server, username, user_id, access_token, device_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (backend, server, username) DO UPDATE SET
			user_id = excluded.user_id,
			access_token = excluded.access_token,
			device_id = excluded.device_id,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query,
		cred.Backend, cred.Server, cred.User,
		cred.UserID, cred.AccessToken, cred.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// GetCredential returns the credential for key, or store.ErrNotFound.
func (s *SQLiteStore) GetCredential(ctx context.Context, key store.CredentialKey) (*store.Credential, error) {
	query := `
		SELECT user_id, access_token, device_id, updated_at
		FROM credentials
		WHERE backend = ? AND server = ? AND username = ?
	`
	cred := store.Credential{CredentialKey: key}
	err := s.db.QueryRowContext(ctx, query, key.Backend, key.Server, key.User).Scan(
		&cred.UserID,
		&cred.AccessToken,
		&cred.DeviceID,
		&cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &cred, nil
}

// DeleteCredential removes the credential for key.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, key store.CredentialKey) error {
	query := `DELETE FROM credentials WHERE backend = ? AND server = ? AND username = ?`
	if _, err := s.db.ExecContext(ctx, query, key.Backend, key.Server, key.User); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
