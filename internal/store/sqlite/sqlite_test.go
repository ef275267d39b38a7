package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vovakirdan/wirechat-tui/internal/store"
)

func newMemoryStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewWithSetup(":memory:", applySchema)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentialRoundTrip(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()
	key := store.CredentialKey{Backend: "matrix", Server: "https://hs.example", User: "alice"}

	if _, err := s.GetCredential(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err := s.SaveCredential(ctx, &store.Credential{
		CredentialKey: key,
		UserID:        "@alice:hs.example",
		AccessToken:   "tok-1",
		DeviceID:      "DEV1",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetCredential(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "@alice:hs.example" || got.AccessToken != "tok-1" || got.DeviceID != "DEV1" {
		t.Fatalf("unexpected credential: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at to be set")
	}
}

func TestSaveCredentialReplaces(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()
	key := store.CredentialKey{Backend: "wirechat", Server: "http://chat.local", User: "bob"}

	for _, tok := range []string{"old", "new"} {
		if err := s.SaveCredential(ctx, &store.Credential{CredentialKey: key, UserID: "bob", AccessToken: tok}); err != nil {
			t.Fatalf("save %s: %v", tok, err)
		}
	}

	got, err := s.GetCredential(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "new" {
		t.Fatalf("expected replaced token, got %q", got.AccessToken)
	}
}

func TestCredentialsAreKeyedPerServerAndBackend(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	keys := []store.CredentialKey{
		{Backend: "matrix", Server: "https://a.example", User: "alice"},
		{Backend: "matrix", Server: "https://b.example", User: "alice"},
		{Backend: "wirechat", Server: "https://a.example", User: "alice"},
	}
	for i, key := range keys {
		cred := &store.Credential{CredentialKey: key, UserID: "alice", AccessToken: string(rune('x' + i))}
		if err := s.SaveCredential(ctx, cred); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	if err := s.DeleteCredential(ctx, keys[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetCredential(ctx, keys[0]); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted credential to be gone, got %v", err)
	}
	for _, key := range keys[1:] {
		if _, err := s.GetCredential(ctx, key); err != nil {
			t.Fatalf("credential %+v should survive: %v", key, err)
		}
	}

	// Deleting twice is fine.
	if err := s.DeleteCredential(ctx, keys[0]); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestNewCreatesSchemaOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := store.CredentialKey{Backend: "matrix", Server: "https://hs", User: "carol"}
	if err := s.SaveCredential(context.Background(), &store.Credential{CredentialKey: key, UserID: "@carol:hs", AccessToken: "t"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetCredential(context.Background(), key); err != nil {
		t.Fatalf("credential lost across reopen: %v", err)
	}
}

func TestExistingStoreFileIsRestricted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	s, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Fatalf("store has mode %v, want -rw-------", mode)
	}
}

func TestSetupErrorIsReported(t *testing.T) {
	_, err := NewWithSetup(":memory:", func(db *sql.DB) error {
		_, err := db.Exec("CREATE TABLE broken (")
		return err
	})
	if err == nil {
		t.Fatalf("expected setup error")
	}
}
